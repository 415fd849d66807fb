package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/toolgate/toolgate/pkg/errkind"
)

// goodbyeTimeout bounds the farewell write during shutdown. Servers exit
// without replying, so only the write itself is waited on.
const goodbyeTimeout = 2 * time.Second

// stdio is the pipe surface a connection drives. *proc.StdioHandle
// implements it; connection tests script it.
type stdio interface {
	Lines() <-chan string
	WriteLine(line string) error
	Close()
	PID() int32
	Exited() bool
	ExitCode() int
}

// inflight is one queued request with its reply slot.
type inflight struct {
	msg   message
	reply chan result
}

type result struct {
	msg message
	err error
}

// Conn is one protocol connection to a tool server. A single goroutine
// owns the stdio pipes: requests enter the inbox, responses are matched
// back by id (tool calls) or by type (hello and listings, which the
// protocol leaves uncorrelated). Callers never touch the pipes, so there
// is no lock around reads or writes to reason about.
type Conn struct {
	server    string
	sessionID string
	ephemeral bool
	createdAt time.Time

	handle stdio
	inbox  chan inflight

	// closed is the caller-side shutdown signal; dead closes when the
	// actor goroutine exits for any reason.
	closed    chan struct{}
	dead      chan struct{}
	closeOnce sync.Once

	poisonMu sync.Mutex
	poisoned error

	logger *slog.Logger
}

// newConn wraps a claimed stdio handle and starts the actor. sessionID
// identifies this connection in every frame it sends.
func newConn(server string, h stdio, ephemeral bool, logger *slog.Logger) *Conn {
	c := &Conn{
		server:    server,
		sessionID: uuid.NewString(),
		ephemeral: ephemeral,
		createdAt: time.Now(),
		handle:    h,
		inbox:     make(chan inflight),
		closed:    make(chan struct{}),
		dead:      make(chan struct{}),
		logger:    logger.With("server", server),
	}
	go c.run()
	return c
}

// run is the actor loop. It exits when the server's stdout closes or the
// conn is closed, failing every pending request on the way out.
func (c *Conn) run() {
	pendingID := make(map[string]chan result)
	pendingType := make(map[string][]chan result)

	// dead closes before the errors go out: a caller that sees its call
	// fail also sees Open() report false. Both exit paths run fail.
	fail := func(err error) {
		close(c.dead)
		for id, ch := range pendingID {
			ch <- result{err: err}
			delete(pendingID, id)
		}
		for typ, queue := range pendingType {
			for _, ch := range queue {
				ch <- result{err: err}
			}
			delete(pendingType, typ)
		}
	}

	for {
		select {
		case in := <-c.inbox:
			line, err := json.Marshal(in.msg)
			if err != nil {
				in.reply <- result{err: errkind.Wrap(errkind.InternalError, err)}
				continue
			}
			if err := c.handle.WriteLine(string(line)); err != nil {
				in.reply <- result{err: c.writeError(err)}
				continue
			}
			if in.msg.Type == msgGoodbye {
				// Fire-and-forget; no response frame exists for it.
				in.reply <- result{}
				continue
			}
			if in.msg.ID != "" {
				pendingID[in.msg.ID] = in.reply
			} else {
				rt := responseType(in.msg.Type)
				pendingType[rt] = append(pendingType[rt], in.reply)
			}

		case line, ok := <-c.handle.Lines():
			if !ok {
				fail(c.poison())
				return
			}
			var msg message
			if err := json.Unmarshal([]byte(line), &msg); err != nil {
				c.logger.Warn("Dropping undecodable protocol line", "error", err)
				continue
			}
			c.dispatch(msg, pendingID, pendingType)

		case <-c.closed:
			fail(errkind.Newf(errkind.ConnectionLost, "connection to %q closed", c.server))
			return
		}
	}
}

// dispatch routes one incoming frame to its waiting caller. Reply
// channels are buffered, so an abandoned caller never blocks the actor.
func (c *Conn) dispatch(msg message, byID map[string]chan result, byType map[string][]chan result) {
	if msg.Type == msgToolResponse && msg.ID != "" {
		ch, ok := byID[msg.ID]
		if !ok {
			c.logger.Warn("Tool response with no waiting caller", "id", msg.ID)
			return
		}
		delete(byID, msg.ID)
		ch <- result{msg: msg}
		return
	}
	queue := byType[msg.Type]
	if len(queue) == 0 {
		c.logger.Debug("Unsolicited protocol message", "type", msg.Type)
		return
	}
	byType[msg.Type] = queue[1:]
	queue[0] <- result{msg: msg}
}

// poison records why the read side died. The exit code is attached when
// the child was already reaped; otherwise the pipe closed under us.
func (c *Conn) poison() error {
	c.poisonMu.Lock()
	defer c.poisonMu.Unlock()
	if c.poisoned == nil {
		if c.handle.Exited() {
			c.poisoned = errkind.Newf(errkind.ServerCrashed,
				"server %q exited with code %d", c.server, c.handle.ExitCode())
		} else {
			c.poisoned = errkind.Newf(errkind.ConnectionLost,
				"server %q closed its stdout", c.server)
		}
	}
	return c.poisoned
}

func (c *Conn) deadError() error {
	c.poisonMu.Lock()
	defer c.poisonMu.Unlock()
	if c.poisoned != nil {
		return c.poisoned
	}
	return errkind.Newf(errkind.ConnectionLost, "connection to %q closed", c.server)
}

func (c *Conn) writeError(err error) error {
	if c.handle.Exited() {
		return errkind.Newf(errkind.ServerCrashed,
			"server %q exited with code %d", c.server, c.handle.ExitCode())
	}
	return errkind.Wrap(errkind.ConnectionLost, err)
}

// submit queues one request and waits for its reply or the context. A
// caller that gives up leaves its pending entry behind; a late response
// resolves into the buffered reply channel and is dropped.
func (c *Conn) submit(ctx context.Context, msg message) (message, error) {
	reply := make(chan result, 1)
	select {
	case c.inbox <- inflight{msg: msg, reply: reply}:
	case <-c.dead:
		return message{}, c.deadError()
	case <-ctx.Done():
		return message{}, errkind.Wrap(errkind.ConnectionTimeout, ctx.Err())
	}
	select {
	case res := <-reply:
		if res.err != nil {
			return message{}, res.err
		}
		return res.msg, nil
	case <-ctx.Done():
		return message{}, errkind.Wrap(errkind.ConnectionTimeout, ctx.Err())
	}
}

// Hello performs the protocol greeting.
func (c *Conn) Hello(ctx context.Context) error {
	_, err := c.submit(ctx, message{Type: msgHello, Version: protocolVersion, SessionID: c.sessionID})
	return err
}

// ListTools asks the server for its tool catalogue.
func (c *Conn) ListTools(ctx context.Context) ([]Tool, error) {
	msg, err := c.submit(ctx, message{Type: msgListTools, SessionID: c.sessionID})
	if err != nil {
		return nil, err
	}
	return msg.Tools, nil
}

// CallTool invokes a tool by name. A server-reported error comes back as
// TOOL_EXECUTION_FAILED; transport trouble carries its connection kind.
func (c *Conn) CallTool(ctx context.Context, name string, params json.RawMessage) (*ToolContent, error) {
	msg, err := c.submit(ctx, message{
		Type:       msgToolCall,
		SessionID:  c.sessionID,
		ID:         uuid.NewString(),
		Name:       name,
		Parameters: params,
	})
	if err != nil {
		return nil, err
	}
	if msg.Error != "" {
		return nil, errkind.Newf(errkind.ToolExecutionFailed, "tool %q failed: %s", name, msg.Error)
	}
	if msg.Content == nil {
		return &ToolContent{Kind: ContentText}, nil
	}
	return msg.Content, nil
}

// Goodbye tells the server the connection is going away. Best effort:
// only the write is waited on, never a reply.
func (c *Conn) Goodbye() error {
	ctx, cancel := context.WithTimeout(context.Background(), goodbyeTimeout)
	defer cancel()
	_, err := c.submit(ctx, message{Type: msgGoodbye, SessionID: c.sessionID})
	return err
}

// Open reports whether the conn can still take requests.
func (c *Conn) Open() bool {
	select {
	case <-c.dead:
		return false
	default:
		return true
	}
}

// Server returns the server name this conn belongs to.
func (c *Conn) Server() string { return c.server }

// SessionID returns the protocol session id sent in every frame.
func (c *Conn) SessionID() string { return c.sessionID }

// Ephemeral reports whether this conn owns a throwaway stdio child that
// the caller must close after use.
func (c *Conn) Ephemeral() bool { return c.ephemeral }

// PID returns the backing child's process id.
func (c *Conn) PID() int32 { return c.handle.PID() }

// Age returns how long ago the conn was established.
func (c *Conn) Age() time.Duration { return time.Since(c.createdAt) }

// Close stops the actor and closes the child's stdin. For stdio servers
// the stdin EOF is the shutdown signal.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.handle.Close()
	})
}
