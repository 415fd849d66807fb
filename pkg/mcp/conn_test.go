package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolgate/toolgate/pkg/errkind"
)

func TestConnHandshakeAndCall(t *testing.T) {
	f := newFakeStdio(t, echoResponder(testTools))
	conn := newConn("files", f, false, testLogger())
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, conn.Hello(ctx))

	tools, err := conn.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)

	content, err := conn.CallTool(ctx, "echo", json.RawMessage(`{"text":"hi there"}`))
	require.NoError(t, err)
	assert.Equal(t, "hi there", content.Flatten())

	sent := conn.SessionID()
	frames := f.sentMessages()
	require.Len(t, frames, 3)
	assert.Equal(t, []string{msgHello, msgListTools, msgToolCall}, f.sentTypes())
	assert.Equal(t, protocolVersion, frames[0].Version)
	for _, m := range frames {
		assert.Equal(t, sent, m.SessionID, "every frame carries the conn session id")
	}
	assert.NotEmpty(t, frames[2].ID, "tool calls must carry a correlation id")
	assert.Equal(t, "echo", frames[2].Name)
}

func TestConnServerReportedError(t *testing.T) {
	respond := func(m message) []message {
		if m.Type != msgToolCall {
			return echoResponder(nil)(m)
		}
		return []message{{Type: msgToolResponse, ID: m.ID, Error: "disk on fire"}}
	}
	f := newFakeStdio(t, respond)
	conn := newConn("files", f, false, testLogger())
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := conn.CallTool(ctx, "burn", nil)
	require.Error(t, err)
	assert.Equal(t, errkind.ToolExecutionFailed, errkind.KindOf(err))
	assert.Contains(t, err.Error(), "disk on fire")
	assert.True(t, conn.Open(), "a tool failure must not kill the connection")
}

func TestConnOutOfOrderCorrelation(t *testing.T) {
	// Collect two calls, then answer them in reverse order.
	var (
		mu      sync.Mutex
		pending []message
	)
	f := newFakeStdio(t, func(m message) []message {
		if m.Type != msgToolCall {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		pending = append(pending, m)
		if len(pending) < 2 {
			return nil
		}
		first, second := pending[0], pending[1]
		return []message{
			{Type: msgToolResponse, ID: second.ID, Content: &ToolContent{Kind: ContentText, Text: "reply-2"}},
			{Type: msgToolResponse, ID: first.ID, Content: &ToolContent{Kind: ContentText, Text: "reply-1"}},
		}
	})
	conn := newConn("files", f, false, testLogger())
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	results := make([]string, 2)
	errs := make([]error, 2)
	call := func(idx int) {
		defer wg.Done()
		content, err := conn.CallTool(ctx, "slow", nil)
		errs[idx] = err
		if err == nil {
			results[idx] = content.Flatten()
		}
	}

	wg.Add(2)
	go call(0)
	// Make sure call 0 is registered first so the reply order is truly
	// reversed relative to the request order.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(pending) == 1
	}, time.Second, 5*time.Millisecond)
	go call(1)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, "reply-1", results[0])
	assert.Equal(t, "reply-2", results[1])
}

func TestConnPoisonOnEOF(t *testing.T) {
	t.Run("in-flight call fails with connection lost", func(t *testing.T) {
		f := newFakeStdio(t, nil) // swallows everything
		conn := newConn("files", f, false, testLogger())

		errCh := make(chan error, 1)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, err := conn.CallTool(ctx, "echo", nil)
			errCh <- err
		}()

		// Wait for the call to hit the wire, then kill the read side.
		require.Eventually(t, func() bool { return len(f.sentTypes()) == 1 }, time.Second, 5*time.Millisecond)
		f.Close()

		err := <-errCh
		require.Error(t, err)
		assert.Equal(t, errkind.ConnectionLost, errkind.KindOf(err))
		assert.False(t, conn.Open())
	})

	t.Run("reaped child reports server crashed", func(t *testing.T) {
		f := newFakeStdio(t, nil)
		conn := newConn("files", f, false, testLogger())

		errCh := make(chan error, 1)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, err := conn.CallTool(ctx, "echo", nil)
			errCh <- err
		}()

		require.Eventually(t, func() bool { return len(f.sentTypes()) == 1 }, time.Second, 5*time.Millisecond)
		f.markExited(137)

		err := <-errCh
		require.Error(t, err)
		assert.Equal(t, errkind.ServerCrashed, errkind.KindOf(err))
		assert.Contains(t, err.Error(), "137")
	})

	t.Run("calls after death fail fast", func(t *testing.T) {
		f := newFakeStdio(t, nil)
		conn := newConn("files", f, false, testLogger())
		f.Close()

		require.Eventually(t, func() bool { return !conn.Open() }, time.Second, 5*time.Millisecond)

		start := time.Now()
		_, err := conn.CallTool(context.Background(), "echo", nil)
		require.Error(t, err)
		assert.Equal(t, errkind.ConnectionLost, errkind.KindOf(err))
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	})
}

func TestConnCallContextTimeout(t *testing.T) {
	f := newFakeStdio(t, nil) // never replies
	conn := newConn("files", f, false, testLogger())
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := conn.CallTool(ctx, "echo", nil)
	require.Error(t, err)
	assert.Equal(t, errkind.ConnectionTimeout, errkind.KindOf(err))
	assert.True(t, conn.Open(), "an abandoned call must not kill the connection")

	// A late reply to the abandoned id is dropped without disturbing the
	// next request.
	frames := f.sentMessages()
	require.Len(t, frames, 1)
	f.feed(message{Type: msgToolResponse, ID: frames[0].ID, Content: &ToolContent{Kind: ContentText, Text: "late"}})

	f.setRespond(echoResponder(nil))
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	content, err := conn.CallTool(ctx2, "echo", json.RawMessage(`{"text":"fresh"}`))
	require.NoError(t, err)
	assert.Equal(t, "fresh", content.Flatten())
}

func TestConnIgnoresNoise(t *testing.T) {
	f := newFakeStdio(t, nil)
	conn := newConn("files", f, false, testLogger())
	defer conn.Close()

	// Non-JSON output and unsolicited frames must not break correlation.
	f.feedRaw("npm WARN deprecated something@1.0.0")
	f.feed(message{Type: msgToolResponse, ID: "never-asked"})

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		errCh <- conn.Hello(ctx)
	}()

	require.Eventually(t, func() bool { return len(f.sentTypes()) == 1 }, time.Second, 5*time.Millisecond)
	f.feedRaw(`{"type":"hello","version":"1.0"}`)

	require.NoError(t, <-errCh)
}

func TestConnGoodbye(t *testing.T) {
	f := newFakeStdio(t, echoResponder(nil))
	conn := newConn("files", f, false, testLogger())
	defer conn.Close()

	require.NoError(t, conn.Goodbye())
	assert.Equal(t, []string{msgGoodbye}, f.sentTypes())
}
