package services

import (
	"testing"

	"github.com/toolgate/toolgate/pkg/database"
	"github.com/toolgate/toolgate/pkg/events"
	testutil "github.com/toolgate/toolgate/test/util"
)

// setupSessionService creates a SessionService against an isolated test
// schema. The client is returned too so tests can inspect rows directly,
// and the hub so they can watch published events.
func setupSessionService(t *testing.T) (*SessionService, *database.Client, *events.Hub) {
	t.Helper()
	client := testutil.SetupTestDatabase(t)
	hub := events.NewHub()
	t.Cleanup(hub.Close)
	return NewSessionService(client, hub), client, hub
}

// setupToolService creates a ToolService against an isolated test schema.
func setupToolService(t *testing.T) (*ToolService, *database.Client) {
	t.Helper()
	client := testutil.SetupTestDatabase(t)
	return NewToolService(client), client
}
