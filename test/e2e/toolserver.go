package e2e

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// Scripted tool servers for the line protocol, run through /bin/sh. Each
// reads one JSON frame per stdin line and answers on stdout — the same
// contract the gateway speaks to real servers, including the startup
// indicator on stderr.

// weatherToolServer advertises get_weather (echoes the requested city
// back in its payload) and broken_tool (always reports a tool error).
const weatherToolServer = `#!/bin/sh
echo "tool server ready" >&2
while IFS= read -r line; do
  case "$line" in
  *'"type":"hello"'*)
    printf '{"type":"hello","version":"1.0"}\n' ;;
  *'"type":"list_tools"'*)
    printf '{"type":"list_tools_response","tools":[{"name":"get_weather","description":"Current weather for a city","parameters":{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}},{"name":"broken_tool","description":"Always fails","parameters":{"type":"object","properties":{}}}]}\n' ;;
  *'"type":"tool_call"'*'"name":"broken_tool"'*)
    id=$(printf '%s' "$line" | sed 's/.*"id":"\([^"]*\)".*/\1/')
    printf '{"type":"tool_response","id":"%s","error":"synthetic tool failure"}\n' "$id" ;;
  *'"type":"tool_call"'*)
    id=$(printf '%s' "$line" | sed 's/.*"id":"\([^"]*\)".*/\1/')
    city=$(printf '%s' "$line" | sed -n 's/.*"city":"\([^"]*\)".*/\1/p')
    printf '{"type":"tool_response","id":"%s","content":{"city":"%s","temp_c":21,"sky":"clear"}}\n' "$id" "$city" ;;
  *'"type":"goodbye"'*)
    exit 0 ;;
  esac
done
`

// crashOnceToolServer dies without replying on the first tool call it
// ever sees (a marker file next to the script remembers the crash), then
// behaves like a normal echo server after the gateway restarts it.
const crashOnceToolServer = `#!/bin/sh
echo "tool server ready" >&2
marker="$0.crashed"
while IFS= read -r line; do
  case "$line" in
  *'"type":"hello"'*)
    printf '{"type":"hello","version":"1.0"}\n' ;;
  *'"type":"list_tools"'*)
    printf '{"type":"list_tools_response","tools":[{"name":"get_weather","description":"Current weather for a city","parameters":{"type":"object","properties":{"city":{"type":"string"}}}}]}\n' ;;
  *'"type":"tool_call"'*)
    if [ ! -f "$marker" ]; then
      : > "$marker"
      exit 1
    fi
    id=$(printf '%s' "$line" | sed 's/.*"id":"\([^"]*\)".*/\1/')
    printf '{"type":"tool_response","id":"%s","content":"recovered"}\n' "$id" ;;
  *'"type":"goodbye"'*)
    exit 0 ;;
  esac
done
`

// writeScript lands a tool-server script in a per-test directory and
// returns its path.
func writeScript(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "toolserver.sh")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}
