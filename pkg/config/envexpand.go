package config

import (
	"os"
	"strings"
)

// ExpandString expands ${VAR} references from the process environment.
// Only the braced form is recognised: bare $ characters pass through
// untouched, so regex patterns and passwords containing $ survive intact.
// Missing variables expand to the empty string; validation of required
// variables happens at env-resolve time.
func ExpandString(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for {
		start := strings.Index(s, "${")
		if start < 0 {
			b.WriteString(s)
			break
		}
		end := strings.Index(s[start:], "}")
		if end < 0 {
			b.WriteString(s)
			break
		}
		b.WriteString(s[:start])
		name := s[start+2 : start+end]
		if isEnvName(name) {
			b.WriteString(os.Getenv(name))
		} else {
			// Not a variable reference (e.g. "${ARRAY[0]}"); keep literal.
			b.WriteString(s[start : start+end+1])
		}
		s = s[start+end+1:]
	}
	return b.String()
}

func isEnvName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// ResolveEnv returns the spawn environment for the server: the current
// process environment overlaid with the configured env block (values
// expanded), plus the names of required variables that resolved empty.
func (sc *ServerConfig) ResolveEnv() (env []string, missing []string) {
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		if idx := strings.IndexByte(kv, '='); idx > 0 {
			merged[kv[:idx]] = kv[idx+1:]
		}
	}
	for k, v := range sc.Env {
		merged[k] = ExpandString(v)
	}
	for _, name := range sc.RequiredEnv {
		if merged[name] == "" {
			missing = append(missing, name)
		}
	}

	env = make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	return env, missing
}
