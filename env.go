package conflux

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
)

// envMap collects environment variables carrying prefix into a nested map.
// The prefix is stripped, the rest split on separator and lowercased, and
// each segment becomes a nesting level. Empty values are skipped.
func envMap(prefix, separator string) map[string]any {
	out := make(map[string]any)
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := strings.TrimPrefix(name, prefix)
		if rest == "" || value == "" {
			continue
		}

		parts := strings.Split(rest, separator)
		for i, p := range parts {
			parts[i] = strings.ToLower(p)
		}
		insertNested(out, parts, parseEnvValue(value))
	}

	return out
}

// parseEnvValue detects the type of an environment value. JSON arrays and
// objects come first, then booleans including yes/no/on/off and 1/0, then
// integers and floats. Anything else stays a trimmed string.
func parseEnvValue(raw string) any {
	trimmed := strings.TrimSpace(raw)

	if isJSONShaped(trimmed) {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}

	switch strings.ToLower(trimmed) {
	case "true", "yes", "1", "on":
		return true
	case "false", "no", "0", "off":
		return false
	}

	if i, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f
	}

	return trimmed
}

func isJSONShaped(s string) bool {
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		return true
	}

	return strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")
}

// insertNested places value at the path described by parts, creating
// intermediate tables. A scalar in the way is replaced by a table so that
// APP_DB=x and APP_DB_HOST=y can coexist regardless of iteration order.
func insertNested(m map[string]any, parts []string, value any) {
	for i, part := range parts {
		if i == len(parts)-1 {
			m[part] = value

			return
		}
		next, ok := m[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[part] = next
		}
		m = next
	}
}
