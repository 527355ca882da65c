package nixl

import "fmt"

// Params is the string map of backend initialization parameters. Engines
// consume the keys they know and ignore the rest.
type Params map[string]string

// Get returns the value for key and whether it was present.
func (p Params) Get(key string) (string, bool) {
	if p == nil {
		return "", false
	}

	v, ok := p[key]

	return v, ok
}

// GetDefault returns the value for key, or def when absent.
func (p Params) GetDefault(key, def string) string {
	if v, ok := p.Get(key); ok {
		return v
	}

	return def
}

// GetBool parses a boolean parameter. Only the literals "true" and "false"
// are accepted; anything else is a configuration error.
func (p Params) GetBool(key string) (bool, error) {
	v, ok := p.Get(key)
	if !ok {
		return false, nil
	}

	switch v {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("invalid value for %s: %q (must be 'true' or 'false')", key, v)
	}
}
