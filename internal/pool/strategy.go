package pool

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	globalKey     = "global"
	defaultKey    = "default"
	maxPoolKeyLen = 128
)

// Strategy maps an upgrade request to the key of the pool that will own it.
type Strategy struct {
	name string
	key  func(r *http.Request) string
}

func (s Strategy) String() string { return s.name }

// Key returns the pool key for r.
func (s Strategy) Key(r *http.Request) string {
	return sanitizeKey(s.key(r))
}

// ParseStrategy understands "none" (a pool per connection), "global" (one pool per
// instance), "header:<Name>" and "query:<param>" (a pool per distinct value,
// "default" when the value is missing). The empty string means "global".
func ParseStrategy(value string) (Strategy, error) {
	value = strings.TrimSpace(value)
	switch {
	case value == "" || value == "global":
		return Global(), nil
	case value == "none":
		return PerConnection(), nil
	case strings.HasPrefix(value, "header:"):
		name := strings.TrimSpace(strings.TrimPrefix(value, "header:"))
		if name == "" {
			return Strategy{}, fmt.Errorf("pooling strategy %q: header name is empty", value)
		}
		return ByHeader(name), nil
	case strings.HasPrefix(value, "query:"):
		param := strings.TrimSpace(strings.TrimPrefix(value, "query:"))
		if param == "" {
			return Strategy{}, fmt.Errorf("pooling strategy %q: query parameter is empty", value)
		}
		return ByQuery(param), nil
	default:
		return Strategy{}, fmt.Errorf("unknown pooling strategy %q (want none, global, header:<Name> or query:<param>)", value)
	}
}

func Global() Strategy {
	return Strategy{name: "global", key: func(*http.Request) string { return globalKey }}
}

func PerConnection() Strategy {
	return Strategy{name: "none", key: func(*http.Request) string { return uuid.NewString() }}
}

func ByHeader(name string) Strategy {
	canonical := http.CanonicalHeaderKey(name)
	return Strategy{name: "header:" + canonical, key: func(r *http.Request) string {
		return r.Header.Get(canonical)
	}}
}

func ByQuery(param string) Strategy {
	return Strategy{name: "query:" + param, key: func(r *http.Request) string {
		return r.URL.Query().Get(param)
	}}
}

func sanitizeKey(key string) string {
	key = strings.Map(func(r rune) rune {
		if r < 0x21 || r == 0x7f {
			return -1
		}
		return r
	}, key)
	if len(key) > maxPoolKeyLen {
		key = key[:maxPoolKeyLen]
	}
	if key == "" {
		return defaultKey
	}
	return key
}
