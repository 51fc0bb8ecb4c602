package cache

import (
	"strings"
	"time"
)

const defaultNamespace = "default"

// Entry is the self-describing record stored on disk. In memory Value is
// always the decoded payload; Compressed reports how the disk copy is stored.
type Entry struct {
	Key        string    `json:"key"`
	Value      []byte    `json:"value"`
	CreatedAt  time.Time `json:"created_at"`
	TTLSeconds int       `json:"ttl_seconds"`
	Compressed bool      `json:"compressed"`
}

// ValidAt reports whether the entry is still fresh at now.
func (e Entry) ValidAt(now time.Time) bool {
	return now.Sub(e.CreatedAt) < time.Duration(e.TTLSeconds)*time.Second
}

func (e Entry) clone() Entry {
	e.Value = append([]byte(nil), e.Value...)
	return e
}

// Namespace returns the namespace part of a key.
func Namespace(key string) string {
	ns, _, found := strings.Cut(key, ":")
	if !found || ns == "" {
		return defaultNamespace
	}
	return ns
}

// sanitizeNamespace maps a namespace onto a safe directory name.
func sanitizeNamespace(ns string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(ns) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
