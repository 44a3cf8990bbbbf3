package rng

import "sync"

// Source is one provider of hardware randomness.
type Source interface {
	// Name identifies the source.
	Name() string
	// GetRandomBytes fills up to len(buf) bytes and returns how many were
	// produced. Partial reads are legal.
	GetRandomBytes(buf []byte) int
}

// The randomness multiplexer devices register with at init. The embedding
// environment drains it into its own entropy accounting.
var (
	sourcesMu sync.Mutex
	sources   []Source
)

// RegisterSource adds a randomness source to the multiplexer.
func RegisterSource(s Source) {
	sourcesMu.Lock()
	defer sourcesMu.Unlock()
	sources = append(sources, s)
}

// unregisterSource removes a source again, for device teardown.
func unregisterSource(s Source) {
	sourcesMu.Lock()
	defer sourcesMu.Unlock()
	for i, other := range sources {
		if other == s {
			sources = append(sources[:i], sources[i+1:]...)
			return
		}
	}
}

// Sources returns the currently registered randomness sources.
func Sources() []Source {
	sourcesMu.Lock()
	defer sourcesMu.Unlock()
	return append([]Source(nil), sources...)
}
