package models

import (
	"io"
	"time"

	"goflare.io/swr/pkg/serialization"
)

// Entry represents a cache entry.
type Entry struct {
	Key       string
	Value     any
	Timestamp time.Time
	TTL       time.Duration
}

// NewEntry creates a new Entry stamped with the current time.
func NewEntry(key string, value any, ttl time.Duration) *Entry {
	return &Entry{
		Key:       key,
		Value:     value,
		Timestamp: time.Now(),
		TTL:       ttl,
	}
}

// IsExpired checks if the entry has expired. An entry with a non-positive
// TTL is never fresh.
func (e *Entry) IsExpired() bool {
	return time.Since(e.Timestamp) >= e.TTL
}

// Remaining returns the time left before the entry goes stale.
func (e *Entry) Remaining() time.Duration {
	return e.TTL - time.Since(e.Timestamp)
}

// Encoded is a value that arrived from the remote tier and has not been
// decoded into a concrete type yet.
type Encoded struct {
	Data    []byte
	Decoder func(io.Reader) serialization.Decoder
}

// DecodeInto decodes the payload into v, which must be a pointer.
func (e *Encoded) DecodeInto(v any) error {
	return serialization.Unmarshal(e.Decoder, e.Data, v)
}
