// Package idgen generates identifiers for scrape jobs, session tokens,
// snapshots and journal entries.
//
// Every constructor that mints IDs accepts a Generator so tests can pin
// values and deployments can pick a format at startup.
package idgen

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// Token returns a Generator of short base-36 identifiers. Session tokens
// travel in an HTTP header on every exchange, so they stay compact.
func Token(length int) Generator {
	return func() string {
		s, err := token(rand.Reader, length)
		if err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		return s
	}
}

const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// token draws length characters from r. Bytes at or above the largest
// multiple of len(alphabet) are redrawn so every character is equally likely.
func token(r io.Reader, length int) (string, error) {
	const limit = 256 - 256%len(alphabet)
	out := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(out) < length {
		if _, err := io.ReadFull(r, buf[:length-len(out)]); err != nil {
			return "", err
		}
		for _, b := range buf[:length-len(out)] {
			if int(b) < limit {
				out = append(out, alphabet[int(b)%len(alphabet)])
			}
		}
	}
	return string(out), nil
}

// UUIDv7 returns a Generator of RFC 9562 version 7 UUIDs (time-sortable).
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends prefix to every ID produced by gen ("job_", "snap_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Sequence returns a deterministic Generator yielding prefix-1, prefix-2, ...
// It is not safe for concurrent use and is meant for tests.
func Sequence(prefix string) Generator {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

// Default is UUIDv7.
var Default Generator = UUIDv7()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}
