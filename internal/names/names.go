// Package names gives runs short memorable names such as "focused_turing".
package names

import (
	"errors"

	"github.com/docker/docker/pkg/namesgenerator"
)

const defaultAttempts = 100

// ErrExhausted is returned when every name drawn was already taken.
var ErrExhausted = errors.New("no unused name found")

// Taken reports whether a name is already in use.
type Taken func(name string) bool

// New returns a random adjective_surname name.
func New() string {
	return namesgenerator.GetRandomName(0)
}

// Unique draws names until taken rejects none of them. Once half the
// attempts are spent, names carry a numeric suffix to widen the pool.
// attempts <= 0 uses a default.
func Unique(taken Taken, attempts int) (string, error) {
	if attempts <= 0 {
		attempts = defaultAttempts
	}

	for i := range attempts {
		retry := 0
		if i >= attempts/2 {
			retry = 1
		}
		name := namesgenerator.GetRandomName(retry)
		if !taken(name) {
			return name, nil
		}
	}
	return "", ErrExhausted
}
