// Package lockgate guarantees at-most-once execution per idempotency key by
// reserving keys in a shared registry.
//
// Acquire returning true means the caller owns the key and must call Release
// if its attempt fails. Acquire returning false means an equivalent operation
// already completed or is still running, and the caller should treat the
// request as a duplicate. A successful attempt keeps the key until it expires,
// which is what makes redelivery a no-op.
package lockgate

import (
	"context"
	"errors"
	"strings"
)

// ErrEmptyKey is returned for blank keys, which would collapse every caller
// onto the same reservation.
var ErrEmptyKey = errors.New("lock key must not be empty")

type Registry interface {
	Acquire(ctx context.Context, key, namespace string) (bool, error)
	Release(ctx context.Context, key, namespace string) (bool, error)
}

func storageKey(prefix, key, namespace string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", ErrEmptyKey
	}
	if namespace == "" {
		namespace = "default"
	}
	return prefix + namespace + ":" + key, nil
}
