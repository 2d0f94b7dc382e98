package state

import "context"

type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// List returns every key with the given prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Entry, error)
	Close() error
}

type Entry struct {
	Key   string
	Value string
}
