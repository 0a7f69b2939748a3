package metacache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Memory is an in-process Cache for single front-end deployments and tests.
type Memory struct {
	c *gocache.Cache
}

var _ Cache = (*Memory)(nil)

// NewMemory returns a new in-process cache.
func NewMemory() *Memory {
	return &Memory{c: gocache.New(gocache.NoExpiration, 5*time.Minute)}
}

func (m *Memory) Get(_ context.Context, key string) (Entry, bool, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return Entry{}, false, nil
	}

	bs, ok := v.([]byte)
	if !ok {
		return Entry{}, false, nil
	}

	return decode(bs), true, nil
}

func (m *Memory) Set(_ context.Context, key string, entry Entry, ttl time.Duration) error {
	m.c.Set(key, entry.encode(), ttl)

	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.c.Delete(key)

	return nil
}
