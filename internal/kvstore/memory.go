package kvstore

import (
	"context"
	"strings"

	gocache "github.com/patrickmn/go-cache"
)

// Memory is an in-process Store backed by go-cache with no expiry
type Memory struct {
	c      *gocache.Cache
	prefix string
}

// NewMemory creates an empty in-process store
func NewMemory(prefix string) *Memory {
	return &Memory{c: gocache.New(gocache.NoExpiration, 0), prefix: prefix}
}

func (m *Memory) key(k string) string { return m.prefix + k }

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	v, ok := m.c.Get(m.key(key))
	if !ok {
		return "", ErrNotFound
	}
	s, _ := v.(string)
	return s, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.c.Set(m.key(key), value, gocache.NoExpiration)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.c.Delete(m.key(key))
	return nil
}

func (m *Memory) Keys(_ context.Context) ([]string, error) {
	items := m.c.Items()
	out := make([]string, 0, len(items))
	for k := range items {
		if strings.HasPrefix(k, m.prefix) {
			out = append(out, strings.TrimPrefix(k, m.prefix))
		}
	}
	return out, nil
}

func (m *Memory) Close() error {
	m.c.Flush()
	return nil
}
