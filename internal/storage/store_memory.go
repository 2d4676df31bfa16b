package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemStore struct {
	mu  sync.RWMutex
	m   map[string]Object
	now func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		m:   map[string]Object{},
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemStore) Ping(ctx context.Context) error { return ctx.Err() }

func (s *MemStore) Close() error { return nil }

func (s *MemStore) Get(ctx context.Context, key string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	if strings.TrimSpace(key) == "" {
		return Object{}, ErrInvalidKey
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.m[key]
	if !ok {
		return Object{}, ErrNotFound
	}
	o.Body = append([]byte(nil), o.Body...)
	return o, nil
}

func (s *MemStore) Put(ctx context.Context, key string, body []byte, opts PutOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(key) == "" {
		return "", ErrInvalidKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.m[key]
	switch {
	case opts.IfMatch != "":
		if !exists || cur.ETag != opts.IfMatch {
			return "", ErrPreconditionFailed
		}
	case opts.IfAbsent:
		if exists {
			return "", ErrPreconditionFailed
		}
	}

	etag := uuid.NewString()
	s.m[key] = Object{
		Key:         key,
		ContentType: contentTypeOr(opts.ContentType),
		ETag:        etag,
		Body:        append([]byte(nil), body...),
		UpdatedAt:   s.now(),
	}
	return etag, nil
}
