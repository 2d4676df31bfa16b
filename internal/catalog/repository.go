package catalog

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"Freshka/internal/storage"
)

const documentContentType = "application/json"

// Repository loads and saves the whole catalog as one document under key.
type Repository struct {
	store storage.Store
	key   string
	log   *zap.Logger
}

func NewRepository(store storage.Store, key string, log *zap.Logger) *Repository {
	if log == nil {
		log = zap.NewNop()
	}
	return &Repository{store: store, key: key, log: log}
}

// Load returns the stored catalog and its version. A missing document is an
// empty catalog with no version; one that is not JSON is an empty catalog
// that keeps the stored version so the next save replaces it. Valid JSON of
// the wrong shape is an error, so nothing overwrites it.
func (r *Repository) Load(ctx context.Context) (Catalog, string, error) {
	o, err := r.store.Get(ctx, r.key)
	if errors.Is(err, storage.ErrNotFound) {
		return Catalog{}, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("load catalog %q: %w", r.key, err)
	}

	c, err := DecodeCatalog(o.Body)
	if errors.Is(err, ErrMalformedDocument) {
		r.log.Warn("catalog document unreadable, using empty catalog",
			zap.String("key", r.key), zap.Error(err))
		return Catalog{}, o.ETag, nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("load catalog %q: %w", r.key, err)
	}
	return c, o.ETag, nil
}

// Save overwrites the document. Products loaded and left untouched are
// written back as they were read. A non-empty version makes the write
// conditional on it; an empty one requires the document to be absent.
// A lost race surfaces as storage.ErrPreconditionFailed.
func (r *Repository) Save(ctx context.Context, c Catalog, version string) error {
	body, err := encodeDocument(c)
	if err != nil {
		return fmt.Errorf("encode catalog: %w", err)
	}

	opts := storage.PutOptions{ContentType: documentContentType}
	if version != "" {
		opts.IfMatch = version
	} else {
		opts.IfAbsent = true
	}

	if _, err := r.store.Put(ctx, r.key, body, opts); err != nil {
		return fmt.Errorf("save catalog %q: %w", r.key, err)
	}
	return nil
}
