package catalog

import (
	"context"
	"errors"
	"fmt"
	"mime"
	neturl "net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"Freshka/internal/storage"
)

const (
	DefaultCatalogKey       = "products.json"
	DefaultPlaceholderImage = "/images/placeholder.png"

	imagePrefix        = "images/"
	defaultImageExt    = "jpg"
	maxConflictRetries = 4
)

type Options struct {
	CatalogKey       string
	PlaceholderImage string
	// PublicBaseURL prefixes generated image URLs; empty keeps them relative.
	PublicBaseURL string

	Log      *zap.Logger
	Registry prometheus.Registerer
	Now      func() time.Time
}

// Service runs every catalog operation as a full load, mutate, save cycle
// against the store. Saves are conditional on the loaded version and the
// cycle is retried when another writer got there first.
type Service struct {
	store       storage.Store
	repo        *Repository
	placeholder string
	baseURL     string
	log         *zap.Logger
	metrics     *serviceMetrics
	now         func() time.Time
}

func NewService(store storage.Store, opts Options) *Service {
	if opts.CatalogKey == "" {
		opts.CatalogKey = DefaultCatalogKey
	}
	if opts.PlaceholderImage == "" {
		opts.PlaceholderImage = DefaultPlaceholderImage
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Service{
		store:       store,
		repo:        NewRepository(store, opts.CatalogKey, opts.Log),
		placeholder: opts.PlaceholderImage,
		baseURL:     strings.TrimRight(opts.PublicBaseURL, "/"),
		log:         opts.Log,
		metrics:     newServiceMetrics(opts.Registry),
		now:         opts.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) List(ctx context.Context) (Catalog, error) {
	c, _, err := s.repo.Load(ctx)
	if err != nil {
		return nil, err
	}
	for i := range c {
		for j := range c[i].Items {
			s.withPlaceholder(&c[i].Items[j])
		}
	}
	return c, nil
}

func (s *Service) Get(ctx context.Context, id string) (Product, error) {
	c, _, err := s.repo.Load(ctx)
	if err != nil {
		return Product{}, err
	}
	p, ok := c.Find(id)
	if !ok {
		return Product{}, productNotFound(id)
	}
	s.withPlaceholder(&p)
	return p, nil
}

// withPlaceholder fills in the image of a product stored without one.
func (s *Service) withPlaceholder(p *Product) {
	if p.Img == "" {
		p.Img = s.placeholder
	}
}

// Create adds a product to its category, creating the category when it is
// new. A missing id is generated from the category; a supplied id that is
// already in use is a conflict.
func (s *Service) Create(ctx context.Context, in ProductInput) (Product, error) {
	category := in.CategoryName()
	if category == "" {
		return Product{}, newError(ErrBadRequest, "category is required", nil)
	}

	var created Product
	err := s.mutate(ctx, "create", func(c *Catalog) error {
		now := s.now()
		id := in.RequestedID()
		switch {
		case id == "":
			id = c.generateID(category, now)
		case c.Has(id):
			return newError(ErrConflict, "Product id already exists", map[string]any{"id": id})
		}

		created = newProduct(id, category, in, s.placeholder, now)
		c.insert(category, created)
		return nil
	})
	if err != nil {
		return Product{}, err
	}
	return created, nil
}

// Update merges the supplied fields over the stored product. The id is kept
// whatever the payload says; a new category moves the product there.
func (s *Service) Update(ctx context.Context, id string, in ProductInput) (Product, error) {
	var updated Product
	err := s.mutate(ctx, "update", func(c *Catalog) error {
		p, err := c.update(id, in, s.now(), s.placeholder)
		if err != nil {
			return err
		}
		updated = p
		return nil
	})
	if err != nil {
		return Product{}, err
	}
	return updated, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	return s.mutate(ctx, "delete", func(c *Catalog) error {
		ci, pi, ok := c.locate(id)
		if !ok {
			return productNotFound(id)
		}
		c.removeAt(ci, pi)
		return nil
	})
}

// Upsert updates the product with the given sku, or creates it when absent.
// Creating requires name, price, unit and category.
func (s *Service) Upsert(ctx context.Context, sku string, in ProductInput) (created bool, err error) {
	err = s.mutate(ctx, "upsert", func(c *Catalog) error {
		now := s.now()
		if c.Has(sku) {
			created = false
			_, err := c.update(sku, in, now, s.placeholder)
			return err
		}

		if missing := in.MissingRequired(); len(missing) > 0 {
			return newError(ErrBadRequest, "missing required fields", map[string]any{"fields": missing})
		}
		category := in.CategoryName()
		c.insert(category, newProduct(sku, category, in, s.placeholder, now))
		created = true
		return nil
	})
	return created, err
}

// AttachImage stores an uploaded image under images/<sku>-<millis>.<ext> and
// points the product's img at it. The key is stored raw; only the URL is
// escaped. The image is stored before the product is looked up and stays
// behind when the product does not exist.
func (s *Service) AttachImage(ctx context.Context, sku, filename, contentType string, body []byte) (string, error) {
	now := s.now()
	ms := strconv.FormatInt(now.UnixMilli(), 10)
	name := sku + "-" + ms + "." + imageExt(filename)
	key := imagePrefix + name

	if _, err := s.store.Put(ctx, key, body, storage.PutOptions{ContentType: imageContentType(contentType, key)}); err != nil {
		return "", fmt.Errorf("store image %q: %w", key, err)
	}

	url := s.baseURL + "/" + imagePrefix + neturl.PathEscape(name) + "?v=" + ms
	err := s.mutate(ctx, "attach_image", func(c *Catalog) error {
		ci, pi, ok := c.locate(sku)
		if !ok {
			s.log.Warn("image stored for unknown product", zap.String("sku", sku), zap.String("key", key))
			return productNotFound(sku)
		}
		p := &(*c)[ci].Items[pi]
		p.Img = url
		p.touch(now)
		return nil
	})
	if err != nil {
		return "", err
	}
	return url, nil
}

type Upload struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
}

// StoreUpload keeps a file under images/<millis>-<name> without touching the
// catalog. Whitespace in the name becomes '-'.
func (s *Service) StoreUpload(ctx context.Context, filename, contentType string, body []byte) (Upload, error) {
	name := sanitizeFilename(filename)
	if name == "" {
		return Upload{}, newError(ErrBadRequest, "No file uploaded", nil)
	}

	stored := strconv.FormatInt(s.now().UnixMilli(), 10) + "-" + name
	key := imagePrefix + stored
	if _, err := s.store.Put(ctx, key, body, storage.PutOptions{ContentType: imageContentType(contentType, key)}); err != nil {
		return Upload{}, fmt.Errorf("store upload %q: %w", key, err)
	}
	return Upload{Filename: stored, Path: "/" + imagePrefix + neturl.PathEscape(stored)}, nil
}

// Image reads images/<name> from the store.
func (s *Service) Image(ctx context.Context, name string) (storage.Object, error) {
	notFound := newError(ErrNotFound, "Image not found", map[string]any{"key": name})
	if name == "" || path.Clean("/"+name) != "/"+name {
		return storage.Object{}, notFound
	}

	o, err := s.store.Get(ctx, imagePrefix+name)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidKey) {
		return storage.Object{}, notFound
	}
	if err != nil {
		return storage.Object{}, err
	}
	return o, nil
}

// Seed writes data as the initial document when the store holds none.
// It reports whether the seed was applied.
func (s *Service) Seed(ctx context.Context, data []byte) (bool, error) {
	c, err := DecodeCatalog(data)
	if err != nil {
		return false, fmt.Errorf("decode seed: %w", err)
	}

	err = s.repo.Save(ctx, c, "")
	if errors.Is(err, storage.ErrPreconditionFailed) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	s.log.Info("catalog seeded", zap.Int("categories", len(c)), zap.Int("products", c.productCount()))
	return true, nil
}

func (s *Service) mutate(ctx context.Context, op string, fn func(c *Catalog) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second

	err := backoff.Retry(func() error {
		c, version, err := s.repo.Load(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := fn(&c); err != nil {
			return backoff.Permanent(err)
		}

		err = s.repo.Save(ctx, c, version)
		if errors.Is(err, storage.ErrPreconditionFailed) {
			s.metrics.conflicts.Inc()
			s.log.Debug("catalog save lost a race, retrying", zap.String("op", op))
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(b, maxConflictRetries), ctx))

	switch {
	case err == nil:
		s.metrics.observe(op, resultOK)
		return nil
	case errors.Is(err, storage.ErrPreconditionFailed):
		s.metrics.observe(op, resultConflict)
		return newError(ErrConflict, "concurrent modification", nil)
	default:
		s.metrics.observe(op, resultError)
		return err
	}
}

// update merges in over the stored product and re-encodes it; a product
// stored without an image gets the placeholder.
func (c *Catalog) update(id string, in ProductInput, now time.Time, placeholder string) (Product, error) {
	ci, pi, ok := c.locate(id)
	if !ok {
		return Product{}, productNotFound(id)
	}

	p := (*c)[ci].Items[pi]
	applyInput(&p, in)
	p.ID = id
	if p.Img == "" {
		p.Img = placeholder
	}
	p.touch(now)

	target := in.CategoryName()
	if target == "" || target == (*c)[ci].Category {
		p.Category = (*c)[ci].Category
		(*c)[ci].Items[pi] = p
		return p, nil
	}

	c.removeAt(ci, pi)
	c.insert(target, p)
	p.Category = target
	return p, nil
}

func imageExt(filename string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if ext == "" {
		return defaultImageExt
	}
	for _, r := range ext {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return defaultImageExt
		}
	}
	return ext
}

func imageContentType(declared, key string) string {
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return declared
}

func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return '-'
		}
		return r
	}, name)
}
