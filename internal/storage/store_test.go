package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()

	dir, err := NewDirStore(t.TempDir())
	require.NoError(t, err)

	out := map[string]Store{
		"memory": NewMemStore(),
		"dir":    dir,
	}

	lite, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil && strings.Contains(err.Error(), "CGO_ENABLED=0") {
		t.Logf("sqlite backend skipped: %v", err)
	} else {
		require.NoError(t, err)
		t.Cleanup(func() { _ = lite.Close() })
		out["sqlite"] = lite
	}
	return out
}

func TestStore_Contract(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, "products.json")
			require.ErrorIs(t, err, ErrNotFound)

			etag, err := s.Put(ctx, "products.json", []byte(`[]`), PutOptions{ContentType: "application/json", IfAbsent: true})
			require.NoError(t, err)
			require.NotEmpty(t, etag)

			o, err := s.Get(ctx, "products.json")
			require.NoError(t, err)
			assert.Equal(t, "products.json", o.Key)
			assert.Equal(t, []byte(`[]`), o.Body)
			assert.Equal(t, "application/json", o.ContentType)
			assert.Equal(t, etag, o.ETag)

			_, err = s.Put(ctx, "products.json", []byte(`[1]`), PutOptions{IfAbsent: true})
			assert.ErrorIs(t, err, ErrPreconditionFailed)

			next, err := s.Put(ctx, "products.json", []byte(`[{"category":"Fruit","items":[]}]`), PutOptions{ContentType: "application/json", IfMatch: etag})
			require.NoError(t, err)
			assert.NotEqual(t, etag, next)

			_, err = s.Put(ctx, "products.json", []byte(`[2]`), PutOptions{IfMatch: etag})
			assert.ErrorIs(t, err, ErrPreconditionFailed)

			_, err = s.Put(ctx, "missing.json", []byte(`[]`), PutOptions{IfMatch: next})
			assert.ErrorIs(t, err, ErrPreconditionFailed)

			_, err = s.Put(ctx, "products.json", []byte(`[3]`), PutOptions{ContentType: "application/json"})
			require.NoError(t, err)
			o, err = s.Get(ctx, "products.json")
			require.NoError(t, err)
			assert.Equal(t, []byte(`[3]`), o.Body)

			_, err = s.Get(ctx, "")
			assert.ErrorIs(t, err, ErrInvalidKey)
			_, err = s.Put(ctx, " ", nil, PutOptions{})
			assert.ErrorIs(t, err, ErrInvalidKey)

			assert.NoError(t, s.Ping(ctx))
		})
	}
}

func TestStore_ImageContentType(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Put(ctx, "images/FR1-1700000000000.png", []byte{0x89, 'P', 'N', 'G'}, PutOptions{ContentType: "image/png"})
			require.NoError(t, err)

			o, err := s.Get(ctx, "images/FR1-1700000000000.png")
			require.NoError(t, err)
			assert.Equal(t, "image/png", o.ContentType)
			assert.Len(t, o.Body, 4)
		})
	}
}

func TestDirStore_Layout(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	s, err := NewDirStore(root)
	require.NoError(t, err)

	_, err = s.Put(ctx, "images/a b.jpg", []byte("jpeg"), PutOptions{})
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(root, "images", "a b.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(raw))

	o, err := s.Get(ctx, "images/a b.jpg")
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", o.ContentType)

	for _, key := range []string{"../escape.json", "/etc/passwd", "images/../../x", ".."} {
		_, err := s.Put(ctx, key, []byte("x"), PutOptions{})
		assert.ErrorIs(t, err, ErrInvalidKey, key)
	}
}

func TestSQLStore_Rebind(t *testing.T) {
	lite := &SQLStore{dialect: DialectSQLite}
	pg := &SQLStore{dialect: DialectPostgres}

	q := `UPDATE objects SET body = $1 WHERE object_key = $2 AND etag = $10`
	assert.Equal(t, `UPDATE objects SET body = ? WHERE object_key = ? AND etag = ?`, lite.rebind(q))
	assert.Equal(t, q, pg.rebind(q))
	assert.Equal(t, `SELECT '$' FROM objects`, lite.rebind(`SELECT '$' FROM objects`))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "redis"})
	require.Error(t, err)

	s, err := Open(context.Background(), Options{Driver: DriverMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemStore{}, s)
}
