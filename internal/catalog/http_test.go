package catalog_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"Freshka/internal/auth"
	"Freshka/internal/catalog"
	"Freshka/internal/storage"
)

const (
	adminUser     = "admin"
	adminPass     = "s3cret"
	tokenSecret   = "0123456789abcdef0123456789abcdef"
	metricsToken  = "scrape-me"
	seedDocument  = `[{"category":"Fruit","items":[{"id":"FR123","name":"Apples","price":2.5,"unit":"kg","img":"/images/placeholder.png","stock":10,"available":true}]}]`
	imageFixture  = "\x89PNG\r\n\x1a\nfake"
	jsonType      = "application/json"
	multipartFile = "apple.png"
)

type testEnv struct {
	ts  *httptest.Server
	svc *catalog.Service
}

type option func(*catalog.Server)

func guardProducts(s *catalog.Server) { s.GuardProducts = true }

func newEnv(t *testing.T, opts ...option) testEnv {
	t.Helper()

	reg := prometheus.NewRegistry()
	svc := catalog.NewService(storage.NewMemStore(), catalog.Options{
		Log:      zap.NewNop(),
		Registry: reg,
	})
	if _, err := svc.Seed(context.Background(), []byte(seedDocument)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	s := &catalog.Server{
		Svc:      svc,
		Log:      zap.NewNop(),
		Guard:    auth.NewGuard(auth.Credentials{User: adminUser, Password: adminPass}, auth.NewTokenMaker(tokenSecret)),
		TokenTTL: 15 * time.Minute,
	}
	for _, o := range opts {
		o(s)
	}

	h := catalog.NewHandler(s, catalog.HTTPDeps{
		Log:            zap.NewNop(),
		Service:        "catalog",
		Registry:       reg,
		MetricsEnabled: true,
		MetricsToken:   metricsToken,
		APIPrefix:      "/api",
	})

	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return testEnv{ts: ts, svc: svc}
}

func do(t *testing.T, method, url string, body io.Reader, hdr map[string]string) (*http.Response, []byte) {
	t.Helper()

	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

func doJSON(t *testing.T, method, url string, body any, hdr map[string]string) (*http.Response, []byte) {
	t.Helper()

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		r = bytes.NewReader(b)
	}
	if hdr == nil {
		hdr = map[string]string{}
	}
	hdr["Content-Type"] = jsonType
	return do(t, method, url, r, hdr)
}

func basicAuth(t *testing.T) map[string]string {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth(adminUser, adminPass)
	return map[string]string{"Authorization": req.Header.Get("Authorization")}
}

func ptr[T any](v T) *T { return &v }

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		t.Fatalf("decode %s: %v", string(b), err)
	}
	return v
}

func TestProducts_CreateGeneratesCategoryPrefixedID(t *testing.T) {
	env := newEnv(t)

	resp, body := doJSON(t, http.MethodPost, env.ts.URL+"/products", map[string]any{
		"name": "Pears", "price": 3.2, "unit": "kg", "category": "Fruit",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status=%d body=%s", resp.StatusCode, string(body))
	}

	p := decode[catalog.Product](t, body)
	if !regexp.MustCompile(`^FR\d+$`).MatchString(p.ID) {
		t.Fatalf("unexpected id %q", p.ID)
	}
	if p.Img != catalog.DefaultPlaceholderImage || !p.Available {
		t.Fatalf("defaults not applied: %+v", p)
	}

	resp, body = do(t, http.MethodGet, env.ts.URL+"/products/"+p.ID, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status=%d body=%s", resp.StatusCode, string(body))
	}
}

func TestProducts_ListReturnsCategories(t *testing.T) {
	env := newEnv(t)

	resp, body := do(t, http.MethodGet, env.ts.URL+"/products", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", resp.StatusCode, string(body))
	}
	if ct := resp.Header.Get("Content-Type"); ct != jsonType {
		t.Fatalf("content-type=%q", ct)
	}

	c := decode[[]catalog.Category](t, body)
	if len(c) != 1 || c[0].Category != "Fruit" || len(c[0].Items) != 1 {
		t.Fatalf("unexpected catalog: %s", string(body))
	}
}

func TestProducts_DeleteThenNotFound(t *testing.T) {
	env := newEnv(t)

	resp, body := do(t, http.MethodDelete, env.ts.URL+"/products/FR123", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status=%d body=%s", resp.StatusCode, string(body))
	}
	del := decode[map[string]string](t, body)
	if del["message"] != "Product deleted successfully" || del["id"] != "FR123" {
		t.Fatalf("unexpected delete body: %s", string(body))
	}

	resp, body = do(t, http.MethodGet, env.ts.URL+"/products/FR123", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get status=%d body=%s", resp.StatusCode, string(body))
	}
	if e := decode[map[string]any](t, body); e["error"] != "Product not found" {
		t.Fatalf("unexpected error body: %s", string(body))
	}

	resp, _ = do(t, http.MethodDelete, env.ts.URL+"/products/FR123", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status=%d", resp.StatusCode)
	}
}

func TestProducts_UpdateMerges(t *testing.T) {
	env := newEnv(t)

	resp, body := doJSON(t, http.MethodPut, env.ts.URL+"/products/FR123", map[string]any{"id": "OTHER", "stock": 3}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", resp.StatusCode, string(body))
	}

	p := decode[catalog.Product](t, body)
	if p.ID != "FR123" || p.Name != "Apples" || p.Stock != 3 || p.Price != 2.5 {
		t.Fatalf("unexpected merge: %+v", p)
	}
	if p.UpdatedAt.IsZero() {
		t.Fatalf("updatedAt not stamped")
	}
}

func TestProducts_DuplicateIDConflicts(t *testing.T) {
	env := newEnv(t)

	resp, body := doJSON(t, http.MethodPost, env.ts.URL+"/products", map[string]any{
		"id": "FR123", "name": "Again", "price": 1, "unit": "kg", "category": "Fruit",
	}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status=%d body=%s", resp.StatusCode, string(body))
	}
}

func TestProducts_InvalidJSON(t *testing.T) {
	env := newEnv(t)

	resp, body := do(t, http.MethodPost, env.ts.URL+"/products", strings.NewReader("{nope"), map[string]string{"Content-Type": jsonType})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", resp.StatusCode, string(body))
	}
	if e := decode[map[string]any](t, body); e["error"] != "Invalid JSON body" {
		t.Fatalf("unexpected error body: %s", string(body))
	}
}

func TestProducts_GuardedWhenConfigured(t *testing.T) {
	env := newEnv(t, guardProducts)

	in := map[string]any{"name": "Figs", "price": 4, "unit": "box", "category": "Fruit"}

	resp, _ := doJSON(t, http.MethodPost, env.ts.URL+"/products", in, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status=%d", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodPost, env.ts.URL+"/products", in, basicAuth(t))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("authenticated status=%d body=%s", resp.StatusCode, string(body))
	}

	resp, _ = do(t, http.MethodGet, env.ts.URL+"/products", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reads stay public, status=%d", resp.StatusCode)
	}
}

func TestAdmin_UnauthenticatedIsChallengedAndChangesNothing(t *testing.T) {
	env := newEnv(t)

	resp, body := doJSON(t, http.MethodPost, env.ts.URL+"/admin/items/FR123", map[string]any{"price": 99}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status=%d body=%s", resp.StatusCode, string(body))
	}
	if got := resp.Header.Get("WWW-Authenticate"); !strings.HasPrefix(got, `Basic realm="admin"`) {
		t.Fatalf("challenge=%q", got)
	}

	bad := map[string]string{"Authorization": "Basic " + "YWRtaW46d3Jvbmc="} // admin:wrong
	resp, _ = doJSON(t, http.MethodPost, env.ts.URL+"/admin/items/FR123", map[string]any{"price": 99}, bad)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong password status=%d", resp.StatusCode)
	}

	p, err := env.svc.Get(context.Background(), "FR123")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Price != 2.5 {
		t.Fatalf("catalog changed: %+v", p)
	}
}

func TestAdmin_UpsertMissingFields(t *testing.T) {
	env := newEnv(t)

	resp, body := doJSON(t, http.MethodPost, env.ts.URL+"/admin/items/NEW1", map[string]any{"name": "Half"}, basicAuth(t))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", resp.StatusCode, string(body))
	}
	if !strings.Contains(string(body), `"price"`) || !strings.Contains(string(body), `"category"`) {
		t.Fatalf("missing fields not listed: %s", string(body))
	}
}

func TestAdmin_UpsertCreatesAndUpdates(t *testing.T) {
	env := newEnv(t)

	resp, body := doJSON(t, http.MethodPost, env.ts.URL+"/admin/items/NEW1", map[string]any{
		"name": "Leeks", "price": 1.8, "unit": "bunch", "category": "Vegetables",
	}, basicAuth(t))
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"ok":true`) {
		t.Fatalf("create status=%d body=%s", resp.StatusCode, string(body))
	}

	resp, body = doJSON(t, http.MethodPost, env.ts.URL+"/admin/items/FR123", map[string]any{"price": 2.75}, basicAuth(t))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status=%d body=%s", resp.StatusCode, string(body))
	}

	p, err := env.svc.Get(context.Background(), "FR123")
	if err != nil || p.Price != 2.75 {
		t.Fatalf("update not applied: %+v err=%v", p, err)
	}
	if _, err := env.svc.Get(context.Background(), "NEW1"); err != nil {
		t.Fatalf("upserted product missing: %v", err)
	}
}

func multipartBody(t *testing.T, field, filename, contentType string, data []byte) (io.Reader, string) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+filename+`"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func TestAdmin_ImageUploadIsServed(t *testing.T) {
	env := newEnv(t)

	body, ct := multipartBody(t, "image", multipartFile, "image/png", []byte(imageFixture))
	hdr := basicAuth(t)
	hdr["Content-Type"] = ct

	resp, b := do(t, http.MethodPost, env.ts.URL+"/admin/items/FR123/image", body, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", resp.StatusCode, string(b))
	}
	out := decode[map[string]any](t, b)
	path, _ := out["path"].(string)
	if !regexp.MustCompile(`^/images/FR123-\d+\.png\?v=\d+$`).MatchString(path) {
		t.Fatalf("unexpected path %q", path)
	}

	p, err := env.svc.Get(context.Background(), "FR123")
	if err != nil || p.Img != path {
		t.Fatalf("img not updated: %+v err=%v", p, err)
	}

	resp, b = do(t, http.MethodGet, env.ts.URL+path, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("image status=%d body=%s", resp.StatusCode, string(b))
	}
	if string(b) != imageFixture {
		t.Fatalf("image body mismatch")
	}
	if resp.Header.Get("Content-Type") != "image/png" {
		t.Fatalf("content-type=%q", resp.Header.Get("Content-Type"))
	}
	if !strings.Contains(resp.Header.Get("Cache-Control"), "immutable") {
		t.Fatalf("cache-control=%q", resp.Header.Get("Cache-Control"))
	}
}

func TestAdmin_ImageForSKUNeedingEscapes(t *testing.T) {
	env := newEnv(t)

	const sku = "FR 1#x"
	if _, err := env.svc.Upsert(context.Background(), sku, catalog.ProductInput{
		Name: ptr("Apples"), Price: ptr(2.0), Unit: ptr("kg"), Category: ptr("Fruit"),
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	body, ct := multipartBody(t, "image", multipartFile, "image/png", []byte(imageFixture))
	hdr := basicAuth(t)
	hdr["Content-Type"] = ct

	resp, b := do(t, http.MethodPost, env.ts.URL+"/admin/items/"+url.PathEscape(sku)+"/image", body, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", resp.StatusCode, string(b))
	}
	path, _ := decode[map[string]any](t, b)["path"].(string)
	if !regexp.MustCompile(`^/images/FR%201%23x-\d+\.png\?v=\d+$`).MatchString(path) {
		t.Fatalf("unexpected path %q", path)
	}

	resp, b = do(t, http.MethodGet, env.ts.URL+path, nil, nil)
	if resp.StatusCode != http.StatusOK || string(b) != imageFixture {
		t.Fatalf("image status=%d body=%q", resp.StatusCode, string(b))
	}
}

func TestAdmin_ImageWithoutFile(t *testing.T) {
	env := newEnv(t)

	body, ct := multipartBody(t, "other", multipartFile, "image/png", []byte(imageFixture))
	hdr := basicAuth(t)
	hdr["Content-Type"] = ct

	resp, b := do(t, http.MethodPost, env.ts.URL+"/admin/items/FR123/image", body, hdr)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", resp.StatusCode, string(b))
	}
	if e := decode[map[string]any](t, b); e["error"] != "No file uploaded" {
		t.Fatalf("unexpected body: %s", string(b))
	}
}

func TestUpload_StoresFile(t *testing.T) {
	env := newEnv(t)

	body, ct := multipartBody(t, "image", "my apple.png", "image/png", []byte(imageFixture))
	hdr := basicAuth(t)
	hdr["Content-Type"] = ct

	resp, b := do(t, http.MethodPost, env.ts.URL+"/upload", body, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", resp.StatusCode, string(b))
	}
	out := decode[map[string]string](t, b)
	if out["message"] != "File uploaded" || !strings.HasSuffix(out["filename"], "-my-apple.png") {
		t.Fatalf("unexpected body: %s", string(b))
	}

	resp, _ = do(t, http.MethodGet, env.ts.URL+out["path"], nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("uploaded file status=%d", resp.StatusCode)
	}
}

func TestImages_NoTraversal(t *testing.T) {
	env := newEnv(t)

	resp, _ := do(t, http.MethodGet, env.ts.URL+"/images/..%2Fproducts.json", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}

func TestAdmin_TokenGrantsAccess(t *testing.T) {
	env := newEnv(t)

	resp, b := do(t, http.MethodPost, env.ts.URL+"/admin/token", nil, basicAuth(t))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", resp.StatusCode, string(b))
	}
	tok := decode[map[string]any](t, b)
	access, _ := tok["access_token"].(string)
	if access == "" || tok["token_type"] != "Bearer" {
		t.Fatalf("unexpected token body: %s", string(b))
	}

	resp, b = doJSON(t, http.MethodPost, env.ts.URL+"/admin/items/FR123", map[string]any{"stock": 1},
		map[string]string{"Authorization": "Bearer " + access})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer status=%d body=%s", resp.StatusCode, string(b))
	}

	resp, _ = do(t, http.MethodPost, env.ts.URL+"/admin/token", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("token without credentials status=%d", resp.StatusCode)
	}
}

func TestCORS_Preflight(t *testing.T) {
	env := newEnv(t)

	for _, path := range []string{"/products", "/admin/items/FR123", "/does/not/exist"} {
		resp, b := do(t, http.MethodOptions, env.ts.URL+path, nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status=%d", path, resp.StatusCode)
		}
		if len(b) != 0 {
			t.Fatalf("%s preflight body=%q", path, string(b))
		}
		if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
			t.Fatalf("%s missing allow-origin", path)
		}
		if !strings.Contains(resp.Header.Get("Access-Control-Allow-Headers"), "Authorization") {
			t.Fatalf("%s allow-headers=%q", path, resp.Header.Get("Access-Control-Allow-Headers"))
		}
	}

	resp, _ := do(t, http.MethodGet, env.ts.URL+"/products", nil, nil)
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing allow-origin on GET")
	}
}

func TestRouteNotFound(t *testing.T) {
	env := newEnv(t)

	cases := []struct {
		method, path string
	}{
		{http.MethodGet, "/nope"},
		{http.MethodPatch, "/products/FR123"},
		{http.MethodGet, "/api/nope"},
	}
	for _, tc := range cases {
		resp, b := do(t, tc.method, env.ts.URL+tc.path, nil, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s %s status=%d", tc.method, tc.path, resp.StatusCode)
		}
		out := decode[map[string]string](t, b)
		if out["error"] != "Route not found" || out["method"] != tc.method {
			t.Fatalf("%s %s body=%s", tc.method, tc.path, string(b))
		}
	}
}

func TestAPIPrefix(t *testing.T) {
	env := newEnv(t)

	resp, b := do(t, http.MethodGet, env.ts.URL+"/api/products/FR123", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", resp.StatusCode, string(b))
	}
	if p := decode[catalog.Product](t, b); p.Category != "Fruit" {
		t.Fatalf("unexpected product: %s", string(b))
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newEnv(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, _ := do(t, http.MethodGet, env.ts.URL+path, nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status=%d", path, resp.StatusCode)
		}
	}

	doJSON(t, http.MethodPut, env.ts.URL+"/products/FR123", map[string]any{"stock": 4}, nil)

	resp, _ := do(t, http.MethodGet, env.ts.URL+"/metrics", nil, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("metrics without token status=%d", resp.StatusCode)
	}

	resp, b := do(t, http.MethodGet, env.ts.URL+"/metrics", nil, map[string]string{"Authorization": "Bearer " + metricsToken})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status=%d", resp.StatusCode)
	}
	if !strings.Contains(string(b), `catalog_mutations_total{op="update",result="ok"} 1`) {
		t.Fatalf("mutation counter missing:\n%s", string(b))
	}
}
