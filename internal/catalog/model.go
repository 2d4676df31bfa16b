package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMalformedDocument marks a stored document that is not JSON at all.
	ErrMalformedDocument = errors.New("catalog document is not valid JSON")
	// ErrUnexpectedShape marks valid JSON that is not an array of category objects.
	ErrUnexpectedShape = errors.New("catalog document has an unexpected shape")
)

// Catalog is the whole persisted document: categories in insertion order.
type Catalog []Category

type Category struct {
	Category string    `json:"category"`
	Items    []Product `json:"items"`

	extra map[string]json.RawMessage
	// stray holds item entries that are not objects; they are written back as is.
	stray []json.RawMessage
}

type Product struct {
	ID        string    `json:"id"`
	Category  string    `json:"category,omitempty"`
	Name      string    `json:"name"`
	Price     float64   `json:"price"`
	Unit      string    `json:"unit"`
	Img       string    `json:"img"`
	Stock     float64   `json:"stock"`
	Available bool      `json:"available"`
	UpdatedAt time.Time `json:"updatedAt,omitzero"`

	// extra keeps stored fields this service does not model.
	extra map[string]json.RawMessage
	// raw is the item exactly as loaded. It is written back unchanged until
	// the product is modified.
	raw json.RawMessage
}

// ProductInput is a create or update payload. Nil fields were not supplied.
type ProductInput struct {
	ID        *string  `json:"id,omitempty"`
	SKU       *string  `json:"sku,omitempty"`
	Category  *string  `json:"category,omitempty"`
	Name      *string  `json:"name,omitempty"`
	Price     *float64 `json:"price,omitempty"`
	Unit      *string  `json:"unit,omitempty"`
	Img       *string  `json:"img,omitempty"`
	Stock     *float64 `json:"stock,omitempty"`
	Available *bool    `json:"available,omitempty"`
}

func (c Catalog) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Category(c))
}

func (c Category) MarshalJSON() ([]byte, error) {
	type plain Category
	p := plain(c)
	if p.Items == nil {
		p.Items = []Product{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return withExtra(b, c.extra)
}

func (c *Category) UnmarshalJSON(data []byte) error {
	fields, err := objectFields(data)
	if err != nil {
		return err
	}

	*c = Category{Items: []Product{}}
	for k, v := range fields {
		switch k {
		case "category":
			c.Category = looseString(v)
		case "items":
			c.decodeItems(v)
		default:
			c.setExtra(k, v)
		}
	}
	return nil
}

func (c *Category) decodeItems(v json.RawMessage) {
	if isNull(v) {
		return
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(v, &entries); err != nil {
		c.stray = append(c.stray, v)
		return
	}
	for _, e := range entries {
		var p Product
		if err := json.Unmarshal(e, &p); err != nil {
			c.stray = append(c.stray, e)
			continue
		}
		c.Items = append(c.Items, p)
	}
}

func (c *Category) setExtra(k string, v json.RawMessage) {
	if c.extra == nil {
		c.extra = map[string]json.RawMessage{}
	}
	c.extra[k] = v
}

// documentJSON encodes the category for storage: untouched items keep their
// loaded bytes.
func (c Category) documentJSON() ([]byte, error) {
	items := make([]json.RawMessage, 0, len(c.Items)+len(c.stray))
	for _, p := range c.Items {
		if p.raw != nil {
			items = append(items, p.raw)
			continue
		}
		b, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	items = append(items, c.stray...)

	b, err := json.Marshal(struct {
		Category string            `json:"category"`
		Items    []json.RawMessage `json:"items"`
	}{c.Category, items})
	if err != nil {
		return nil, err
	}
	return withExtra(b, c.extra)
}

func (p Product) MarshalJSON() ([]byte, error) {
	type plain Product
	b, err := json.Marshal(plain(p))
	if err != nil {
		return nil, err
	}
	return withExtra(b, p.extra)
}

// UnmarshalJSON reads items written by any of the catalog's hosts: numbers
// may arrive as strings, ids as numbers, and a timestamp that does not parse
// is left zero. A missing available flag means available.
func (p *Product) UnmarshalJSON(data []byte) error {
	fields, err := objectFields(data)
	if err != nil {
		return err
	}

	*p = Product{Available: true, raw: append(json.RawMessage(nil), data...)}
	for k, v := range fields {
		switch k {
		case "id":
			p.ID = looseString(v)
		case "category":
			p.Category = looseString(v)
		case "name":
			p.Name = looseString(v)
		case "unit":
			p.Unit = looseString(v)
		case "img":
			p.Img = looseString(v)
		case "price":
			p.Price = looseNumber(v)
		case "stock":
			p.Stock = looseNumber(v)
		case "available":
			p.Available = looseBool(v, true)
		case "updatedAt":
			p.UpdatedAt = looseTime(v)
		default:
			if p.extra == nil {
				p.extra = map[string]json.RawMessage{}
			}
			p.extra[k] = v
		}
	}
	return nil
}

// touch marks p as modified so it is re-encoded on the next save.
func (p *Product) touch(now time.Time) {
	p.UpdatedAt = now
	p.raw = nil
}

// DecodeCatalog parses a stored document. Empty and null documents decode
// to an empty catalog. Individual items are read leniently; only a document
// that is not JSON, or not an array of category objects, is rejected.
func DecodeCatalog(data []byte) (Catalog, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || isNull(trimmed) {
		return Catalog{}, nil
	}
	if !json.Valid(trimmed) {
		return nil, ErrMalformedDocument
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(trimmed, &entries); err != nil {
		return nil, fmt.Errorf("%w: top level is not an array", ErrUnexpectedShape)
	}

	c := make(Catalog, 0, len(entries))
	for i, e := range entries {
		var cat Category
		if err := json.Unmarshal(e, &cat); err != nil {
			return nil, fmt.Errorf("%w: entry %d is not a category object", ErrUnexpectedShape, i)
		}
		c = append(c, cat)
	}
	return c, nil
}

// encodeDocument renders the catalog for storage.
func encodeDocument(c Catalog) ([]byte, error) {
	cats := make([]json.RawMessage, 0, len(c))
	for _, cat := range c {
		b, err := cat.documentJSON()
		if err != nil {
			return nil, err
		}
		cats = append(cats, b)
	}
	return json.MarshalIndent(cats, "", "  ")
}

// RequestedID is the caller-supplied id, with sku accepted as an alias.
func (in ProductInput) RequestedID() string {
	if in.ID != nil && strings.TrimSpace(*in.ID) != "" {
		return strings.TrimSpace(*in.ID)
	}
	if in.SKU != nil {
		return strings.TrimSpace(*in.SKU)
	}
	return ""
}

func (in ProductInput) CategoryName() string {
	if in.Category == nil {
		return ""
	}
	return strings.TrimSpace(*in.Category)
}

// MissingRequired lists the fields an implicit create cannot do without.
func (in ProductInput) MissingRequired() []string {
	var missing []string
	if in.Name == nil || strings.TrimSpace(*in.Name) == "" {
		missing = append(missing, "name")
	}
	if in.Price == nil {
		missing = append(missing, "price")
	}
	if in.Unit == nil || strings.TrimSpace(*in.Unit) == "" {
		missing = append(missing, "unit")
	}
	if in.CategoryName() == "" {
		missing = append(missing, "category")
	}
	return missing
}

func objectFields(data []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, errors.New("expected a JSON object")
	}
	return fields, nil
}

// withExtra appends the extra fields, in key order, to an encoded object.
// Keys already present in obj win.
func withExtra(obj []byte, extra map[string]json.RawMessage) ([]byte, error) {
	if len(extra) == 0 {
		return obj, nil
	}

	var known map[string]json.RawMessage
	if err := json.Unmarshal(obj, &known); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		if _, ok := known[k]; !ok {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return obj, nil
	}
	sort.Strings(keys)

	var b bytes.Buffer
	b.Write(obj[:len(obj)-1])
	for _, k := range keys {
		if b.Len() > 1 {
			b.WriteByte(',')
		}
		name, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		b.Write(name)
		b.WriteByte(':')
		b.Write(extra[k])
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

func isNull(v []byte) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func looseString(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	if isNull(v) {
		return ""
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String()
	}
	return strings.TrimSpace(string(v))
}

func looseNumber(v json.RawMessage) float64 {
	var f float64
	if err := json.Unmarshal(v, &f); err == nil {
		return f
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f
		}
	}
	return 0
}

func looseBool(v json.RawMessage, def bool) bool {
	var b bool
	if err := json.Unmarshal(v, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b
		}
		return def
	}
	var f float64
	if err := json.Unmarshal(v, &f); err == nil {
		return f != 0
	}
	return def
}

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"}

func looseTime(v json.RawMessage) time.Time {
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		var ms int64
		if err := json.Unmarshal(v, &ms); err == nil && ms > 0 {
			return time.UnixMilli(ms).UTC()
		}
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
