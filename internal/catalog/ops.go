package catalog

import (
	"strconv"
	"strings"
	"time"
	"unicode"
)

// locate scans categories then items depth-first; the first match wins.
func (c Catalog) locate(id string) (ci, pi int, ok bool) {
	for i := range c {
		for j := range c[i].Items {
			if c[i].Items[j].ID == id {
				return i, j, true
			}
		}
	}
	return -1, -1, false
}

// Find returns the product with the given id, its category filled in.
func (c Catalog) Find(id string) (Product, bool) {
	ci, pi, ok := c.locate(id)
	if !ok {
		return Product{}, false
	}
	p := c[ci].Items[pi]
	p.Category = c[ci].Category
	p.raw = nil
	return p, true
}

func (c Catalog) Has(id string) bool {
	_, _, ok := c.locate(id)
	return ok
}

// insert appends p to the named category, creating it at the end if needed.
func (c *Catalog) insert(category string, p Product) {
	p.Category = category
	for i := range *c {
		if (*c)[i].Category == category {
			(*c)[i].Items = append((*c)[i].Items, p)
			return
		}
	}
	*c = append(*c, Category{Category: category, Items: []Product{p}})
}

// removeAt drops an item in place. The category stays even when emptied.
func (c Catalog) removeAt(ci, pi int) Product {
	items := c[ci].Items
	p := items[pi]
	c[ci].Items = append(items[:pi:pi], items[pi+1:]...)
	return p
}

func newProduct(id, category string, in ProductInput, placeholder string, now time.Time) Product {
	p := Product{
		ID:        id,
		Category:  category,
		Img:       placeholder,
		Available: true,
		UpdatedAt: now,
	}
	applyInput(&p, in)
	p.ID = id
	p.Category = category
	return p
}

// applyInput overwrites the fields present in the input. The id never changes.
func applyInput(p *Product, in ProductInput) {
	if in.Name != nil {
		p.Name = *in.Name
	}
	if in.Price != nil {
		p.Price = *in.Price
	}
	if in.Unit != nil {
		p.Unit = *in.Unit
	}
	if in.Img != nil {
		p.Img = *in.Img
	}
	if in.Stock != nil {
		p.Stock = *in.Stock
	}
	if in.Available != nil {
		p.Available = *in.Available
	}
}

// idPrefix is the first two letters of the category, upper-cased.
func idPrefix(category string) string {
	r := []rune(strings.TrimSpace(category))
	if len(r) > 2 {
		r = r[:2]
	}
	return strings.Map(unicode.ToUpper, string(r))
}

// generateID builds <prefix><epoch millis>, moving to the next millisecond
// while the id is already taken.
func (c Catalog) generateID(category string, now time.Time) string {
	prefix := idPrefix(category)
	ms := now.UnixMilli()
	for {
		id := prefix + strconv.FormatInt(ms, 10)
		if !c.Has(id) {
			return id
		}
		ms++
	}
}

func (c Catalog) productCount() int {
	n := 0
	for _, cat := range c {
		n += len(cat.Items)
	}
	return n
}
