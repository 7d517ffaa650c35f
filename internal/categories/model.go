// Package categories holds the canonical category model, the conversions to
// and from the legacy item-to-names map, and the Repository that owns the
// loaded state.
package categories

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
)

var (
	ErrAlreadyExists    = errors.New("category already exists")
	ErrCategoryNotFound = errors.New("category not found")
	ErrInvalidName      = errors.New("invalid category name")
	ErrInvalidItem      = errors.New("invalid item id")
	ErrMalformed        = errors.New("malformed category data")
	// ErrNoRemote is returned by a RemoteLoader when no remote document
	// exists yet.
	ErrNoRemote = errors.New("no remote document")
)

// ItemRef identifies a taggable item. The id is opaque and always compared
// as a string.
type ItemRef struct {
	ID string `json:"id"`
}

// UnmarshalJSON accepts {"id": "x"}, {"id": 42}, the older {"repoId": 42}
// and a bare string or number.
func (r *ItemRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] != '{' {
		id, err := idString(data)
		if err != nil {
			return err
		}
		r.ID = id
		return nil
	}
	var wire struct {
		ID     json.RawMessage `json:"id"`
		RepoID json.RawMessage `json:"repoId"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	id, err := idString(wire.ID)
	if err != nil {
		return err
	}
	if id == "" {
		if id, err = idString(wire.RepoID); err != nil {
			return err
		}
	}
	r.ID = id
	return nil
}

func idString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("%w: item id %s", ErrMalformed, raw)
	}
	return n.String(), nil
}

// Category is a named tag and its ordered member set.
type Category struct {
	Name  string
	Items []ItemRef
}

type categoryWire struct {
	Name         string    `json:"name"`
	Repositories []ItemRef `json:"repositories"`
}

func (c Category) MarshalJSON() ([]byte, error) {
	items := c.Items
	if items == nil {
		items = []ItemRef{}
	}
	return json.Marshal(categoryWire{Name: c.Name, Repositories: items})
}

// UnmarshalJSON reads "repositories", or "items" when the former is absent.
func (c *Category) UnmarshalJSON(data []byte) error {
	var wire struct {
		Name         string    `json:"name"`
		Repositories []ItemRef `json:"repositories"`
		Items        []ItemRef `json:"items"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	c.Name = wire.Name
	c.Items = wire.Repositories
	if c.Items == nil {
		c.Items = wire.Items
	}
	return nil
}

// Has reports whether id is a member.
func (c Category) Has(id string) bool {
	for _, item := range c.Items {
		if item.ID == id {
			return true
		}
	}
	return false
}

// Index maps an item id to the names of the categories containing it.
type Index map[string][]string

// BuildIndex derives the item index. Items without categories are absent.
func BuildIndex(cats []Category) Index {
	index := Index{}
	for _, cat := range cats {
		for _, item := range cat.Items {
			if item.ID == "" || containsString(index[item.ID], cat.Name) {
				continue
			}
			index[item.ID] = append(index[item.ID], cat.Name)
		}
	}
	return index
}

// ToLegacy renders the legacy itemCategories map.
func ToLegacy(cats []Category) map[string][]string {
	return map[string][]string(BuildIndex(cats))
}

// FromLegacy builds a category list from a legacy itemCategories map.
// Categories are ordered by first appearance walking item ids in sorted
// order; empty names and empty lists are skipped.
func FromLegacy(legacy map[string][]string) []Category {
	return MergeLegacy(nil, legacy, true)
}

// MergeLegacy unions legacy memberships into cats without removing any
// existing membership. Names unknown to cats are created when createMissing
// is set and ignored otherwise.
func MergeLegacy(cats []Category, legacy map[string][]string, createMissing bool) []Category {
	out := Clone(cats)
	ids := make([]string, 0, len(legacy))
	for id := range legacy {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			continue
		}
		for _, name := range legacy[id] {
			if strings.TrimSpace(name) == "" {
				continue
			}
			idx := Find(out, name)
			if idx < 0 {
				if !createMissing {
					continue
				}
				out = append(out, Category{Name: name, Items: []ItemRef{}})
				idx = len(out) - 1
			}
			if !out[idx].Has(id) {
				out[idx].Items = append(out[idx].Items, ItemRef{ID: id})
			}
		}
	}
	return out
}

// Clone deep-copies cats. Member slices are never nil in the copy.
func Clone(cats []Category) []Category {
	if cats == nil {
		return nil
	}
	out := make([]Category, len(cats))
	for i, cat := range cats {
		out[i] = Category{Name: cat.Name, Items: append([]ItemRef{}, cat.Items...)}
	}
	return out
}

// DefaultCategories returns empty categories with the given names.
func DefaultCategories(names []string) []Category {
	out := make([]Category, 0, len(names))
	for _, name := range names {
		out = append(out, Category{Name: name, Items: []ItemRef{}})
	}
	return out
}

// Normalize repairs a decoded list: nameless categories and empty item ids
// are dropped, categories whose names fold equal are merged into the first
// and duplicate members are removed.
func Normalize(cats []Category) []Category {
	out := make([]Category, 0, len(cats))
	for _, cat := range cats {
		if strings.TrimSpace(cat.Name) == "" {
			continue
		}
		idx := Find(out, cat.Name)
		if idx < 0 {
			out = append(out, Category{Name: cat.Name, Items: []ItemRef{}})
			idx = len(out) - 1
		}
		for _, item := range cat.Items {
			if item.ID == "" || out[idx].Has(item.ID) {
				continue
			}
			out[idx].Items = append(out[idx].Items, item)
		}
	}
	return out
}

// Find returns the index of the category called name, preferring an exact
// match over a case-insensitive one, or -1.
func Find(cats []Category, name string) int {
	for i, cat := range cats {
		if cat.Name == name {
			return i
		}
	}
	folded := FoldName(name)
	for i, cat := range cats {
		if FoldName(cat.Name) == folded {
			return i
		}
	}
	return -1
}

// FoldName is the comparison key for category names.
func FoldName(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

func containsString(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
