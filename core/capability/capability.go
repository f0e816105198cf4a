// Package capability answers whether a controller type and version supports
// an operation on an entity kind.
package capability

import (
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sushant-115/physcoord/core/model"
)

// ErrUnsupported is recorded against an entity whose operation the target
// controller cannot perform.
var ErrUnsupported = errors.New("capability: operation not supported")

// Oracle is a pure yes/no lookup.
type Oracle interface {
	IsSupported(ct model.ControllerType, version string, kind model.EntityKind, op model.Operation) bool
}

// Entry declares one supported combination. An empty Version matches every
// version; a Version ending in "*" matches by prefix.
type Entry struct {
	Type       model.ControllerType
	Version    string
	Kind       model.EntityKind
	Operations []model.Operation
}

func (e Entry) matches(ct model.ControllerType, version string, kind model.EntityKind) bool {
	if e.Type != ct || e.Kind != kind {
		return false
	}
	switch {
	case e.Version == "":
		return true
	case strings.HasSuffix(e.Version, "*"):
		return strings.HasPrefix(version, strings.TrimSuffix(e.Version, "*"))
	default:
		return e.Version == version
	}
}

// Table is a static capability table.
type Table struct {
	entries []Entry
}

// NewTable builds a table from entries.
func NewTable(entries []Entry) *Table {
	return &Table{entries: append([]Entry(nil), entries...)}
}

// AllowAll returns an oracle that supports everything.
func AllowAll() Oracle { return allowAll{} }

type allowAll struct{}

func (allowAll) IsSupported(model.ControllerType, string, model.EntityKind, model.Operation) bool {
	return true
}

func (t *Table) IsSupported(ct model.ControllerType, version string, kind model.EntityKind, op model.Operation) bool {
	for _, e := range t.entries {
		if !e.matches(ct, version, kind) {
			continue
		}
		for _, o := range e.Operations {
			if o == op {
				return true
			}
		}
	}
	return false
}

type cacheKey struct {
	ct      model.ControllerType
	version string
	kind    model.EntityKind
	op      model.Operation
}

// Cached memoizes another oracle's answers in a fixed-size LRU.
type Cached struct {
	next  Oracle
	cache *lru.Cache[cacheKey, bool]
}

// NewCached wraps next with an LRU of the given size.
func NewCached(next Oracle, size int) (*Cached, error) {
	if size <= 0 {
		size = 256
	}
	c, err := lru.New[cacheKey, bool](size)
	if err != nil {
		return nil, fmt.Errorf("capability cache: %w", err)
	}
	return &Cached{next: next, cache: c}, nil
}

func (c *Cached) IsSupported(ct model.ControllerType, version string, kind model.EntityKind, op model.Operation) bool {
	k := cacheKey{ct: ct, version: version, kind: kind, op: op}
	if v, ok := c.cache.Get(k); ok {
		return v
	}
	v := c.next.IsSupported(ct, version, kind, op)
	c.cache.Add(k, v)
	return v
}
