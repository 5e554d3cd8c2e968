// Package docstore registers uploaded or picked file handles per category.
package docstore

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"jubee/internal/domain"
)

// Store maps categories to ordered DocumentRef lists. It is owned by one
// session and not safe for concurrent use.
type Store struct {
	byCategory map[string][]domain.DocumentRef
	lastStamp  int64
	Now        func() time.Time
}

func New(now func() time.Time) *Store {
	return &Store{byCategory: map[string][]domain.DocumentRef{}, Now: now}
}

// stamp returns a millisecond timestamp strictly greater than any previous one.
func (s *Store) stamp() int64 {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	ts := now().UnixMilli()
	if ts <= s.lastStamp {
		ts = s.lastStamp + 1
	}
	s.lastStamp = ts
	return ts
}

func (s *Store) refs(category string, descs []domain.FileDescriptor) []domain.DocumentRef {
	ts := s.stamp()
	out := make([]domain.DocumentRef, 0, len(descs))
	for i, d := range descs {
		out = append(out, domain.DocumentRef{
			ID:        fmt.Sprintf("%s-%d-%d", category, ts, i),
			Name:      d.Name,
			MimeOrExt: mimeOrExt(d),
			Size:      d.Size,
			Category:  category,
		})
	}
	return out
}

func mimeOrExt(d domain.FileDescriptor) string {
	if d.Type != "" {
		return d.Type
	}
	if i := strings.LastIndex(d.Name, "."); i >= 0 && i < len(d.Name)-1 {
		return strings.ToLower(d.Name[i+1:])
	}
	return ""
}

// AddOne replaces the category content with a single document.
func (s *Store) AddOne(category string, desc domain.FileDescriptor) domain.DocumentRef {
	ref := s.refs(category, []domain.FileDescriptor{desc})[0]
	s.byCategory[category] = []domain.DocumentRef{ref}
	return ref
}

// AddMany appends descs to the category, preserving order.
func (s *Store) AddMany(category string, descs []domain.FileDescriptor) []domain.DocumentRef {
	if len(descs) == 0 {
		return nil
	}
	refs := s.refs(category, descs)
	s.byCategory[category] = append(s.byCategory[category], refs...)
	return append([]domain.DocumentRef(nil), refs...)
}

// Remove filters the document out of its category. It reports whether anything was removed.
func (s *Store) Remove(category, id string) bool {
	list := s.byCategory[category]
	kept := list[:0:0]
	removed := false
	for _, ref := range list {
		if ref.ID == id {
			removed = true
			continue
		}
		kept = append(kept, ref)
	}
	if !removed {
		return false
	}
	if len(kept) == 0 {
		delete(s.byCategory, category)
	} else {
		s.byCategory[category] = kept
	}
	return true
}

func (s *Store) ListByCategory(category string) []domain.DocumentRef {
	return append([]domain.DocumentRef(nil), s.byCategory[category]...)
}

func (s *Store) Count(category string) int { return len(s.byCategory[category]) }

// Categories returns the non-empty categories in sorted order.
func (s *Store) Categories() []string {
	out := make([]string, 0, len(s.byCategory))
	for c := range s.byCategory {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a deep copy of every category.
func (s *Store) Snapshot() map[string][]domain.DocumentRef {
	out := make(map[string][]domain.DocumentRef, len(s.byCategory))
	for c, list := range s.byCategory {
		out[c] = append([]domain.DocumentRef(nil), list...)
	}
	return out
}

// Load replaces the content with persisted documents.
func (s *Store) Load(docs map[string][]domain.DocumentRef) {
	s.byCategory = make(map[string][]domain.DocumentRef, len(docs))
	for c, list := range docs {
		if len(list) == 0 {
			continue
		}
		s.byCategory[c] = append([]domain.DocumentRef(nil), list...)
	}
}

func (s *Store) Reset() {
	s.byCategory = map[string][]domain.DocumentRef{}
}
