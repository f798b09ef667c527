package templatestore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// InMemoryStore is a Store that keeps a bounded revision history per template.
// Documents are deep-copied on the way in and out.
type InMemoryStore struct {
	mu           sync.Mutex
	maxRevisions int
	templates    map[string]*inMemTemplate
}

type inMemTemplate struct {
	createdAtMs int64
	nextRev     int64
	revisions   []Revision // oldest first
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore(maxRevisions int) *InMemoryStore {
	if maxRevisions <= 0 {
		maxRevisions = defaultMaxRevisions
	}
	return &InMemoryStore{
		maxRevisions: maxRevisions,
		templates:    map[string]*inMemTemplate{},
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) SaveDraft(_ context.Context, doc Document) (Revision, error) {
	if s == nil {
		return Revision{}, errors.New("in-memory template store: nil store")
	}
	doc.TemplateID = strings.TrimSpace(doc.TemplateID)
	if err := doc.Validate(); err != nil {
		return Revision{}, errors.Wrap(err, "in-memory template store")
	}
	hash, err := doc.ContentHash()
	if err != nil {
		return Revision{}, errors.Wrap(err, "in-memory template store: hash")
	}
	now := time.Now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.templates[doc.TemplateID]
	if t == nil {
		t = &inMemTemplate{createdAtMs: now}
		s.templates[doc.TemplateID] = t
	}
	t.nextRev++
	rev := Revision{
		TemplateID:  doc.TemplateID,
		Revision:    t.nextRev,
		ContentHash: hash,
		SavedAtMs:   now,
		Document:    cloneDocument(doc),
	}
	t.revisions = append(t.revisions, rev)
	if len(t.revisions) > s.maxRevisions {
		t.revisions = t.revisions[len(t.revisions)-s.maxRevisions:]
	}
	return cloneRevision(rev), nil
}

func (s *InMemoryStore) LoadDraft(_ context.Context, templateID string) (Document, bool, error) {
	if s == nil {
		return Document{}, false, errors.New("in-memory template store: nil store")
	}
	templateID = strings.TrimSpace(templateID)
	if templateID == "" {
		return Document{}, false, errors.Wrap(ErrEmptyTemplateID, "in-memory template store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.templates[templateID]
	if t == nil || len(t.revisions) == 0 {
		return Document{}, false, nil
	}
	return cloneDocument(t.revisions[len(t.revisions)-1].Document), true, nil
}

func (s *InMemoryStore) ListRevisions(_ context.Context, templateID string, limit int) ([]Revision, error) {
	if s == nil {
		return nil, errors.New("in-memory template store: nil store")
	}
	templateID = strings.TrimSpace(templateID)
	if templateID == "" {
		return nil, errors.Wrap(ErrEmptyTemplateID, "in-memory template store")
	}
	limit = normalizeLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.templates[templateID]
	if t == nil {
		return []Revision{}, nil
	}
	out := make([]Revision, 0, min(limit, len(t.revisions)))
	for i := len(t.revisions) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, cloneRevision(t.revisions[i]))
	}
	return out, nil
}

func (s *InMemoryStore) ListTemplates(_ context.Context, limit int) ([]TemplateRecord, error) {
	if s == nil {
		return nil, errors.New("in-memory template store: nil store")
	}
	limit = normalizeLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]TemplateRecord, 0, len(s.templates))
	for id, t := range s.templates {
		if len(t.revisions) == 0 {
			continue
		}
		latest := t.revisions[len(t.revisions)-1]
		records = append(records, TemplateRecord{
			TemplateID:  id,
			Name:        latest.Document.Name,
			Revision:    latest.Revision,
			UpdatedAtMs: latest.SavedAtMs,
		})
	}
	sortTemplateRecords(records)
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func sortTemplateRecords(records []TemplateRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].UpdatedAtMs == records[j].UpdatedAtMs {
			return records[i].TemplateID < records[j].TemplateID
		}
		return records[i].UpdatedAtMs > records[j].UpdatedAtMs
	})
}

func cloneDocument(d Document) Document {
	out := d
	if d.Channels != nil {
		out.Channels = append([]ChannelContent(nil), d.Channels...)
	}
	if d.Variables != nil {
		out.Variables = make(map[string]string, len(d.Variables))
		for k, v := range d.Variables {
			out.Variables[k] = v
		}
	}
	return out
}

func cloneRevision(r Revision) Revision {
	r.Document = cloneDocument(r.Document)
	return r
}
