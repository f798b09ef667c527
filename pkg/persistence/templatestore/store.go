package templatestore

import "context"

// Store is the durable store of record for template drafts.
//
// SaveDraft appends a new revision and makes it the latest draft. LoadDraft
// returns false when the template has never been saved.
type Store interface {
	SaveDraft(ctx context.Context, doc Document) (Revision, error)
	LoadDraft(ctx context.Context, templateID string) (Document, bool, error)
	ListRevisions(ctx context.Context, templateID string, limit int) ([]Revision, error)
	ListTemplates(ctx context.Context, limit int) ([]TemplateRecord, error)
	Close() error
}

const (
	defaultListLimit    = 200
	defaultMaxRevisions = 500
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}
