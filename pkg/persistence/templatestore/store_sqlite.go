package templatestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/herald/pkg/autosave"
)

type SQLiteStore struct {
	db           *sql.DB
	maxRevisions int
}

var _ Store = &SQLiteStore{}

// NewSQLiteStore opens (and migrates) a template store. maxRevisions <= 0
// keeps the full history.
func NewSQLiteStore(dsn string, maxRevisions int) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite template store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db, maxRevisions: maxRevisions}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite template store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS templates (
			template_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			latest_revision INTEGER NOT NULL,
			content_hash TEXT NOT NULL,
			hash_algorithm TEXT NOT NULL DEFAULT '',
			document_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS template_revisions (
			template_id TEXT NOT NULL,
			revision INTEGER NOT NULL,
			content_hash TEXT NOT NULL,
			document_json TEXT NOT NULL DEFAULT '{}',
			saved_at_ms INTEGER NOT NULL,
			PRIMARY KEY (template_id, revision),
			FOREIGN KEY (template_id) REFERENCES templates(template_id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS templates_by_updated ON templates(updated_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS template_revisions_by_hash ON template_revisions(content_hash);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite template store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) SaveDraft(ctx context.Context, doc Document) (Revision, error) {
	if s == nil || s.db == nil {
		return Revision{}, errors.New("sqlite template store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	doc.TemplateID = strings.TrimSpace(doc.TemplateID)
	if err := doc.Validate(); err != nil {
		return Revision{}, errors.Wrap(err, "sqlite template store")
	}
	hash, err := doc.ContentHash()
	if err != nil {
		return Revision{}, errors.Wrap(err, "sqlite template store: hash")
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return Revision{}, errors.Wrap(err, "sqlite template store: marshal document")
	}
	now := time.Now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Revision{}, errors.Wrap(err, "sqlite template store: begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	var latest int64
	err = tx.QueryRowContext(ctx, `SELECT latest_revision FROM templates WHERE template_id = ?`, doc.TemplateID).Scan(&latest)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Revision{}, errors.Wrap(err, "sqlite template store: read latest revision")
	}
	rev := Revision{
		TemplateID:  doc.TemplateID,
		Revision:    latest + 1,
		ContentHash: hash,
		SavedAtMs:   now,
		Document:    doc,
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO templates (
			template_id, name, latest_revision, content_hash, hash_algorithm, document_json, created_at_ms, updated_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(template_id) DO UPDATE SET
			name = excluded.name,
			latest_revision = excluded.latest_revision,
			content_hash = excluded.content_hash,
			hash_algorithm = excluded.hash_algorithm,
			document_json = excluded.document_json,
			updated_at_ms = excluded.updated_at_ms
	`, rev.TemplateID, doc.Name, rev.Revision, hash, autosave.FingerprintAlgorithmV1, string(payload), now, now); err != nil {
		return Revision{}, errors.Wrap(err, "sqlite template store: upsert template")
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO template_revisions (template_id, revision, content_hash, document_json, saved_at_ms)
		VALUES (?, ?, ?, ?, ?)
	`, rev.TemplateID, rev.Revision, hash, string(payload), now); err != nil {
		return Revision{}, errors.Wrap(err, "sqlite template store: insert revision")
	}
	if s.maxRevisions > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM template_revisions
			WHERE template_id = ? AND revision <= ?
		`, rev.TemplateID, rev.Revision-int64(s.maxRevisions)); err != nil {
			return Revision{}, errors.Wrap(err, "sqlite template store: trim revisions")
		}
	}
	if err := tx.Commit(); err != nil {
		return Revision{}, errors.Wrap(err, "sqlite template store: commit")
	}
	return rev, nil
}

func (s *SQLiteStore) LoadDraft(ctx context.Context, templateID string) (Document, bool, error) {
	if s == nil || s.db == nil {
		return Document{}, false, errors.New("sqlite template store: db is nil")
	}
	templateID = strings.TrimSpace(templateID)
	if templateID == "" {
		return Document{}, false, errors.Wrap(ErrEmptyTemplateID, "sqlite template store")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT document_json FROM templates WHERE template_id = ?`, templateID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, errors.Wrap(err, "sqlite template store: load draft")
	}
	var doc Document
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return Document{}, false, errors.Wrap(err, "sqlite template store: decode draft")
	}
	return doc, true, nil
}

func (s *SQLiteStore) ListRevisions(ctx context.Context, templateID string, limit int) ([]Revision, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite template store: db is nil")
	}
	templateID = strings.TrimSpace(templateID)
	if templateID == "" {
		return nil, errors.Wrap(ErrEmptyTemplateID, "sqlite template store")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT revision, content_hash, document_json, saved_at_ms
		FROM template_revisions
		WHERE template_id = ?
		ORDER BY revision DESC
		LIMIT ?
	`, templateID, normalizeLimit(limit))
	if err != nil {
		return nil, errors.Wrap(err, "sqlite template store: query revisions")
	}
	defer func() { _ = rows.Close() }()

	out := []Revision{}
	for rows.Next() {
		rev := Revision{TemplateID: templateID}
		var payload string
		if err := rows.Scan(&rev.Revision, &rev.ContentHash, &payload, &rev.SavedAtMs); err != nil {
			return nil, errors.Wrap(err, "sqlite template store: scan revision")
		}
		if err := json.Unmarshal([]byte(payload), &rev.Document); err != nil {
			return nil, errors.Wrapf(err, "sqlite template store: decode revision %d", rev.Revision)
		}
		out = append(out, rev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite template store: revision rows")
	}
	return out, nil
}

func (s *SQLiteStore) ListTemplates(ctx context.Context, limit int) ([]TemplateRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite template store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT template_id, name, latest_revision, updated_at_ms
		FROM templates
		ORDER BY updated_at_ms DESC, template_id ASC
		LIMIT ?
	`, normalizeLimit(limit))
	if err != nil {
		return nil, errors.Wrap(err, "sqlite template store: query templates")
	}
	defer func() { _ = rows.Close() }()

	out := []TemplateRecord{}
	for rows.Next() {
		var r TemplateRecord
		if err := rows.Scan(&r.TemplateID, &r.Name, &r.Revision, &r.UpdatedAtMs); err != nil {
			return nil, errors.Wrap(err, "sqlite template store: scan template")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite template store: template rows")
	}
	return out, nil
}

func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite template store: empty path")
	}
	// WAL for concurrent readers + writer. busy_timeout to avoid transient SQLITE_BUSY.
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}
