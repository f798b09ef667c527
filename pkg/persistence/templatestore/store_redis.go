package templatestore

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the latest draft per template as a JSON string, the
// revision history as a capped list (newest first) and a sorted-set index of
// templates by update time.
type RedisStore struct {
	client       redis.UniversalClient
	prefix       string
	maxRevisions int
	ownsClient   bool
}

var _ Store = &RedisStore{}

func NewRedisStore(addr string, prefix string, maxRevisions int) (*RedisStore, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, errors.New("redis template store: empty addr")
	}
	s := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: addr}), prefix, maxRevisions)
	s.ownsClient = true
	return s, nil
}

func NewRedisStoreFromClient(client redis.UniversalClient, prefix string, maxRevisions int) *RedisStore {
	if prefix == "" {
		prefix = "herald"
	}
	if maxRevisions <= 0 {
		maxRevisions = defaultMaxRevisions
	}
	return &RedisStore{client: client, prefix: strings.TrimSuffix(prefix, ":"), maxRevisions: maxRevisions}
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil || !s.ownsClient {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) indexKey() string { return s.prefix + ":templates" }

func (s *RedisStore) draftKey(id string) string { return s.prefix + ":tmpl:" + id + ":draft" }

func (s *RedisStore) counterKey(id string) string { return s.prefix + ":tmpl:" + id + ":rev" }

func (s *RedisStore) historyKey(id string) string { return s.prefix + ":tmpl:" + id + ":history" }

func (s *RedisStore) SaveDraft(ctx context.Context, doc Document) (Revision, error) {
	if s == nil || s.client == nil {
		return Revision{}, errors.New("redis template store: client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	doc.TemplateID = strings.TrimSpace(doc.TemplateID)
	if err := doc.Validate(); err != nil {
		return Revision{}, errors.Wrap(err, "redis template store")
	}
	hash, err := doc.ContentHash()
	if err != nil {
		return Revision{}, errors.Wrap(err, "redis template store: hash")
	}
	next, err := s.client.Incr(ctx, s.counterKey(doc.TemplateID)).Result()
	if err != nil {
		return Revision{}, errors.Wrap(err, "redis template store: allocate revision")
	}
	rev := Revision{
		TemplateID:  doc.TemplateID,
		Revision:    next,
		ContentHash: hash,
		SavedAtMs:   time.Now().UnixMilli(),
		Document:    doc,
	}
	payload, err := json.Marshal(rev)
	if err != nil {
		return Revision{}, errors.Wrap(err, "redis template store: marshal revision")
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.draftKey(doc.TemplateID), payload, 0)
		pipe.LPush(ctx, s.historyKey(doc.TemplateID), payload)
		pipe.LTrim(ctx, s.historyKey(doc.TemplateID), 0, int64(s.maxRevisions-1))
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(rev.SavedAtMs), Member: doc.TemplateID})
		return nil
	})
	if err != nil {
		return Revision{}, errors.Wrap(err, "redis template store: write draft")
	}
	return rev, nil
}

func (s *RedisStore) LoadDraft(ctx context.Context, templateID string) (Document, bool, error) {
	if s == nil || s.client == nil {
		return Document{}, false, errors.New("redis template store: client is nil")
	}
	templateID = strings.TrimSpace(templateID)
	if templateID == "" {
		return Document{}, false, errors.Wrap(ErrEmptyTemplateID, "redis template store")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := s.client.Get(ctx, s.draftKey(templateID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, errors.Wrap(err, "redis template store: load draft")
	}
	var rev Revision
	if err := json.Unmarshal(payload, &rev); err != nil {
		return Document{}, false, errors.Wrap(err, "redis template store: decode draft")
	}
	return rev.Document, true, nil
}

func (s *RedisStore) ListRevisions(ctx context.Context, templateID string, limit int) ([]Revision, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("redis template store: client is nil")
	}
	templateID = strings.TrimSpace(templateID)
	if templateID == "" {
		return nil, errors.Wrap(ErrEmptyTemplateID, "redis template store")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	items, err := s.client.LRange(ctx, s.historyKey(templateID), 0, int64(normalizeLimit(limit)-1)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis template store: list revisions")
	}
	out := make([]Revision, 0, len(items))
	for _, item := range items {
		var rev Revision
		if err := json.Unmarshal([]byte(item), &rev); err != nil {
			return nil, errors.Wrap(err, "redis template store: decode revision")
		}
		out = append(out, rev)
	}
	return out, nil
}

func (s *RedisStore) ListTemplates(ctx context.Context, limit int) ([]TemplateRecord, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("redis template store: client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, int64(normalizeLimit(limit)-1)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis template store: list templates")
	}
	if len(ids) == 0 {
		return []TemplateRecord{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.draftKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis template store: load drafts")
	}
	out := make([]TemplateRecord, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var rev Revision
		if err := json.Unmarshal([]byte(raw), &rev); err != nil {
			return nil, errors.Wrap(err, "redis template store: decode draft")
		}
		out = append(out, TemplateRecord{
			TemplateID:  rev.TemplateID,
			Name:        rev.Document.Name,
			Revision:    rev.Revision,
			UpdatedAtMs: rev.SavedAtMs,
		})
	}
	sortTemplateRecords(out)
	return out, nil
}
