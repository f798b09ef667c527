package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/herald/pkg/autosave"
	"github.com/go-go-golems/herald/pkg/events"
	"github.com/go-go-golems/herald/pkg/persistence/templatestore"
)

var (
	ErrTemplateMismatch = errors.New("session: document belongs to another template")
	ErrClosed           = errors.New("session: closed")
)

type Options struct {
	Debounce                 time.Duration
	SaveTimeout              time.Duration
	RetainFingerprintOnError bool
	Clock                    autosave.Clock
}

// Session is the editing session of a single template. It feeds every
// document snapshot to an autosave scheduler whose save step writes a draft
// revision and announces it on the event bus.
type Session struct {
	templateID string
	store      templatestore.Store
	bus        *events.Bus
	scheduler  *autosave.Scheduler[templatestore.Document]
	logger     zerolog.Logger

	// intake serializes Update against Close so an edit is either saved by
	// the final flush or rejected.
	intake sync.Mutex

	mu           sync.Mutex
	doc          templatestore.Document
	lastRevision templatestore.Revision
	lastSeq      uint64
	subs         map[int]chan autosave.Status
	nextSub      int
	closed       bool
}

// Open loads the current draft and starts a session. A template that was
// never saved starts from an empty document. bus may be nil.
func Open(ctx context.Context, store templatestore.Store, bus *events.Bus, templateID string, opts Options) (*Session, error) {
	if store == nil {
		return nil, errors.New("session: store is nil")
	}
	templateID = strings.TrimSpace(templateID)
	if templateID == "" {
		return nil, templatestore.ErrEmptyTemplateID
	}
	doc, ok, err := store.LoadDraft(ctx, templateID)
	if err != nil {
		return nil, errors.Wrap(err, "session: load draft")
	}
	if !ok {
		doc = templatestore.Document{TemplateID: templateID}
	}

	s := &Session{
		templateID: templateID,
		store:      store,
		bus:        bus,
		doc:        doc,
		subs:       map[int]chan autosave.Status{},
		logger:     log.With().Str("component", "session").Str("template_id", templateID).Logger(),
	}
	schedLogger := s.logger.With().Str("component", "autosave").Logger()
	initial := doc
	s.scheduler, err = autosave.New(autosave.Options[templatestore.Document]{
		OnSave:                   s.persist,
		Debounce:                 opts.Debounce,
		InitialContent:           &initial,
		Clock:                    opts.Clock,
		SaveTimeout:              opts.SaveTimeout,
		RetainFingerprintOnError: opts.RetainFingerprintOnError,
		OnStatus:                 s.broadcast,
		Logger:                   &schedLogger,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug().Bool("existing", ok).Msg("session opened")
	return s, nil
}

func (s *Session) TemplateID() string { return s.templateID }

// Update submits the editor's current document. It returns immediately.
func (s *Session) Update(doc templatestore.Document) error {
	if s == nil {
		return errors.New("session: nil session")
	}
	if doc.TemplateID == "" {
		doc.TemplateID = s.templateID
	}
	if doc.TemplateID != s.templateID {
		return errors.Wrapf(ErrTemplateMismatch, "%q != %q", doc.TemplateID, s.templateID)
	}
	if err := doc.Validate(); err != nil {
		return err
	}
	s.intake.Lock()
	defer s.intake.Unlock()
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := s.scheduler.RequestSave(doc); err != nil {
		if errors.Is(err, autosave.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	return nil
}

// Document returns the most recent document submitted (or loaded).
func (s *Session) Document() templatestore.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc
}

func (s *Session) LastRevision() templatestore.Revision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRevision
}

func (s *Session) Status() autosave.Status { return s.scheduler.Status() }

func (s *Session) IsSaving() bool { return s.scheduler.IsSaving() }

// SetReadOnly stops accepting edits without dropping an accepted one.
func (s *Session) SetReadOnly(readOnly bool) { s.scheduler.SetEnabled(!readOnly) }

// Flush saves any pending edit now.
func (s *Session) Flush(ctx context.Context) error { return s.scheduler.Flush(ctx) }

// Subscribe returns a channel carrying the latest scheduler status. Slow
// readers only ever see the newest value. The returned func unsubscribes.
func (s *Session) Subscribe() (<-chan autosave.Status, func()) {
	ch := make(chan autosave.Status, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
			s.mu.Unlock()
		})
	}
}

// Close stops intake, flushes the last accepted edit and closes
// subscriptions. Updates racing with Close either land in the final flush or
// fail with ErrClosed.
func (s *Session) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.intake.Lock()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.scheduler.Close()
	s.intake.Unlock()

	err := s.scheduler.Flush(ctx)

	s.mu.Lock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.mu.Unlock()
	if err != nil {
		return errors.Wrap(err, "session: final flush")
	}
	return nil
}

func (s *Session) persist(ctx context.Context, doc templatestore.Document) error {
	rev, err := s.store.SaveDraft(ctx, doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.lastRevision = rev
	s.mu.Unlock()

	if s.bus != nil {
		err := s.bus.PublishSaved(ctx, events.SavedEvent{
			TemplateID:  rev.TemplateID,
			Revision:    rev.Revision,
			ContentHash: rev.ContentHash,
			SavedAtMs:   rev.SavedAtMs,
		})
		if err != nil {
			// The draft is durable; a lost notification is not a failed save.
			s.logger.Warn().Err(err).Int64("revision", rev.Revision).Msg("publish saved event failed")
		}
	}
	return nil
}

func (s *Session) broadcast(st autosave.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.Seq <= s.lastSeq {
		return
	}
	s.lastSeq = st.Seq
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}
