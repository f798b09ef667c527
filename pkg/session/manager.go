package session

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/herald/pkg/events"
	"github.com/go-go-golems/herald/pkg/persistence/templatestore"
)

// Manager shares one Session per template between concurrent editors
// (several browser tabs on the same template must not race two schedulers
// against one draft). Sessions close when their last holder releases them.
type Manager struct {
	store templatestore.Store
	bus   *events.Bus
	opts  Options

	mu       sync.Mutex
	sessions map[string]*managedSession
}

type managedSession struct {
	session *Session
	refs    int
}

func NewManager(store templatestore.Store, bus *events.Bus, opts Options) *Manager {
	return &Manager{
		store:    store,
		bus:      bus,
		opts:     opts,
		sessions: map[string]*managedSession{},
	}
}

// Acquire returns the session for templateID, opening it if needed. The
// release func must be called exactly once; it flushes and closes the session
// when no holder remains.
func (m *Manager) Acquire(ctx context.Context, templateID string) (*Session, func(context.Context) error, error) {
	if m == nil {
		return nil, nil, errors.New("session manager: nil manager")
	}
	templateID = strings.TrimSpace(templateID)
	if templateID == "" {
		return nil, nil, templatestore.ErrEmptyTemplateID
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	ms := m.sessions[templateID]
	if ms == nil {
		s, err := Open(ctx, m.store, m.bus, templateID, m.opts)
		if err != nil {
			return nil, nil, err
		}
		ms = &managedSession{session: s}
		m.sessions[templateID] = ms
	}
	ms.refs++

	var once sync.Once
	release := func(ctx context.Context) error {
		var err error
		once.Do(func() { err = m.release(ctx, templateID, ms) })
		return err
	}
	return ms.session, release, nil
}

func (m *Manager) release(ctx context.Context, templateID string, ms *managedSession) error {
	m.mu.Lock()
	ms.refs--
	if ms.refs > 0 {
		m.mu.Unlock()
		return nil
	}
	if m.sessions[templateID] == ms {
		delete(m.sessions, templateID)
	}
	m.mu.Unlock()
	log.Debug().Str("component", "session").Str("template_id", templateID).Msg("closing idle session")
	return ms.session.Close(ctx)
}

// Active returns the number of open sessions.
func (m *Manager) Active() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close flushes and closes every open session regardless of holders.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	sessions := make([]*managedSession, 0, len(m.sessions))
	for id, ms := range m.sessions {
		sessions = append(sessions, ms)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	var firstErr error
	for _, ms := range sessions {
		if err := ms.session.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
