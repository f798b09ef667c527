package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/herald/pkg/events"
	"github.com/go-go-golems/herald/pkg/persistence/templatestore"
)

func emailDoc(id, body string) templatestore.Document {
	return templatestore.Document{
		TemplateID: id,
		Name:       "Order shipped",
		Channels: []templatestore.ChannelContent{
			{Channel: templatestore.ChannelEmail, Subject: "Your order", Body: body, Enabled: true},
		},
	}
}

func TestSession_SavesAndPublishes(t *testing.T) {
	store := templatestore.NewInMemoryStore(10)
	bus := events.NewInProcessBus()
	t.Cleanup(func() { _ = bus.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	saved, err := bus.SubscribeSaved(ctx)
	require.NoError(t, err)

	s, err := Open(ctx, store, bus, "order-shipped", Options{Debounce: 10 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	require.Equal(t, "order-shipped", s.Document().TemplateID)

	require.NoError(t, s.Update(emailDoc("order-shipped", "v1")))

	select {
	case ev := <-saved:
		require.Equal(t, "order-shipped", ev.TemplateID)
		require.Equal(t, int64(1), ev.Revision)
		require.NotEmpty(t, ev.ContentHash)
	case <-time.After(2 * time.Second):
		t.Fatal("no saved event")
	}

	doc, ok, err := store.LoadDraft(ctx, "order-shipped")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, emailDoc("order-shipped", "v1"), doc)
	require.Eventually(t, func() bool { return s.LastRevision().Revision == 1 }, time.Second, 5*time.Millisecond)
}

func TestSession_RejectsForeignDocument(t *testing.T) {
	s, err := Open(context.Background(), templatestore.NewInMemoryStore(10), nil, "a", Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	require.ErrorIs(t, s.Update(emailDoc("b", "x")), ErrTemplateMismatch)

	noID := emailDoc("", "x")
	require.NoError(t, s.Update(noID))
	require.Equal(t, "a", s.Document().TemplateID)
}

func TestSession_CloseFlushesPendingEdit(t *testing.T) {
	store := templatestore.NewInMemoryStore(10)
	ctx := context.Background()
	s, err := Open(ctx, store, nil, "t", Options{Debounce: time.Hour})
	require.NoError(t, err)

	require.NoError(t, s.Update(emailDoc("t", "draft")))
	require.NoError(t, s.Close(ctx))

	doc, ok, err := store.LoadDraft(ctx, "t")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "draft", doc.Channels[0].Body)

	require.ErrorIs(t, s.Update(emailDoc("t", "late")), ErrClosed)
}

func TestSession_CloseKeepsLastAcceptedEdit(t *testing.T) {
	for i := 0; i < 20; i++ {
		store := templatestore.NewInMemoryStore(0)
		ctx := context.Background()
		s, err := Open(ctx, store, nil, "t", Options{Debounce: time.Hour})
		require.NoError(t, err)

		started := make(chan struct{})
		accepted := make(chan string, 1)
		go func() {
			last := ""
			for n := 0; ; n++ {
				body := fmt.Sprintf("v%d", n)
				if err := s.Update(emailDoc("t", body)); err != nil {
					accepted <- last
					return
				}
				last = body
				if n == 0 {
					close(started)
				}
			}
		}()

		<-started
		require.NoError(t, s.Close(ctx))
		last := <-accepted

		doc, ok, err := store.LoadDraft(ctx, "t")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, last, doc.Channels[0].Body)
		require.Equal(t, last, s.Document().Channels[0].Body)
	}
}

func TestSession_LoadedDraftIsNotResaved(t *testing.T) {
	store := templatestore.NewInMemoryStore(10)
	ctx := context.Background()
	_, err := store.SaveDraft(ctx, emailDoc("t", "stored"))
	require.NoError(t, err)

	s, err := Open(ctx, store, nil, "t", Options{Debounce: time.Hour})
	require.NoError(t, err)
	require.Equal(t, emailDoc("t", "stored"), s.Document())

	require.NoError(t, s.Update(emailDoc("t", "stored")))
	require.NoError(t, s.Close(ctx))

	revs, err := store.ListRevisions(ctx, "t", 10)
	require.NoError(t, err)
	require.Len(t, revs, 1)
}

func TestSession_SubscribeSeesSaveComplete(t *testing.T) {
	store := templatestore.NewInMemoryStore(10)
	s, err := Open(context.Background(), store, nil, "t", Options{Debounce: 5 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	statuses, unsubscribe := s.Subscribe()
	defer unsubscribe()

	require.NoError(t, s.Update(emailDoc("t", "hello")))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case st := <-statuses:
			if !st.Saving && !st.Pending && !st.LastSavedAt.IsZero() {
				require.NoError(t, st.LastError)
				return
			}
		case <-deadline:
			t.Fatal("never observed completed save")
		}
	}
}

func TestManager_SharesAndReleasesSessions(t *testing.T) {
	store := templatestore.NewInMemoryStore(10)
	m := NewManager(store, nil, Options{Debounce: time.Hour})
	ctx := context.Background()

	a, releaseA, err := m.Acquire(ctx, "t")
	require.NoError(t, err)
	b, releaseB, err := m.Acquire(ctx, "t")
	require.NoError(t, err)
	require.Same(t, a, b)
	require.Equal(t, 1, m.Active())

	require.NoError(t, a.Update(emailDoc("t", "shared")))
	require.NoError(t, releaseA(ctx))
	require.NoError(t, releaseA(ctx))
	require.Equal(t, 1, m.Active())

	_, ok, err := store.LoadDraft(ctx, "t")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, releaseB(ctx))
	require.Equal(t, 0, m.Active())
	doc, ok, err := store.LoadDraft(ctx, "t")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "shared", doc.Channels[0].Body)

	_, _, err = m.Acquire(ctx, " ")
	require.ErrorIs(t, err, templatestore.ErrEmptyTemplateID)
}

func TestManager_CloseFlushesAll(t *testing.T) {
	store := templatestore.NewInMemoryStore(10)
	m := NewManager(store, nil, Options{Debounce: time.Hour})
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		s, _, err := m.Acquire(ctx, id)
		require.NoError(t, err)
		require.NoError(t, s.Update(emailDoc(id, "body-"+id)))
	}
	require.NoError(t, m.Close(ctx))
	require.Equal(t, 0, m.Active())

	records, err := store.ListTemplates(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
}
