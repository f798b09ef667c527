package cmds

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/herald/pkg/events"
	"github.com/go-go-golems/herald/pkg/persistence/templatestore"
	"github.com/go-go-golems/herald/pkg/session"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func sampleDoc() templatestore.Document {
	return templatestore.Document{
		TemplateID: "welcome",
		Name:       "Welcome",
		Channels: []templatestore.ChannelContent{
			{Channel: templatestore.ChannelEmail, Subject: "Hello", Body: "Hi {{name}}", Enabled: true},
			{Channel: templatestore.ChannelSMS, Body: "Hi", Enabled: false},
		},
		Variables: map[string]string{"name": "customer name"},
	}
}

// rowCollector is a glazed processor that keeps every row.
type rowCollector struct {
	rows []types.Row
}

func (c *rowCollector) AddRow(_ context.Context, row types.Row) error {
	c.rows = append(c.rows, row)
	return nil
}

func (c *rowCollector) Close(_ context.Context) error {
	return nil
}

func (c *rowCollector) value(t *testing.T, i int, key string) interface{} {
	t.Helper()
	require.Less(t, i, len(c.rows))
	v, ok := c.rows[i].Get(key)
	require.True(t, ok, "row %d has no %q", i, key)
	return v
}

var _ middlewares.Processor = &rowCollector{}

func seededStore(t *testing.T) templatestore.Store {
	t.Helper()
	store := templatestore.NewInMemoryStore(10)
	ctx := context.Background()
	_, err := store.SaveDraft(ctx, sampleDoc())
	require.NoError(t, err)
	edited := sampleDoc()
	edited.Channels[1].Enabled = true
	_, err = store.SaveDraft(ctx, edited)
	require.NoError(t, err)
	return store
}

func TestEmitDocument(t *testing.T) {
	store := templatestore.NewInMemoryStore(10)
	ctx := context.Background()
	_, err := store.SaveDraft(ctx, sampleDoc())
	require.NoError(t, err)

	gp := &rowCollector{}
	require.NoError(t, emitDocument(ctx, store, "welcome", gp))
	require.Len(t, gp.rows, 1)
	require.Equal(t, "welcome", gp.value(t, 0, "template_id"))
	require.Equal(t, "Welcome", gp.value(t, 0, "name"))
	require.Equal(t, sampleDoc().Channels, gp.value(t, 0, "channels"))
	require.Equal(t, sampleDoc().Variables, gp.value(t, 0, "variables"))

	err = emitDocument(ctx, store, "nope", &rowCollector{})
	require.ErrorContains(t, err, "no saved draft")
}

func TestEmitRevisions_NewestFirst(t *testing.T) {
	store := seededStore(t)
	gp := &rowCollector{}
	require.NoError(t, emitRevisions(context.Background(), store, "welcome", 20, gp))
	require.Len(t, gp.rows, 2)
	require.Equal(t, int64(2), gp.value(t, 0, "revision"))
	require.Equal(t, "email,sms", gp.value(t, 0, "channels"))
	require.Equal(t, "email,sms(off)", gp.value(t, 1, "channels"))
	require.Len(t, gp.value(t, 0, "content_hash"), 64)

	limited := &rowCollector{}
	require.NoError(t, emitRevisions(context.Background(), store, "welcome", 1, limited))
	require.Len(t, limited.rows, 1)
}

func TestEmitTemplates(t *testing.T) {
	store := seededStore(t)
	gp := &rowCollector{}
	require.NoError(t, emitTemplates(context.Background(), store, 50, gp))
	require.Len(t, gp.rows, 1)
	require.Equal(t, "welcome", gp.value(t, 0, "template_id"))
	require.Equal(t, "Welcome", gp.value(t, 0, "name"))
	require.Equal(t, int64(2), gp.value(t, 0, "revision"))
}

func TestRootCommand_RegistersGlazedCommands(t *testing.T) {
	root, err := NewRootCommand()
	require.NoError(t, err)
	require.NotNil(t, root.PersistentFlags().Lookup("config"))
	require.NotNil(t, root.PersistentFlags().Lookup("sqlite-db"))
	require.NotNil(t, root.PersistentFlags().Lookup("log-level"), "glazed logging flags are registered")

	for _, name := range []string{"show", "history", "templates"} {
		c, _, err := root.Find([]string{name})
		require.NoError(t, err)
		require.Equal(t, name, c.Name())
		require.NotNil(t, c.Flag("output"), "%s has no glazed output flag", name)
	}
	c, _, err := root.Find([]string{"history"})
	require.NoError(t, err)
	require.NotNil(t, c.Flag("limit"))
}

func TestReplay_CoalescesAndFlushes(t *testing.T) {
	store := templatestore.NewInMemoryStore(10)
	in := strings.NewReader(strings.Join([]string{
		`{"template_id":"welcome","channels":[{"channel":"email","body":"H","enabled":true}]}`,
		``,
		`{"template_id":"welcome","channels":[{"channel":"email","body":"He","enabled":true}]}`,
		`{"template_id":"welcome","channels":[{"channel":"email","body":"Hey","enabled":true}]}`,
	}, "\n"))
	var out syncBuffer

	n, err := replay(context.Background(), replayRequest{
		store:      store,
		templateID: "welcome",
		opts:       session.Options{Debounce: time.Hour},
		in:         in,
		out:        &out,
	})
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, 1, strings.Count(out.String(), "saved welcome rev=1"))

	doc, ok, err := store.LoadDraft(context.Background(), "welcome")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Hey", doc.Channels[0].Body)
}

func TestReplay_BadLineStopsButKeepsAcceptedEdit(t *testing.T) {
	store := templatestore.NewInMemoryStore(10)
	in := strings.NewReader(`{"channels":[{"channel":"push","body":"ok","enabled":true}]}` + "\n{oops\n")
	var out syncBuffer

	n, err := replay(context.Background(), replayRequest{
		store:      store,
		templateID: "t",
		opts:       session.Options{Debounce: time.Hour},
		in:         in,
		out:        &out,
	})
	require.ErrorContains(t, err, "line 2")
	require.Equal(t, 1, n)
	require.Contains(t, out.String(), "saved t rev=1")
}

func TestReplay_ReadsYAMLStream(t *testing.T) {
	store := templatestore.NewInMemoryStore(10)
	in := strings.NewReader(`template_id: welcome
channels:
  - channel: email
    body: Hi
    enabled: true
---
template_id: welcome
channels:
  - channel: email
    body: Hi there
    enabled: true
`)
	var out syncBuffer

	n, err := replay(context.Background(), replayRequest{
		store:      store,
		templateID: "welcome",
		opts:       session.Options{Debounce: time.Hour},
		in:         in,
		out:        &out,
		format:     "yaml",
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	doc, ok, err := store.LoadDraft(context.Background(), "welcome")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Hi there", doc.Channels[0].Body)
}

func TestReplay_UnknownInputFormat(t *testing.T) {
	_, err := replay(context.Background(), replayRequest{
		store:      templatestore.NewInMemoryStore(10),
		templateID: "t",
		in:         strings.NewReader(""),
		out:        &syncBuffer{},
		format:     "toml",
	})
	require.ErrorContains(t, err, "unknown input format")
}

func TestWatchSaved_PrintsEvents(t *testing.T) {
	bus := events.NewInProcessBus()
	t.Cleanup(func() { _ = bus.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out syncBuffer
	done := make(chan error, 1)
	go func() { done <- watchSaved(ctx, bus, &out) }()

	require.Eventually(t, func() bool {
		_ = bus.PublishSaved(ctx, events.SavedEvent{TemplateID: "welcome", Revision: 4})
		return out.String() != ""
	}, 2*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	first := strings.SplitN(out.String(), "\n", 2)[0]
	var ev events.SavedEvent
	require.NoError(t, json.Unmarshal([]byte(first), &ev))
	require.Equal(t, int64(4), ev.Revision)
}
