package ui

import (
	"context"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/herald/pkg/autosave"
	"github.com/go-go-golems/herald/pkg/persistence/templatestore"
	"github.com/go-go-golems/herald/pkg/session"
)

type fakeEditor struct {
	mu       sync.Mutex
	doc      templatestore.Document
	updates  []templatestore.Document
	flushes  int
	flushErr error
}

func (f *fakeEditor) TemplateID() string { return f.doc.TemplateID }

func (f *fakeEditor) Document() templatestore.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.doc
}

func (f *fakeEditor) Update(doc templatestore.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.doc = doc
	f.updates = append(f.updates, doc)
	return nil
}

func (f *fakeEditor) Flush(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return f.flushErr
}

func (f *fakeEditor) Status() autosave.Status { return autosave.Status{} }

func typeText(m EditorModel, text string) EditorModel {
	for _, r := range text {
		next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
		m = next.(EditorModel)
	}
	return m
}

func TestEditor_KeystrokesSubmitWholeDocument(t *testing.T) {
	f := &fakeEditor{doc: templatestore.Document{
		TemplateID: "welcome",
		Name:       "Welcome",
		Channels: []templatestore.ChannelContent{
			{Channel: templatestore.ChannelSMS, Body: "Hi ", Enabled: true},
		},
	}}
	m := NewEditorModel(f, nil)
	require.Equal(t, templatestore.ChannelSMS, m.Channel())

	m = typeText(m, "Bob")
	require.Len(t, f.updates, 3)
	last := f.updates[2]
	require.Equal(t, "Welcome", last.Name)
	sms, ok := last.Channel(templatestore.ChannelSMS)
	require.True(t, ok)
	require.Equal(t, "Hi Bob", sms.Body)
}

func TestEditor_TabSwitchesChannel(t *testing.T) {
	f := &fakeEditor{doc: templatestore.Document{TemplateID: "t"}}
	m := NewEditorModel(f, nil)
	require.Equal(t, templatestore.ChannelEmail, m.Channel())

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyTab})
	m = next.(EditorModel)
	require.Equal(t, templatestore.ChannelSMS, m.Channel())
	require.Empty(t, f.updates)

	m = typeText(m, "x")
	sms, ok := f.Document().Channel(templatestore.ChannelSMS)
	require.True(t, ok)
	require.True(t, sms.Enabled)
	require.Equal(t, "x", sms.Body)
}

func TestEditor_EscFlushesThenQuits(t *testing.T) {
	f := &fakeEditor{doc: templatestore.Document{TemplateID: "t"}}
	m := NewEditorModel(f, nil)

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	require.NotNil(t, cmd)
	msg := cmd()
	require.IsType(t, flushedMsg{}, msg)
	require.Equal(t, 1, f.flushes)

	_, cmd = next.(EditorModel).Update(msg)
	require.NotNil(t, cmd)
	require.IsType(t, tea.QuitMsg{}, cmd())
}

func TestEditor_CtrlSFlushesAndStays(t *testing.T) {
	f := &fakeEditor{doc: templatestore.Document{TemplateID: "t"}, flushErr: errors.New("disk full")}
	m := NewEditorModel(f, nil)

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlS})
	next, cmd = next.(EditorModel).Update(cmd())
	require.Nil(t, cmd)
	require.Contains(t, next.(EditorModel).View(), "disk full")
}

func TestEditor_StatusMessagesUpdateIndicator(t *testing.T) {
	f := &fakeEditor{doc: templatestore.Document{TemplateID: "t"}}
	statuses := make(chan autosave.Status, 1)
	m := NewEditorModel(f, statuses)

	saved := time.Date(2024, 5, 1, 9, 30, 15, 0, time.Local)
	statuses <- autosave.Status{Seq: 3, LastSavedAt: saved}
	msg := waitForStatus(statuses)()
	next, cmd := m.Update(msg)
	require.NotNil(t, cmd)
	require.Contains(t, next.(EditorModel).View(), "saved 09:30:15")
}

func TestStatusLine(t *testing.T) {
	require.Contains(t, StatusLine(autosave.Status{}, nil), "no changes")
	require.Contains(t, StatusLine(autosave.Status{Pending: true}, nil), "unsaved changes")
	require.Contains(t, StatusLine(autosave.Status{Saving: true, Pending: true}, nil), "saving")
	require.Contains(t, StatusLine(autosave.Status{LastError: errors.New("boom")}, nil), "save failed: boom")
	require.Contains(t, StatusLine(autosave.Status{}, errors.New("bad")), "error: bad")
}

func TestEditor_DrivesRealSession(t *testing.T) {
	store := templatestore.NewInMemoryStore(10)
	ctx := context.Background()
	s, err := session.Open(ctx, store, nil, "reset-password", session.Options{Debounce: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(ctx) })

	m := typeText(NewEditorModel(s, nil), "Code: 1234")
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlS})
	require.IsType(t, flushedMsg{}, cmd())

	doc, ok, err := store.LoadDraft(ctx, "reset-password")
	require.NoError(t, err)
	require.True(t, ok)
	email, ok := doc.Channel(templatestore.ChannelEmail)
	require.True(t, ok)
	require.Equal(t, "Code: 1234", email.Body)
}
