package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/herald/pkg/autosave"
	"github.com/go-go-golems/herald/pkg/persistence/templatestore"
)

const flushTimeout = 10 * time.Second

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFDF5")).Background(lipgloss.Color("62")).Padding(0, 1)
	channelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#AFAFAF")).MarginLeft(1)
	activeStyle  = lipgloss.NewStyle().Bold(true).Underline(true).Foreground(lipgloss.Color("#FFFDF5")).MarginLeft(1)
	savedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
)

var channelOrder = []templatestore.Channel{
	templatestore.ChannelEmail,
	templatestore.ChannelSMS,
	templatestore.ChannelPush,
	templatestore.ChannelChat,
}

// Editor is the subset of a session the terminal editor drives.
type Editor interface {
	TemplateID() string
	Document() templatestore.Document
	Update(doc templatestore.Document) error
	Flush(ctx context.Context) error
	Status() autosave.Status
}

type statusMsg autosave.Status

type flushedMsg struct{ err error }

// EditorModel edits one channel body at a time. Every keystroke that changes
// the text submits the whole document; saving is left to the session.
type EditorModel struct {
	editor   Editor
	statuses <-chan autosave.Status
	channel  templatestore.Channel
	textarea textarea.Model
	status   autosave.Status
	err      error
	quitting bool
	width    int
}

// NewEditorModel builds the model. statuses may be nil, in which case the
// status line only reflects flushes.
func NewEditorModel(editor Editor, statuses <-chan autosave.Status) EditorModel {
	ta := textarea.New()
	ta.Placeholder = "Message body..."
	ta.ShowLineNumbers = false
	ta.CharLimit = 0
	ta.SetHeight(12)
	ta.Focus()

	m := EditorModel{
		editor:   editor,
		statuses: statuses,
		channel:  templatestore.ChannelEmail,
		textarea: ta,
		status:   editor.Status(),
	}
	if doc := editor.Document(); len(doc.Channels) > 0 {
		m.channel = doc.Channels[0].Channel
	}
	m.loadChannel()
	return m
}

func (m *EditorModel) loadChannel() {
	content, _ := m.editor.Document().Channel(m.channel)
	m.textarea.SetValue(content.Body)
}

func (m EditorModel) Channel() templatestore.Channel { return m.channel }

func (m EditorModel) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, waitForStatus(m.statuses))
}

func (m EditorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.quitting = true
			return m, flush(m.editor)
		case "ctrl+s":
			return m, flush(m.editor)
		case "tab":
			m.channel = nextChannel(m.channel)
			m.loadChannel()
			return m, nil
		}
		before := m.textarea.Value()
		var cmd tea.Cmd
		m.textarea, cmd = m.textarea.Update(msg)
		if after := m.textarea.Value(); after != before {
			doc := m.editor.Document().WithChannelBody(m.channel, after)
			m.err = m.editor.Update(doc)
		}
		return m, cmd

	case statusMsg:
		m.status = autosave.Status(msg)
		return m, waitForStatus(m.statuses)

	case flushedMsg:
		m.err = msg.err
		m.status = m.editor.Status()
		if m.quitting {
			return m, tea.Quit
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.textarea.SetWidth(msg.Width - 2)
		if msg.Height > 8 {
			m.textarea.SetHeight(msg.Height - 6)
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.textarea, cmd = m.textarea.Update(msg)
	return m, cmd
}

func (m EditorModel) View() string {
	var tabs []string
	for _, c := range channelOrder {
		if c == m.channel {
			tabs = append(tabs, activeStyle.Render(string(c)))
		} else {
			tabs = append(tabs, channelStyle.Render(string(c)))
		}
	}
	header := lipgloss.JoinHorizontal(lipgloss.Top, titleStyle.Render(m.editor.TemplateID()), strings.Join(tabs, ""))
	footer := helpStyle.Render("tab: channel • ctrl+s: save now • esc: save and quit")
	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.textarea.View(),
		StatusLine(m.status, m.err),
		footer,
	)
}

// StatusLine renders the autosave indicator.
func StatusLine(st autosave.Status, err error) string {
	switch {
	case err != nil:
		return errorStyle.Render("error: " + err.Error())
	case st.Saving:
		return pendingStyle.Render("saving…")
	case st.LastError != nil:
		return errorStyle.Render("save failed: " + st.LastError.Error())
	case st.Pending:
		return pendingStyle.Render("unsaved changes")
	case !st.LastSavedAt.IsZero():
		return savedStyle.Render(fmt.Sprintf("saved %s", st.LastSavedAt.Format("15:04:05")))
	}
	return helpStyle.Render("no changes")
}

func nextChannel(c templatestore.Channel) templatestore.Channel {
	for i, v := range channelOrder {
		if v == c {
			return channelOrder[(i+1)%len(channelOrder)]
		}
	}
	return channelOrder[0]
}

func waitForStatus(ch <-chan autosave.Status) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		st, ok := <-ch
		if !ok {
			return nil
		}
		return statusMsg(st)
	}
}

func flush(e Editor) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		err := e.Flush(ctx)
		if err != nil {
			log.Warn().Err(err).Str("component", "ui").Str("template_id", e.TemplateID()).Msg("flush failed")
		}
		return flushedMsg{err: err}
	}
}

// Run starts the editor program in the terminal and blocks until the user
// quits. The last edit is flushed before Run returns.
func Run(ctx context.Context, editor Editor, statuses <-chan autosave.Status) error {
	p := tea.NewProgram(NewEditorModel(editor, statuses), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}
