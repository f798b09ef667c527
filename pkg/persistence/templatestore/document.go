package templatestore

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/herald/pkg/autosave"
)

var (
	ErrEmptyTemplateID = errors.New("template id is empty")
	ErrUnknownChannel  = errors.New("unknown channel")
)

// Channel is a notification delivery channel a template can render for.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
	ChannelChat  Channel = "chat"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush, ChannelChat:
		return true
	}
	return false
}

type ChannelContent struct {
	Channel Channel `json:"channel" yaml:"channel"`
	Subject string  `json:"subject,omitempty" yaml:"subject,omitempty"`
	Body    string  `json:"body" yaml:"body"`
	Enabled bool    `json:"enabled" yaml:"enabled"`
}

// Document is the complete editor state of one notification template.
// Every autosave persists a whole Document, never a delta.
type Document struct {
	TemplateID string            `json:"template_id" yaml:"template_id"`
	Name       string            `json:"name" yaml:"name"`
	Channels   []ChannelContent  `json:"channels" yaml:"channels"`
	Variables  map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`
}

func (d Document) Validate() error {
	if strings.TrimSpace(d.TemplateID) == "" {
		return ErrEmptyTemplateID
	}
	for _, ch := range d.Channels {
		if !ch.Channel.Valid() {
			return errors.Wrapf(ErrUnknownChannel, "%q", ch.Channel)
		}
	}
	return nil
}

func (d Document) Channel(c Channel) (ChannelContent, bool) {
	for _, ch := range d.Channels {
		if ch.Channel == c {
			return ch, true
		}
	}
	return ChannelContent{}, false
}

// WithChannelBody returns a copy of d with the body of channel c replaced,
// adding an enabled channel entry if it does not exist yet.
func (d Document) WithChannelBody(c Channel, body string) Document {
	out := d
	out.Channels = make([]ChannelContent, len(d.Channels), len(d.Channels)+1)
	copy(out.Channels, d.Channels)
	for i := range out.Channels {
		if out.Channels[i].Channel == c {
			out.Channels[i].Body = body
			return out
		}
	}
	out.Channels = append(out.Channels, ChannelContent{Channel: c, Body: body, Enabled: true})
	return out
}

// ContentHash returns the autosave fingerprint of the document.
func (d Document) ContentHash() (string, error) {
	return autosave.JSONFingerprint(d)
}

// Revision is one persisted draft of a template.
type Revision struct {
	TemplateID  string   `json:"template_id" yaml:"template_id"`
	Revision    int64    `json:"revision" yaml:"revision"`
	ContentHash string   `json:"content_hash" yaml:"content_hash"`
	SavedAtMs   int64    `json:"saved_at_ms" yaml:"saved_at_ms"`
	Document    Document `json:"document" yaml:"document"`
}

// TemplateRecord is the listing view of a template.
type TemplateRecord struct {
	TemplateID  string `json:"template_id" yaml:"template_id"`
	Name        string `json:"name" yaml:"name"`
	Revision    int64  `json:"revision" yaml:"revision"`
	UpdatedAtMs int64  `json:"updated_at_ms" yaml:"updated_at_ms"`
}
