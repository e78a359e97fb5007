package proto

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Role identifies the sender side of an A2A message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Part kinds carried in an A2A message.
const (
	PartKindText = "text"
	PartKindData = "data"
)

// Part is one tagged segment of an A2A message body.
// Concrete variants are TextPart and DataPart; unknown vendor fields
// survive round-trips in the Extensions map.
type Part interface {
	PartKind() string
}

// TextPart carries plain text.
type TextPart struct {
	Text       string         `json:"text"`
	Extensions map[string]any `json:"-"`
}

func (TextPart) PartKind() string { return PartKindText }

// DataPart carries an arbitrary structured payload.
type DataPart struct {
	Data       map[string]any `json:"data"`
	Extensions map[string]any `json:"-"`
}

func (DataPart) PartKind() string { return PartKindData }

// IsTextPart narrows a Part to a TextPart.
func IsTextPart(p Part) (TextPart, bool) {
	tp, ok := p.(TextPart)
	return tp, ok
}

// IsDataPart narrows a Part to a DataPart.
func IsDataPart(p Part) (DataPart, bool) {
	dp, ok := p.(DataPart)
	return dp, ok
}

// Message is the A2A message envelope ({kind:"message"}).
type Message struct {
	Kind      string `json:"kind"`
	Role      Role   `json:"role"`
	MessageID string `json:"messageID"`
	Parts     []Part `json:"parts"`
}

// NewTextMessage builds a single-part text message with a fresh message ID.
func NewTextMessage(role Role, text string) *Message {
	return &Message{
		Kind:      "message",
		Role:      role,
		MessageID: uuid.New().String(),
		Parts:     []Part{TextPart{Text: text}},
	}
}

// Text concatenates the text of all text parts.
func (m *Message) Text() string {
	out := ""
	for _, part := range m.Parts {
		if tp, ok := IsTextPart(part); ok {
			if out != "" {
				out += "\n"
			}
			out += tp.Text
		}
	}
	return out
}

// partEnvelope is the wire shape shared by all part variants.
type partEnvelope struct {
	Kind string         `json:"kind"`
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// MarshalJSON writes parts in their tagged wire form.
func (m *Message) MarshalJSON() ([]byte, error) {
	type alias struct {
		Kind      string         `json:"kind"`
		Role      Role           `json:"role"`
		MessageID string         `json:"messageID"`
		Parts     []partEnvelope `json:"parts"`
	}
	out := alias{Kind: m.Kind, Role: m.Role, MessageID: m.MessageID}
	for _, part := range m.Parts {
		switch p := part.(type) {
		case TextPart:
			out.Parts = append(out.Parts, partEnvelope{Kind: PartKindText, Text: p.Text})
		case DataPart:
			out.Parts = append(out.Parts, partEnvelope{Kind: PartKindData, Data: p.Data})
		default:
			return nil, fmt.Errorf("unknown part kind %T", part)
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads parts back into their tagged variants. Unknown part
// kinds are preserved as data parts so vendor extensions are not dropped.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias struct {
		Kind      string            `json:"kind"`
		Role      Role              `json:"role"`
		MessageID string            `json:"messageID"`
		Parts     []json.RawMessage `json:"parts"`
	}
	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	m.Kind = raw.Kind
	m.Role = raw.Role
	m.MessageID = raw.MessageID
	m.Parts = m.Parts[:0]

	for _, rawPart := range raw.Parts {
		var env partEnvelope
		if err := json.Unmarshal(rawPart, &env); err != nil {
			return fmt.Errorf("unmarshal part: %w", err)
		}

		// Unknown fields ride along in Extensions.
		var extra map[string]any
		if err := json.Unmarshal(rawPart, &extra); err != nil {
			return fmt.Errorf("unmarshal part extensions: %w", err)
		}
		delete(extra, "kind")
		delete(extra, "text")
		delete(extra, "data")
		if len(extra) == 0 {
			extra = nil
		}

		switch env.Kind {
		case PartKindText:
			m.Parts = append(m.Parts, TextPart{Text: env.Text, Extensions: extra})
		default:
			data := env.Data
			if data == nil {
				data = map[string]any{}
			}
			m.Parts = append(m.Parts, DataPart{Data: data, Extensions: extra})
		}
	}
	return nil
}

// MessageSendParams is the params object of a message/send call.
type MessageSendParams struct {
	Message *Message `json:"message"`
}
