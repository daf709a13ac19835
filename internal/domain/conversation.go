package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PartType tags one element of a structured message body.
type PartType string

const (
	PartText    PartType = "text"
	PartPairing PartType = "pairing"
	PartImage   PartType = "image"
)

// Part is one element of a Parts content.
type Part struct {
	Type PartType        `json:"type"`
	Text string          `json:"text,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Content is a tagged variant: either plain text or a list of parts.
// The zero value is empty text.
type Content struct {
	text    string
	parts   []Part
	isParts bool
}

// TextContent returns a Text variant.
func TextContent(s string) Content { return Content{text: s} }

// PartsContent returns a Parts variant. The slice is copied.
func PartsContent(parts ...Part) Content {
	cp := make([]Part, len(parts))
	copy(cp, parts)
	return Content{parts: cp, isParts: true}
}

// IsParts reports whether c is the Parts variant.
func (c Content) IsParts() bool { return c.isParts }

// Text returns the raw text of a Text variant and "" for Parts.
func (c Content) Text() string { return c.text }

// Parts returns a copy of the parts of a Parts variant.
func (c Content) Parts() []Part {
	if !c.isParts {
		return nil
	}
	cp := make([]Part, len(c.parts))
	copy(cp, c.parts)
	return cp
}

// FirstText returns the text of a Text variant, or the first non-empty text
// part of a Parts variant.
func (c Content) FirstText() string {
	if !c.isParts {
		return c.text
	}
	for _, p := range c.parts {
		if p.Type == PartText && p.Text != "" {
			return p.Text
		}
	}
	return ""
}

// Append returns c with s appended. Appending to Parts extends the last text
// part, or adds one.
func (c Content) Append(s string) Content {
	if !c.isParts {
		return Content{text: c.text + s}
	}
	parts := c.Parts()
	if n := len(parts); n > 0 && parts[n-1].Type == PartText {
		parts[n-1].Text += s
	} else {
		parts = append(parts, Part{Type: PartText, Text: s})
	}
	return Content{parts: parts, isParts: true}
}

// Equal reports whether both contents hold the same variant and value.
func (c Content) Equal(o Content) bool {
	if c.isParts != o.isParts {
		return false
	}
	if !c.isParts {
		return c.text == o.text
	}
	if len(c.parts) != len(o.parts) {
		return false
	}
	for i := range c.parts {
		a, b := c.parts[i], o.parts[i]
		if a.Type != b.Type || a.Text != b.Text || string(a.Data) != string(b.Data) {
			return false
		}
	}
	return true
}

type contentJSON struct {
	Text  *string `json:"text,omitempty"`
	Parts []Part  `json:"parts,omitempty"`
}

// MarshalJSON encodes Text as {"text":...} and Parts as {"parts":[...]}.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.isParts {
		parts := c.parts
		if parts == nil {
			parts = []Part{}
		}
		return json.Marshal(struct {
			Parts []Part `json:"parts"`
		}{parts})
	}
	t := c.text
	return json.Marshal(contentJSON{Text: &t})
}

// UnmarshalJSON accepts the object forms produced by MarshalJSON and a bare string.
func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = TextContent(s)
		return nil
	}
	var raw struct {
		Text  *string `json:"text"`
		Parts *[]Part `json:"parts"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("content: %w", err)
	}
	switch {
	case raw.Parts != nil:
		*c = PartsContent(*raw.Parts...)
	case raw.Text != nil:
		*c = TextContent(*raw.Text)
	default:
		*c = Content{}
	}
	return nil
}

// MessageKind marks messages with special lifecycle rules.
type MessageKind string

const (
	KindChat    MessageKind = ""
	KindPairing MessageKind = "pairing"
)

// ConversationMessage is one entry of the conversation log.
type ConversationMessage struct {
	ID        string      `json:"id"`
	Role      string      `json:"role"`
	Content   Content     `json:"content"`
	Kind      MessageKind `json:"kind,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Equal compares two messages field by field.
func (m ConversationMessage) Equal(o ConversationMessage) bool {
	return m.ID == o.ID && m.Role == o.Role && m.Kind == o.Kind &&
		m.CreatedAt.Equal(o.CreatedAt) && m.Content.Equal(o.Content)
}
