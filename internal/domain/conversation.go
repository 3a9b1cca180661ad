package domain

import (
	"time"

	"github.com/google/uuid"
)

// ConversationSchemaVersion is written into every serialized conversation so the
// on-disk shape can be migrated later.
const ConversationSchemaVersion = 1

type Attachment struct {
	Name      string `json:"name"`
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url,omitempty"`
}

type Message struct {
	ID          string         `json:"id,omitempty"`
	Role        string         `json:"role" validate:"required"`
	Content     string         `json:"content"`
	CreatedAt   time.Time      `json:"createdAt"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type Conversation struct {
	ID        string    `json:"id" validate:"required,max=128"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages" validate:"dive"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Version   int       `json:"version"`
}

// NewConversation returns an empty conversation with a fresh id.
func NewConversation(title string) *Conversation {
	now := Now()
	return &Conversation{
		ID:        uuid.New().String(),
		Title:     title,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
		Version:   ConversationSchemaVersion,
	}
}

// Clone returns a deep copy so callers can keep editing their value while the
// sync layer holds on to the saved one.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		cp := m
		if m.Attachments != nil {
			cp.Attachments = append([]Attachment(nil), m.Attachments...)
		}
		if m.Metadata != nil {
			cp.Metadata = make(map[string]any, len(m.Metadata))
			for k, v := range m.Metadata {
				cp.Metadata[k] = v
			}
		}
		out.Messages[i] = cp
	}
	return &out
}

// AppendMessage adds a message and advances UpdatedAt.
func (c *Conversation) AppendMessage(role, content string) {
	now := Now()
	c.Messages = append(c.Messages, Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		CreatedAt: now,
	})
	c.Touch(now)
}

// Touch moves UpdatedAt forward to at, or one millisecond past the current
// value when at would not advance it.
func (c *Conversation) Touch(at time.Time) {
	at = Timestamp(at)
	if !at.After(c.UpdatedAt) {
		at = c.UpdatedAt.Add(time.Millisecond)
	}
	c.UpdatedAt = at
}

// Now is the current time at the precision conversations are compared at.
func Now() time.Time {
	return Timestamp(time.Now())
}

// Timestamp normalizes t to UTC milliseconds. Remote stores keep no finer
// precision, so every comparison happens at this resolution.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
