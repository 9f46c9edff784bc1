// Package shape normalizes the JSON aggregates returned by the backing stores
// for joined relations. SQLite and PostgreSQL disagree on how a relation,
// a timestamp or a boolean is spelled; everything leaving this package has
// one fixed Go shape per field.
package shape

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"chatsync/internal/domain"
)

var null = []byte("null")

// Time accepts unix nanoseconds (SQLite INTEGER columns) or an RFC 3339
// string (PostgreSQL timestamptz rendered by json_build_object).
type Time struct {
	time.Time
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
}

func (t *Time) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, null) {
		t.Time = time.Time{}
		return nil
	}
	if b[0] != '"' {
		n, err := strconv.ParseInt(string(b), 10, 64)
		if err != nil {
			return fmt.Errorf("time %s: %w", b, err)
		}
		t.Time = time.Unix(0, n).UTC()
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		t.Time = time.Unix(0, n).UTC()
		return nil
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("time %q: unrecognized layout", s)
}

// Bool accepts JSON booleans and the 0/1 integers SQLite emits.
type Bool bool

func (v *Bool) UnmarshalJSON(b []byte) error {
	switch string(bytes.TrimSpace(b)) {
	case "true", "1", `"t"`, `"true"`:
		*v = true
	case "false", "0", "null", `"f"`, `"false"`:
		*v = false
	default:
		return fmt.Errorf("bool: unexpected %s", b)
	}
	return nil
}

// One decodes a to-one relation that may arrive as an object, a one-element
// array, an empty array or null. Absent relations decode to nil.
func One[T any](raw []byte) (*T, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, null) {
		return nil, nil
	}
	if raw[0] == '[' {
		var items []T
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("decode relation list: %w", err)
		}
		switch len(items) {
		case 0:
			return nil, nil
		case 1:
			return &items[0], nil
		default:
			return nil, fmt.Errorf("decode relation: expected at most one row, got %d", len(items))
		}
	}
	var item T
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("decode relation object: %w", err)
	}
	return &item, nil
}

// Many decodes a to-many relation that may arrive as an array, a single
// object or null. Absent relations decode to an empty, non-nil slice.
func Many[T any](raw []byte) ([]T, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, null) {
		return []T{}, nil
	}
	if raw[0] == '{' {
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("decode relation object: %w", err)
		}
		return []T{item}, nil
	}
	items := []T{}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode relation list: %w", err)
	}
	return items, nil
}

// ParticipantRow is the wire shape of one participant in an aggregate.
type ParticipantRow struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	JoinedAt       Time   `json:"joined_at"`
	LastReadAt     *Time  `json:"last_read_at"`
}

func (r ParticipantRow) Domain(conversationID string) domain.Participant {
	p := domain.Participant{
		ConversationID: r.ConversationID,
		UserID:         r.UserID,
		JoinedAt:       r.JoinedAt.Time,
	}
	if p.ConversationID == "" {
		p.ConversationID = conversationID
	}
	if r.LastReadAt != nil && !r.LastReadAt.IsZero() {
		t := r.LastReadAt.Time
		p.LastReadAt = &t
	}
	return p
}

// MessageRow is the wire shape of a message in an aggregate.
type MessageRow struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Content        string `json:"content"`
	CreatedAt      Time   `json:"created_at"`
	IsEdited       Bool   `json:"is_edited"`
}

func (r MessageRow) Domain() *domain.Message {
	return &domain.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		Content:        r.Content,
		CreatedAt:      r.CreatedAt.Time,
		IsEdited:       bool(r.IsEdited),
	}
}

// Relations attaches the decoded participant and last-message aggregates to
// c. Participants are sorted by user id.
func Relations(c *domain.Conversation, participantsRaw, lastMessageRaw []byte) error {
	rows, err := Many[ParticipantRow](participantsRaw)
	if err != nil {
		return fmt.Errorf("participants of %s: %w", c.ID, err)
	}
	c.Participants = make([]domain.Participant, 0, len(rows))
	for _, r := range rows {
		c.Participants = append(c.Participants, r.Domain(c.ID))
	}
	sort.Slice(c.Participants, func(i, j int) bool {
		return c.Participants[i].UserID < c.Participants[j].UserID
	})

	last, err := One[MessageRow](lastMessageRaw)
	if err != nil {
		return fmt.Errorf("last message of %s: %w", c.ID, err)
	}
	c.LastMessage = nil
	if last != nil && last.ID != "" {
		c.LastMessage = last.Domain()
	}
	return nil
}
