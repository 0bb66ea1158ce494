package model

import (
	"encoding/json"
	"fmt"
)

// wireMessage is the canonical JSON shape of an envelope. The sender and
// target travel as "from" and "to"; timestamps are ISO-8601 with a trailing
// Z at second resolution.
type wireMessage struct {
	ID           string  `json:"id"`
	Type         string  `json:"type"`
	From         string  `json:"from"`
	To           string  `json:"to"`
	Timestamp    string  `json:"timestamp"`
	RequiresAck  bool    `json:"requires_ack"`
	Acknowledged bool    `json:"acknowledged"`
	Payload      Payload `json:"payload"`
	AckBy        string  `json:"ack_by,omitempty"`
	AckTimestamp string  `json:"ack_timestamp,omitempty"`
	AckComment   string  `json:"ack_comment,omitempty"`
}

// MarshalJSON emits the canonical wire shape.
func (m *Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		ID:           m.ID,
		Type:         string(m.Type),
		From:         m.From,
		To:           m.To,
		Timestamp:    FormatTimestamp(m.CreatedAt),
		RequiresAck:  m.RequiresAck,
		Acknowledged: m.Acked,
		Payload:      m.Payload,
	}
	if m.hasAckStamp || m.Acked {
		w.AckBy = m.AckBy
		w.AckComment = m.AckComment
		if m.AckAt != 0 {
			w.AckTimestamp = FormatTimestamp(m.AckAt)
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses the wire shape, rejecting unknown type tags and
// malformed timestamps with typed errors.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	typ, err := ParseType(w.Type)
	if err != nil {
		return err
	}
	created, err := ParseTimestamp(w.Timestamp)
	if err != nil {
		return err
	}
	*m = Message{
		ID:          w.ID,
		Type:        typ,
		From:        w.From,
		To:          w.To,
		CreatedAt:   created,
		RequiresAck: w.RequiresAck,
		Acked:       w.Acknowledged,
		Payload:     w.Payload,
	}
	if w.AckBy != "" || w.AckTimestamp != "" || w.AckComment != "" {
		m.AckBy = w.AckBy
		m.AckComment = w.AckComment
		m.hasAckStamp = true
		if w.AckTimestamp != "" {
			at, err := ParseTimestamp(w.AckTimestamp)
			if err != nil {
				return err
			}
			m.AckAt = at
		}
	}
	return nil
}
