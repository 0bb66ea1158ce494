// Package model defines the typed message vocabulary shared by the broker,
// the tool host, the CLI, and the gates: the closed message-type set, the
// envelope, the notification event, the query filter, and the presence and
// stats records. It also owns the wire codec — the canonical JSON shape in
// which envelopes travel names the sender "from" and the target "to".
package model

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// TargetAll is the broadcast sentinel: a message addressed to TargetAll
// lands in every known instance's inbox.
const TargetAll = "all"

// IdentityUnknown is the one reserved identity value; it is rejected
// everywhere a sender is validated.
const IdentityUnknown = "unknown"

// MessageType tags a coordination message. The set is closed: unknown tags
// are rejected at every boundary, never passed through.
type MessageType string

const (
	TypeReadyForReview         MessageType = "READY_FOR_REVIEW"
	TypeReviewComplete         MessageType = "REVIEW_COMPLETE"
	TypeReviewFailed           MessageType = "REVIEW_FAILED"
	TypeContractChangeProposed MessageType = "CONTRACT_CHANGE_PROPOSED"
	TypeContractReviewNeeded   MessageType = "CONTRACT_REVIEW_NEEDED"
	TypeContractFeedback       MessageType = "CONTRACT_FEEDBACK"
	TypeContractApproved       MessageType = "CONTRACT_APPROVED"
	TypeContractRejected       MessageType = "CONTRACT_REJECTED"
	TypeMetaChangeRequest      MessageType = "META_CHANGE_REQUEST"
	TypeMetaChangeComplete     MessageType = "META_CHANGE_COMPLETE"
	TypeInterfaceUpdate        MessageType = "INTERFACE_UPDATE"
	TypeBlockingIssue          MessageType = "BLOCKING_ISSUE"
	TypeGeneral                MessageType = "GENERAL"
	TypeStatusUpdate           MessageType = "STATUS_UPDATE"
	TypeHeartbeat              MessageType = "HEARTBEAT"
	TypeNotification           MessageType = "NOTIFICATION"
)

// ValidTypes lists every accepted message type in declaration order; tool
// responses embed it when rejecting an unknown tag.
func ValidTypes() []string {
	return []string{
		string(TypeReadyForReview),
		string(TypeReviewComplete),
		string(TypeReviewFailed),
		string(TypeContractChangeProposed),
		string(TypeContractReviewNeeded),
		string(TypeContractFeedback),
		string(TypeContractApproved),
		string(TypeContractRejected),
		string(TypeMetaChangeRequest),
		string(TypeMetaChangeComplete),
		string(TypeInterfaceUpdate),
		string(TypeBlockingIssue),
		string(TypeGeneral),
		string(TypeStatusUpdate),
		string(TypeHeartbeat),
		string(TypeNotification),
	}
}

var validTypeSet = func() map[MessageType]struct{} {
	m := make(map[MessageType]struct{})
	for _, t := range ValidTypes() {
		m[MessageType(t)] = struct{}{}
	}
	return m
}()

// ErrInvalidType wraps every unknown-message-type rejection.
var ErrInvalidType = errors.New("invalid message type")

// ErrInvalidIdentity wraps every empty/"unknown" sender rejection.
var ErrInvalidIdentity = errors.New("invalid instance identity")

// ErrBadTimestamp wraps malformed timestamp rejections in the wire codec.
var ErrBadTimestamp = errors.New("malformed timestamp")

// ParseType validates a tag against the closed set.
func ParseType(tag string) (MessageType, error) {
	t := MessageType(tag)
	if _, ok := validTypeSet[t]; !ok {
		return "", fmt.Errorf("%w: %s", ErrInvalidType, tag)
	}
	return t, nil
}

// ValidateIdentity rejects the two identity values that must never appear
// as a sender: empty and the literal "unknown".
func ValidateIdentity(instance string) error {
	if instance == "" || instance == IdentityUnknown {
		return fmt.Errorf("%w: %q", ErrInvalidIdentity, instance)
	}
	return nil
}

// NewMessageID mints a fresh envelope id: "msg-" plus 8 hex characters
// drawn from a random UUID.
func NewMessageID() string {
	u := uuid.New()
	return "msg-" + hex.EncodeToString(u[:4])
}

// Payload is the subject/description pair every message carries.
type Payload struct {
	Subject     string `json:"subject"`
	Description string `json:"description"`
}

// Message is the full envelope as persisted and as exchanged on the wire.
// From/To serialize as "from"/"to". CreatedAt holds epoch seconds; the wire
// carries ISO-8601 with a trailing Z at second resolution.
type Message struct {
	ID          string
	Type        MessageType
	From        string
	To          string
	CreatedAt   int64
	RequiresAck bool
	Acked       bool
	Payload     Payload

	// Ack trio, set only after a successful acknowledgment.
	AckBy       string
	AckAt       int64
	AckComment  string
	hasAckStamp bool
}

// SetAck records the acknowledgment trio on the envelope.
func (m *Message) SetAck(by string, at int64, comment string) {
	m.Acked = true
	m.AckBy = by
	m.AckAt = at
	m.AckComment = comment
	m.hasAckStamp = true
}

// Notification is the compact projection of a publish, delivered on the
// live channel and queued in the offline list.
type Notification struct {
	Event       string `json:"event"`
	MessageID   string `json:"message_id"`
	Type        string `json:"type"`
	From        string `json:"from"`
	To          string `json:"to"`
	RequiresAck bool   `json:"requires_ack"`
	Timestamp   string `json:"timestamp"`
}

// EventMessagePublished is the only notification event kind.
const EventMessagePublished = "message_published"

// NotificationFor projects a published envelope into its notification event.
func NotificationFor(m *Message) Notification {
	return Notification{
		Event:       EventMessagePublished,
		MessageID:   m.ID,
		Type:        string(m.Type),
		From:        m.From,
		To:          m.To,
		RequiresAck: m.RequiresAck,
		Timestamp:   FormatTimestamp(m.CreatedAt),
	}
}

// Query filters check_messages. Zero values mean "no constraint"; Limit is
// clamped to [1,1000] by the broker.
type Query struct {
	To          string
	From        string
	Type        MessageType
	PendingOnly bool
	Since       int64
	Limit       int
}

// Presence is the derived liveness record for one instance. Active combines
// the stored flag with heartbeat freshness; Stale is inclusive at the
// threshold.
type Presence struct {
	Instance              string `json:"instance"`
	Active                bool   `json:"active"`
	Stale                 bool   `json:"stale"`
	LastHeartbeat         string `json:"last_heartbeat,omitempty"`
	SecondsSinceHeartbeat int64  `json:"seconds_since_heartbeat"`
	SessionID             string `json:"session_id,omitempty"`
}

// Stats summarizes broker state. Per-type counts traverse only the capped
// timeline, so envelopes evicted from the timeline are not counted.
type Stats struct {
	TotalMessages   int64            `json:"total_messages"`
	PendingAcks     int64            `json:"pending_acks"`
	ByType          map[string]int64 `json:"by_type"`
	ActiveInstances []string         `json:"active_instances"`
	ActiveCount     int              `json:"active_count"`
}

// ============================================================================
// TIMESTAMPS
// ============================================================================

const wireTimeLayout = "2006-01-02T15:04:05Z"

// FormatTimestamp renders epoch seconds as UTC ISO-8601 with a trailing Z.
func FormatTimestamp(epoch int64) string {
	return time.Unix(epoch, 0).UTC().Format(wireTimeLayout)
}

// ParseTimestamp accepts both the Z form and the numeric-offset form and
// returns epoch seconds.
func ParseTimestamp(s string) (int64, error) {
	if t, err := time.Parse(wireTimeLayout, s); err == nil {
		return t.Unix(), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.Unix(), nil
	}
	return 0, fmt.Errorf("%w: %q", ErrBadTimestamp, s)
}

// ============================================================================
// HASH CODEC — storage shape of the envelope
// ============================================================================

// Fields flattens the envelope into the string fields stored in its Redis
// hash. Booleans are stored as "1"/"0"; timestamps as epoch seconds.
func (m *Message) Fields() map[string]string {
	f := map[string]string{
		"id":           m.ID,
		"type":         string(m.Type),
		"from":         m.From,
		"to":           m.To,
		"created_at":   strconv.FormatInt(m.CreatedAt, 10),
		"requires_ack": boolField(m.RequiresAck),
		"acknowledged": boolField(m.Acked),
		"subject":      m.Payload.Subject,
		"description":  m.Payload.Description,
	}
	if m.Acked || m.hasAckStamp {
		f["ack_by"] = m.AckBy
		f["ack_at"] = strconv.FormatInt(m.AckAt, 10)
		f["ack_comment"] = m.AckComment
	}
	return f
}

// MessageFromFields rebuilds an envelope from its hash fields, validating
// the type tag and timestamps.
func MessageFromFields(f map[string]string) (*Message, error) {
	if len(f) == 0 {
		return nil, errors.New("empty message hash")
	}
	typ, err := ParseType(f["type"])
	if err != nil {
		return nil, err
	}
	created, err := strconv.ParseInt(f["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: created_at=%q", ErrBadTimestamp, f["created_at"])
	}
	m := &Message{
		ID:          f["id"],
		Type:        typ,
		From:        f["from"],
		To:          f["to"],
		CreatedAt:   created,
		RequiresAck: f["requires_ack"] == "1",
		Acked:       f["acknowledged"] == "1",
		Payload: Payload{
			Subject:     f["subject"],
			Description: f["description"],
		},
	}
	if by, ok := f["ack_by"]; ok {
		m.AckBy = by
		m.AckComment = f["ack_comment"]
		m.hasAckStamp = true
		if raw := f["ack_at"]; raw != "" {
			at, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: ack_at=%q", ErrBadTimestamp, raw)
			}
			m.AckAt = at
		}
	}
	return m, nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
