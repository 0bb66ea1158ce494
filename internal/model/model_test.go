package model

import (
	"encoding/json"
	"regexp"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTypeClosedSet(t *testing.T) {
	for _, tag := range ValidTypes() {
		typ, err := ParseType(tag)
		require.NoError(t, err)
		assert.Equal(t, tag, string(typ))
	}

	_, err := ParseType("INVALID_TYPE")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidType)

	_, err = ParseType("ready_for_review") // case matters
	assert.ErrorIs(t, err, ErrInvalidType)
}

func TestValidateIdentity(t *testing.T) {
	assert.NoError(t, ValidateIdentity("backend"))
	assert.NoError(t, ValidateIdentity("p11-guardrails"))
	assert.ErrorIs(t, ValidateIdentity(""), ErrInvalidIdentity)
	assert.ErrorIs(t, ValidateIdentity("unknown"), ErrInvalidIdentity)
}

func TestNewMessageIDShape(t *testing.T) {
	pattern := regexp.MustCompile(`^msg-[0-9a-f]{8}$`)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewMessageID()
		assert.Regexp(t, pattern, id)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestTimestampFormats(t *testing.T) {
	// The Z form and the offset form both parse; emission is always Z.
	epoch, err := ParseTimestamp("2026-03-01T12:30:45Z")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01T12:30:45Z", FormatTimestamp(epoch))

	offset, err := ParseTimestamp("2026-03-01T14:30:45+02:00")
	require.NoError(t, err)
	assert.Equal(t, epoch, offset)

	_, err = ParseTimestamp("not-a-timestamp")
	assert.ErrorIs(t, err, ErrBadTimestamp)
	_, err = ParseTimestamp("2026-03-01 12:30:45")
	assert.ErrorIs(t, err, ErrBadTimestamp)
}

func TestWireRoundTrip(t *testing.T) {
	msg := &Message{
		ID:          "msg-0a1b2c3d",
		Type:        TypeReadyForReview,
		From:        "backend",
		To:          "orchestrator",
		CreatedAt:   1767267045,
		RequiresAck: true,
		Payload:     Payload{Subject: "agent/P03-F02", Description: "Ready for review"},
	}

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	// The canonical field names appear on the wire.
	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "backend", raw["from"])
	assert.Equal(t, "orchestrator", raw["to"])
	assert.Equal(t, FormatTimestamp(msg.CreatedAt), raw["timestamp"])
	assert.NotContains(t, raw, "ack_by")

	var back Message
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, *msg, back)
}

func TestWireRoundTripWithAck(t *testing.T) {
	msg := &Message{
		ID:          "msg-deadbeef",
		Type:        TypeGeneral,
		From:        "frontend",
		To:          "backend",
		CreatedAt:   1767267045,
		RequiresAck: true,
	}
	msg.SetAck("backend", 1767267100, "ok")

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var back Message
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, back.Acked)
	assert.Equal(t, "backend", back.AckBy)
	assert.Equal(t, int64(1767267100), back.AckAt)
	assert.Equal(t, "ok", back.AckComment)
}

func TestWireRejectsUnknownType(t *testing.T) {
	var m Message
	err := json.Unmarshal([]byte(`{"id":"msg-00000000","type":"BOGUS","from":"a","to":"b","timestamp":"2026-03-01T12:30:45Z","payload":{"subject":"","description":""}}`), &m)
	assert.ErrorIs(t, err, ErrInvalidType)
}

func TestWireRejectsBadTimestamp(t *testing.T) {
	var m Message
	err := json.Unmarshal([]byte(`{"id":"msg-00000000","type":"GENERAL","from":"a","to":"b","timestamp":"yesterday","payload":{"subject":"","description":""}}`), &m)
	assert.ErrorIs(t, err, ErrBadTimestamp)
}

func TestHashFieldsRoundTrip(t *testing.T) {
	msg := &Message{
		ID:          "msg-11223344",
		Type:        TypeBlockingIssue,
		From:        "devops",
		To:          "all",
		CreatedAt:   1767267045,
		RequiresAck: true,
		Payload:     Payload{Subject: "ci", Description: "pipeline is red"},
	}

	back, err := MessageFromFields(msg.Fields())
	require.NoError(t, err)
	assert.Equal(t, msg, back)

	msg.SetAck("orchestrator", 1767267200, "")
	back, err = MessageFromFields(msg.Fields())
	require.NoError(t, err)
	assert.Equal(t, msg, back)
}

func TestMessageFromFieldsEmpty(t *testing.T) {
	_, err := MessageFromFields(nil)
	assert.Error(t, err)
}

func TestNotificationProjection(t *testing.T) {
	msg := &Message{
		ID:          "msg-aabbccdd",
		Type:        TypeContractApproved,
		From:        "pm",
		To:          "backend",
		CreatedAt:   1767267045,
		RequiresAck: true,
	}
	n := NotificationFor(msg)
	assert.Equal(t, EventMessagePublished, n.Event)
	assert.Equal(t, msg.ID, n.MessageID)
	assert.Equal(t, string(msg.Type), n.Type)
	assert.Equal(t, msg.From, n.From)
	assert.Equal(t, msg.To, n.To)
	assert.True(t, n.RequiresAck)
	assert.Equal(t, FormatTimestamp(msg.CreatedAt), n.Timestamp)
}

// genMessage builds arbitrary valid envelopes for the round-trip law.
func genMessage() gopter.Gen {
	types := ValidTypes()
	return gopter.CombineGens(
		gen.IntRange(0, len(types)-1),
		gen.Identifier(),
		gen.Identifier(),
		gen.Int64Range(0, 4102444800), // up to year 2100
		gen.Bool(),
		gen.AlphaString(),
		gen.AlphaString(),
	).Map(func(vals []interface{}) *Message {
		return &Message{
			ID:          NewMessageID(),
			Type:        MessageType(types[vals[0].(int)]),
			From:        vals[1].(string),
			To:          vals[2].(string),
			CreatedAt:   vals[3].(int64),
			RequiresAck: vals[4].(bool),
			Payload: Payload{
				Subject:     vals[5].(string),
				Description: vals[6].(string),
			},
		}
	})
}

func TestWireRoundTripProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("envelope → wire → envelope is identity", prop.ForAll(
		func(msg *Message) bool {
			data, err := json.Marshal(msg)
			if err != nil {
				return false
			}
			var back Message
			if err := json.Unmarshal(data, &back); err != nil {
				return false
			}
			return back == *msg
		},
		genMessage(),
	))

	properties.Property("hash fields round-trip", prop.ForAll(
		func(msg *Message) bool {
			back, err := MessageFromFields(msg.Fields())
			return err == nil && *back == *msg
		},
		genMessage(),
	))

	properties.TestingRun(t)
}
