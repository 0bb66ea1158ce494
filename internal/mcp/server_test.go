package mcp

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asdlc/coord/internal/broker"
	"github.com/asdlc/coord/internal/config"
	"github.com/asdlc/coord/internal/kv"
)

func testFactory(t *testing.T, identity string) BrokerFactory {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	store := kv.NewRedisStoreFromClient(rdb)
	cfg := &config.Config{
		KeyPrefix:       "coord",
		MessageTTL:      30 * 24 * time.Hour,
		PresenceTimeout: 5 * time.Minute,
		TimelineMax:     1000,
	}
	return func() (*broker.Client, error) {
		return broker.New(store, store, cfg, identity, nil)
	}
}

// serve feeds newline-joined request lines through the host and returns one
// decoded response per output line.
func serve(t *testing.T, s *Server, lines ...string) []map[string]interface{} {
	t.Helper()
	in := strings.NewReader(strings.Join(lines, "\n") + "\n")
	var out bytes.Buffer
	require.NoError(t, s.Serve(in, &out))

	var responses []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var resp map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &resp), "line %q", line)
		responses = append(responses, resp)
	}
	return responses
}

// toolResult unwraps the text content block of a tools/call response.
func toolResult(t *testing.T, resp map[string]interface{}) map[string]interface{} {
	t.Helper()
	result, ok := resp["result"].(map[string]interface{})
	require.True(t, ok, "response has no result: %v", resp)
	content, ok := result["content"].([]interface{})
	require.True(t, ok)
	require.Len(t, content, 1)
	block := content[0].(map[string]interface{})
	assert.Equal(t, "text", block["type"])

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(block["text"].(string)), &payload))
	return payload
}

func callLine(id int, tool string, args map[string]interface{}) string {
	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "tools/call",
		"params":  map[string]interface{}{"name": tool, "arguments": args},
	}
	data, _ := json.Marshal(req)
	return string(data)
}

func TestInitializeHandshake(t *testing.T) {
	s := NewServer("backend", testFactory(t, "backend"))
	responses := serve(t, s,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
	)
	// The initialized notification produces no response line.
	require.Len(t, responses, 1)
	result := responses[0]["result"].(map[string]interface{})
	assert.Equal(t, "2024-11-05", result["protocolVersion"])
	info := result["serverInfo"].(map[string]interface{})
	assert.Equal(t, "coord-broker", info["name"])
}

func TestToolsListWithoutDatastore(t *testing.T) {
	// Listing tools must not open the datastore.
	s := NewServer("backend", func() (*broker.Client, error) {
		t.Fatal("factory invoked for tools/list")
		return nil, nil
	})
	responses := serve(t, s, `{"jsonrpc":"2.0","id":7,"method":"tools/list"}`)
	require.Len(t, responses, 1)
	result := responses[0]["result"].(map[string]interface{})
	tools := result["tools"].([]interface{})
	require.Len(t, tools, 8)

	names := make(map[string]bool)
	for _, tl := range tools {
		names[tl.(map[string]interface{})["name"].(string)] = true
	}
	for _, want := range []string{
		"coord_publish_message", "coord_check_messages", "coord_ack_message",
		"coord_get_presence", "coord_get_notifications", "coord_register_presence",
		"coord_deregister_presence", "coord_heartbeat",
	} {
		assert.True(t, names[want], "missing tool %s", want)
	}
}

func TestUnknownMethod(t *testing.T) {
	s := NewServer("backend", testFactory(t, "backend"))
	responses := serve(t, s, `{"jsonrpc":"2.0","id":2,"method":"resources/list"}`)
	require.Len(t, responses, 1)
	rpcErr := responses[0]["error"].(map[string]interface{})
	assert.Equal(t, float64(-32601), rpcErr["code"])
	assert.Contains(t, rpcErr["message"], "resources/list")
}

func TestUnknownTool(t *testing.T) {
	s := NewServer("backend", testFactory(t, "backend"))
	responses := serve(t, s, callLine(3, "coord_bogus", nil))
	require.Len(t, responses, 1)
	rpcErr := responses[0]["error"].(map[string]interface{})
	assert.Equal(t, float64(-32601), rpcErr["code"])
}

func TestMalformedLineSkipped(t *testing.T) {
	s := NewServer("backend", testFactory(t, "backend"))
	responses := serve(t, s,
		`this is not json`,
		``,
		`{"jsonrpc":"2.0","id":4,"method":"tools/list"}`,
	)
	// Only the well-formed request gets a response; the host keeps serving.
	require.Len(t, responses, 1)
	assert.Equal(t, float64(4), responses[0]["id"])
}

func TestPublishCheckAckFlow(t *testing.T) {
	s := NewServer("backend", testFactory(t, "backend"))

	responses := serve(t, s,
		callLine(1, "coord_publish_message", map[string]interface{}{
			"msg_type":    "READY_FOR_REVIEW",
			"subject":     "agent/P03-F02",
			"description": "Ready for review",
		}),
	)
	require.Len(t, responses, 1)
	pub := toolResult(t, responses[0])
	require.Equal(t, true, pub["success"], "publish failed: %v", pub["error"])
	msgID := pub["message_id"].(string)
	assert.Regexp(t, `^msg-[0-9a-f]{8}$`, msgID)
	assert.Equal(t, "backend", pub["from"])
	assert.Equal(t, "orchestrator", pub["to"], "target defaults to orchestrator")
	assert.Equal(t, true, pub["requires_ack"], "requires_ack defaults to true")

	responses = serve(t, s,
		callLine(2, "coord_check_messages", map[string]interface{}{
			"to_instance":  "orchestrator",
			"pending_only": true,
		}),
		callLine(3, "coord_ack_message", map[string]interface{}{
			"message_id": msgID,
			"comment":    "looks good",
		}),
		callLine(4, "coord_check_messages", map[string]interface{}{
			"pending_only": true,
		}),
	)
	require.Len(t, responses, 3)

	check := toolResult(t, responses[0])
	assert.Equal(t, true, check["success"])
	assert.Equal(t, float64(1), check["count"])
	msgs := check["messages"].([]interface{})
	first := msgs[0].(map[string]interface{})
	assert.Equal(t, msgID, first["id"])
	assert.Equal(t, "backend", first["from"])

	ack := toolResult(t, responses[1])
	assert.Equal(t, true, ack["success"])
	assert.Equal(t, "backend", ack["ack_by"])

	after := toolResult(t, responses[2])
	assert.Equal(t, float64(0), after["count"])
}

func TestPublishInvalidType(t *testing.T) {
	s := NewServer("backend", testFactory(t, "backend"))
	responses := serve(t, s, callLine(1, "coord_publish_message", map[string]interface{}{
		"msg_type":    "NOT_A_TYPE",
		"subject":     "s",
		"description": "d",
	}))
	result := toolResult(t, responses[0])
	assert.Equal(t, false, result["success"])
	assert.Equal(t, "Invalid message type: NOT_A_TYPE", result["error"])
	valid := result["valid_types"].([]interface{})
	assert.Len(t, valid, 16)
	assert.Contains(t, valid, "GENERAL")
}

func TestPublishMissingFields(t *testing.T) {
	s := NewServer("backend", testFactory(t, "backend"))
	responses := serve(t, s,
		callLine(1, "coord_publish_message", map[string]interface{}{
			"subject": "s", "description": "d",
		}),
		callLine(2, "coord_publish_message", map[string]interface{}{
			"msg_type": "GENERAL", "description": "d",
		}),
	)
	r1 := toolResult(t, responses[0])
	assert.Equal(t, "Missing required field: msg_type", r1["error"])
	r2 := toolResult(t, responses[1])
	assert.Equal(t, "Missing required field: subject", r2["error"])
}

func TestAckMissingMessage(t *testing.T) {
	s := NewServer("backend", testFactory(t, "backend"))
	responses := serve(t, s, callLine(1, "coord_ack_message", map[string]interface{}{
		"message_id": "msg-00000000",
	}))
	result := toolResult(t, responses[0])
	assert.Equal(t, false, result["success"])
	assert.Equal(t, "Message not found: msg-00000000", result["error"])
}

func TestPresenceLifecycleTools(t *testing.T) {
	s := NewServer("backend", testFactory(t, "backend"))
	responses := serve(t, s,
		callLine(1, "coord_register_presence", map[string]interface{}{
			"role":       "backend",
			"session_id": "sess-42",
		}),
		callLine(2, "coord_heartbeat", map[string]interface{}{"role": "backend"}),
		callLine(3, "coord_get_presence", nil),
		callLine(4, "coord_deregister_presence", map[string]interface{}{"role": "backend"}),
		callLine(5, "coord_get_presence", nil),
	)
	require.Len(t, responses, 5)

	reg := toolResult(t, responses[0])
	assert.Equal(t, true, reg["success"])
	assert.Equal(t, "sess-42", reg["session_id"])

	hb := toolResult(t, responses[1])
	assert.Equal(t, true, hb["success"])

	pres := toolResult(t, responses[2])
	instances := pres["instances"].(map[string]interface{})
	backend := instances["backend"].(map[string]interface{})
	assert.Equal(t, true, backend["active"])

	dereg := toolResult(t, responses[3])
	assert.Equal(t, true, dereg["success"])

	after := toolResult(t, responses[4])
	instances = after["instances"].(map[string]interface{})
	backend = instances["backend"].(map[string]interface{})
	assert.Equal(t, false, backend["active"], "deregister clears the active flag")
}

func TestNotificationsDrain(t *testing.T) {
	factory := testFactory(t, "backend")
	s := NewServer("backend", factory)

	// Publish to ourselves so our own offline queue fills.
	responses := serve(t, s,
		callLine(1, "coord_publish_message", map[string]interface{}{
			"msg_type":    "GENERAL",
			"subject":     "ping",
			"description": "self note",
			"to_instance": "backend",
		}),
		callLine(2, "coord_get_notifications", nil),
		callLine(3, "coord_get_notifications", nil),
	)
	require.Len(t, responses, 3)

	drain := toolResult(t, responses[1])
	assert.Equal(t, true, drain["success"])
	assert.Equal(t, float64(1), drain["count"])

	again := toolResult(t, responses[2])
	assert.Equal(t, float64(0), again["count"], "drain is destructive")
}

func TestPresenceToolsRejectReservedRoleWithHint(t *testing.T) {
	s := NewServer("backend", testFactory(t, "backend"))
	responses := serve(t, s,
		callLine(1, "coord_register_presence", map[string]interface{}{"role": "unknown"}),
		callLine(2, "coord_heartbeat", map[string]interface{}{"role": "unknown"}),
		callLine(3, "coord_deregister_presence", map[string]interface{}{"role": "unknown"}),
	)
	require.Len(t, responses, 3)
	for i, resp := range responses {
		result := toolResult(t, resp)
		assert.Equal(t, false, result["success"], "call %d", i+1)
		assert.Contains(t, result["error"], "identity", "call %d", i+1)
		assert.Contains(t, result["hint"], "CLAUDE_INSTANCE_ID", "call %d", i+1)
	}
}

func TestPublishBlockedWithoutIdentity(t *testing.T) {
	s := NewServer("unknown", testFactory(t, "backend"))
	responses := serve(t, s, callLine(1, "coord_publish_message", map[string]interface{}{
		"msg_type":    "GENERAL",
		"subject":     "s",
		"description": "d",
	}))
	result := toolResult(t, responses[0])
	assert.Equal(t, false, result["success"])
	assert.Contains(t, result["error"], `"unknown"`)
	assert.Contains(t, result["hint"], "CLAUDE_INSTANCE_ID")
}
