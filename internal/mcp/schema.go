package mcp

import (
	"time"

	"github.com/asdlc/coord/internal/model"
)

func nowUnix() int64 { return time.Now().Unix() }

type schemaObject = map[string]interface{}

func prop(typ, description string) schemaObject {
	return schemaObject{"type": typ, "description": description}
}

func objectSchema(properties schemaObject, required ...string) schemaObject {
	s := schemaObject{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// toolSchemas describes the eight coordination tools for tools/list.
func toolSchemas() []schemaObject {
	msgType := schemaObject{
		"type":        "string",
		"description": "Message type tag",
		"enum":        model.ValidTypes(),
	}
	return []schemaObject{
		{
			"name":        "coord_publish_message",
			"description": "Publish a typed coordination message to another instance (or 'all').",
			"inputSchema": objectSchema(schemaObject{
				"msg_type":     msgType,
				"subject":      prop("string", "Short subject line"),
				"description":  prop("string", "Free-text description"),
				"to_instance":  prop("string", "Target instance (default: orchestrator)"),
				"requires_ack": prop("boolean", "Whether the target must acknowledge (default: true)"),
			}, "msg_type", "subject", "description"),
		},
		{
			"name":        "coord_check_messages",
			"description": "Query coordination messages, newest first.",
			"inputSchema": objectSchema(schemaObject{
				"to_instance":   prop("string", "Only messages addressed to this instance"),
				"from_instance": prop("string", "Only messages from this sender"),
				"msg_type":      msgType,
				"pending_only":  prop("boolean", "Only messages awaiting acknowledgment"),
				"since":         prop("string", "ISO-8601 lower bound on creation time"),
				"limit":         prop("integer", "Maximum results (1-1000)"),
			}),
		},
		{
			"name":        "coord_ack_message",
			"description": "Acknowledge a message. Idempotent.",
			"inputSchema": objectSchema(schemaObject{
				"message_id": prop("string", "Envelope id (msg-<8hex>)"),
				"comment":    prop("string", "Optional acknowledgment comment"),
			}, "message_id"),
		},
		{
			"name":        "coord_get_presence",
			"description": "List known instances with derived active/stale state.",
			"inputSchema": objectSchema(schemaObject{}),
		},
		{
			"name":        "coord_get_notifications",
			"description": "Drain queued offline notifications for this instance, oldest first.",
			"inputSchema": objectSchema(schemaObject{
				"limit": prop("integer", "Maximum notifications to pop (default 100, cap 1000)"),
			}),
		},
		{
			"name":        "coord_register_presence",
			"description": "Register this session as active.",
			"inputSchema": objectSchema(schemaObject{
				"role":          prop("string", "Instance role or feature context"),
				"worktree_path": prop("string", "Worktree path, echoed back"),
				"session_id":    prop("string", "Optional session identifier"),
			}, "role"),
		},
		{
			"name":        "coord_deregister_presence",
			"description": "Mark this session inactive, preserving its last heartbeat.",
			"inputSchema": objectSchema(schemaObject{
				"role": prop("string", "Instance role or feature context"),
			}, "role"),
		},
		{
			"name":        "coord_heartbeat",
			"description": "Refresh this session's liveness heartbeat.",
			"inputSchema": objectSchema(schemaObject{
				"role": prop("string", "Instance role or feature context"),
			}, "role"),
		},
	}
}
