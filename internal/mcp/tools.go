package mcp

import (
	"context"
	"fmt"

	"github.com/asdlc/coord/internal/config"
	"github.com/asdlc/coord/internal/model"
)

// identityHint is returned alongside identity failures so the caller knows
// exactly what to fix.
const identityHint = "Set CLAUDE_INSTANCE_ID to your session role, or configure git user.email to claude-<role>@asdlc.local."

type toolHandler func(s *Server, args map[string]interface{}) map[string]interface{}

var toolHandlers = map[string]toolHandler{
	"coord_publish_message":     (*Server).toolPublish,
	"coord_check_messages":      (*Server).toolCheckMessages,
	"coord_ack_message":         (*Server).toolAckMessage,
	"coord_get_presence":        (*Server).toolGetPresence,
	"coord_get_notifications":   (*Server).toolGetNotifications,
	"coord_register_presence":   (*Server).toolRegisterPresence,
	"coord_deregister_presence": (*Server).toolDeregisterPresence,
	"coord_heartbeat":           (*Server).toolHeartbeat,
}

// ============================================================================
// ARGUMENT HELPERS
// ============================================================================

func argString(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func argBool(args map[string]interface{}, key string, fallback bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return fallback
}

func argInt(args map[string]interface{}, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

func missingField(name string) map[string]interface{} {
	return map[string]interface{}{
		"success": false,
		"error":   "Missing required field: " + name,
	}
}

// ============================================================================
// TOOLS
// ============================================================================

func (s *Server) toolPublish(args map[string]interface{}) map[string]interface{} {
	if err := model.ValidateIdentity(s.identity); err != nil {
		return map[string]interface{}{
			"success": false,
			"error":   fmt.Sprintf("Cannot publish with identity %q", s.identity),
			"hint":    identityHint,
		}
	}

	rawType := argString(args, "msg_type")
	if rawType == "" {
		return missingField("msg_type")
	}
	typ, err := model.ParseType(rawType)
	if err != nil {
		return map[string]interface{}{
			"success":     false,
			"error":       "Invalid message type: " + rawType,
			"valid_types": model.ValidTypes(),
		}
	}
	subject := argString(args, "subject")
	if subject == "" {
		return missingField("subject")
	}
	description := argString(args, "description")
	if description == "" {
		return missingField("description")
	}
	to := argString(args, "to_instance")
	if to == "" {
		to = "orchestrator"
	}
	requiresAck := argBool(args, "requires_ack", true)

	b, err := s.broker()
	if err != nil {
		return failure(err)
	}
	msg, err := b.Publish(context.Background(), typ, subject, description, s.identity, to, requiresAck)
	if err != nil {
		return failure(err)
	}
	return map[string]interface{}{
		"success":      true,
		"message_id":   msg.ID,
		"type":         string(msg.Type),
		"from":         msg.From,
		"to":           msg.To,
		"timestamp":    model.FormatTimestamp(msg.CreatedAt),
		"requires_ack": msg.RequiresAck,
	}
}

func (s *Server) toolCheckMessages(args map[string]interface{}) map[string]interface{} {
	q := model.Query{
		To:          argString(args, "to_instance"),
		From:        argString(args, "from_instance"),
		PendingOnly: argBool(args, "pending_only", false),
		Limit:       argInt(args, "limit", 0),
	}
	if rawType := argString(args, "msg_type"); rawType != "" {
		typ, err := model.ParseType(rawType)
		if err != nil {
			return map[string]interface{}{
				"success":     false,
				"error":       "Invalid message type: " + rawType,
				"valid_types": model.ValidTypes(),
			}
		}
		q.Type = typ
	}
	if rawSince := argString(args, "since"); rawSince != "" {
		since, err := model.ParseTimestamp(rawSince)
		if err != nil {
			return map[string]interface{}{
				"success": false,
				"error":   "Invalid since timestamp: " + rawSince,
			}
		}
		q.Since = since
	}

	b, err := s.broker()
	if err != nil {
		return failure(err)
	}
	msgs, err := b.Query(context.Background(), q)
	if err != nil {
		return failure(err)
	}
	return map[string]interface{}{
		"success":  true,
		"count":    len(msgs),
		"messages": msgs,
	}
}

func (s *Server) toolAckMessage(args map[string]interface{}) map[string]interface{} {
	id := argString(args, "message_id")
	if id == "" {
		return missingField("message_id")
	}
	b, err := s.broker()
	if err != nil {
		return failure(err)
	}
	ok, err := b.Acknowledge(context.Background(), id, s.identity, argString(args, "comment"))
	if err != nil {
		return failure(err)
	}
	if !ok {
		return map[string]interface{}{
			"success": false,
			"error":   "Message not found: " + id,
		}
	}
	return map[string]interface{}{
		"success":    true,
		"message_id": id,
		"ack_by":     s.identity,
	}
}

func (s *Server) toolGetPresence(args map[string]interface{}) map[string]interface{} {
	b, err := s.broker()
	if err != nil {
		return failure(err)
	}
	presence, err := b.GetPresence(context.Background(), 0)
	if err != nil {
		return failure(err)
	}
	return map[string]interface{}{
		"success":   true,
		"instances": presence,
		"count":     len(presence),
	}
}

func (s *Server) toolGetNotifications(args map[string]interface{}) map[string]interface{} {
	limit := argInt(args, "limit", config.DefaultNotifyFetch)
	b, err := s.broker()
	if err != nil {
		return failure(err)
	}
	notifs, err := b.PopNotifications(context.Background(), s.identity, limit)
	if err != nil {
		return failure(err)
	}
	return map[string]interface{}{
		"success":       true,
		"count":         len(notifs),
		"notifications": notifs,
	}
}

func (s *Server) toolRegisterPresence(args map[string]interface{}) map[string]interface{} {
	role := argString(args, "role")
	if role == "" {
		return missingField("role")
	}
	sessionID := argString(args, "session_id")
	b, err := s.broker()
	if err != nil {
		return failure(err)
	}
	if err := b.Register(context.Background(), role, sessionID); err != nil {
		return failure(err)
	}
	result := map[string]interface{}{
		"success":       true,
		"role":          role,
		"registered_at": model.FormatTimestamp(nowUnix()),
	}
	if wt := argString(args, "worktree_path"); wt != "" {
		result["worktree_path"] = wt
	}
	if sessionID != "" {
		result["session_id"] = sessionID
	}
	return result
}

func (s *Server) toolDeregisterPresence(args map[string]interface{}) map[string]interface{} {
	role := argString(args, "role")
	if role == "" {
		return missingField("role")
	}
	b, err := s.broker()
	if err != nil {
		return failure(err)
	}
	if err := b.Unregister(context.Background(), role); err != nil {
		return failure(err)
	}
	return map[string]interface{}{
		"success": true,
		"role":    role,
	}
}

func (s *Server) toolHeartbeat(args map[string]interface{}) map[string]interface{} {
	role := argString(args, "role")
	if role == "" {
		return missingField("role")
	}
	b, err := s.broker()
	if err != nil {
		return failure(err)
	}
	if err := b.Heartbeat(context.Background(), role); err != nil {
		return failure(err)
	}
	return map[string]interface{}{
		"success":   true,
		"role":      role,
		"timestamp": model.FormatTimestamp(nowUnix()),
	}
}
