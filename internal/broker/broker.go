// Package broker implements the coordination broker client: typed message
// publish/query/acknowledge, the live-presence registry, and the offline
// notification queue, all backed by the shared datastore through the kv
// interfaces. Multi-structure write sequencing lives here; each individual
// mutation is an atomic datastore operation, and the relaxed invariants of
// the data model tolerate interleavings between concurrent clients.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/asdlc/coord/internal/config"
	"github.com/asdlc/coord/internal/kv"
	"github.com/asdlc/coord/internal/metrics"
	"github.com/asdlc/coord/internal/model"
)

// DefaultQueryLimit applies when a query does not constrain its result
// size; MaxQueryLimit is the hard cap.
const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// BackendError wraps a failed datastore operation. The broker never
// retries; the wire layer renders the message verbatim.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Client is the broker client for one session. The adapter handle and the
// identity are fixed at construction; a Client holds no other mutable state
// and is safe for concurrent use.
type Client struct {
	store  kv.Store
	pubsub kv.PubSub
	cfg    *config.Config
	id     string
	m      *metrics.Metrics

	// now is the clock; tests override it to pin timestamps.
	now func() int64
}

// New builds a broker client bound to the given identity. The identity must
// be valid — the broker refuses to publish on behalf of anyone else.
func New(store kv.Store, pubsub kv.PubSub, cfg *config.Config, identity string, m *metrics.Metrics) (*Client, error) {
	if err := model.ValidateIdentity(identity); err != nil {
		return nil, err
	}
	return &Client{
		store:  store,
		pubsub: pubsub,
		cfg:    cfg,
		id:     identity,
		m:      m,
		now:    func() int64 { return time.Now().Unix() },
	}, nil
}

// Identity returns the fixed caller identity this client publishes as.
func (c *Client) Identity() string { return c.id }

func (c *Client) backendErr(op string, err error) error {
	if c.m != nil {
		c.m.BackendFailures.WithLabelValues(op).Inc()
	}
	return &BackendError{Op: op, Err: err}
}

// ============================================================================
// PUBLISH
// ============================================================================

// Publish persists a new envelope and fans its notification event out to
// the target's live channel and offline queue. The mutation order is fixed:
// envelope hash, TTL, timeline, timeline trim, inbox, pending, fan-out. A
// failure surfaces immediately; partially applied state past the envelope
// write is benign (an envelope missing from the timeline is never returned
// by queries and expires with its TTL).
func (c *Client) Publish(ctx context.Context, typ model.MessageType, subject, description, from, to string, requiresAck bool) (*model.Message, error) {
	if err := model.ValidateIdentity(from); err != nil {
		return nil, err
	}
	if from != c.id {
		return nil, fmt.Errorf("%w: %q does not match client identity %q", model.ErrInvalidIdentity, from, c.id)
	}
	if _, err := model.ParseType(string(typ)); err != nil {
		return nil, err
	}
	if to == "" {
		to = model.TargetAll
	}

	id, err := c.freshID(ctx)
	if err != nil {
		return nil, err
	}

	nowSec := c.now()
	msg := &model.Message{
		ID:          id,
		Type:        typ,
		From:        from,
		To:          to,
		CreatedAt:   nowSec,
		RequiresAck: requiresAck,
		Payload:     model.Payload{Subject: subject, Description: description},
	}

	msgKey := c.cfg.MessageKey(id)
	if err := c.store.HSet(ctx, msgKey, msg.Fields()); err != nil {
		return nil, c.backendErr("publish.hset", err)
	}
	if err := c.store.Expire(ctx, msgKey, c.cfg.MessageTTL); err != nil {
		return nil, c.backendErr("publish.expire", err)
	}

	if err := c.store.ZAdd(ctx, c.cfg.TimelineKey(), float64(nowSec), id); err != nil {
		return nil, c.backendErr("publish.timeline", err)
	}
	if err := c.trimTimeline(ctx); err != nil {
		return nil, err
	}

	targets, err := c.inboxTargets(ctx, to)
	if err != nil {
		return nil, err
	}
	for _, t := range targets {
		if err := c.store.SAdd(ctx, c.cfg.InboxKey(t), id); err != nil {
			return nil, c.backendErr("publish.inbox", err)
		}
	}

	if requiresAck {
		if err := c.store.SAdd(ctx, c.cfg.PendingKey(), id); err != nil {
			return nil, c.backendErr("publish.pending", err)
		}
	}

	if err := c.fanOut(ctx, msg, targets); err != nil {
		return nil, err
	}

	if c.m != nil {
		c.m.PublishTotal.WithLabelValues(string(typ), to).Inc()
	}
	slog.Debug("Message published", "id", id, "type", typ, "from", from, "to", to)
	return msg, nil
}

// freshID mints a message id that no existing envelope uses. UUID-derived
// ids make a collision vanishingly rare; the existence probe keeps the
// uniqueness invariant even then.
func (c *Client) freshID(ctx context.Context) (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		id := model.NewMessageID()
		_, err := c.store.HGet(ctx, c.cfg.MessageKey(id), "id")
		if errors.Is(err, kv.ErrNotFound) {
			return id, nil
		}
		if err != nil {
			return "", c.backendErr("publish.id", err)
		}
	}
	return "", errors.New("could not mint a unique message id")
}

func (c *Client) trimTimeline(ctx context.Context) error {
	card, err := c.store.ZCard(ctx, c.cfg.TimelineKey())
	if err != nil {
		return c.backendErr("publish.trim", err)
	}
	excess := card - int64(c.cfg.TimelineMax)
	if excess <= 0 {
		return nil
	}
	if err := c.store.ZRemRangeByRank(ctx, c.cfg.TimelineKey(), 0, excess-1); err != nil {
		return c.backendErr("publish.trim", err)
	}
	return nil
}

// inboxTargets resolves the concrete inboxes a publish lands in. Broadcast
// fans out to every instance known to the presence hash at publish time.
func (c *Client) inboxTargets(ctx context.Context, to string) ([]string, error) {
	if to != model.TargetAll {
		return []string{to}, nil
	}
	fields, err := c.store.HGetAll(ctx, c.cfg.PresenceKey())
	if err != nil {
		return nil, c.backendErr("publish.targets", err)
	}
	seen := make(map[string]struct{})
	var targets []string
	for field := range fields {
		inst, _, ok := splitPresenceField(field)
		if !ok {
			continue
		}
		if _, dup := seen[inst]; dup {
			continue
		}
		seen[inst] = struct{}{}
		targets = append(targets, inst)
	}
	sort.Strings(targets)
	return targets, nil
}

// fanOut publishes the notification event on the target's live channel and
// appends it to each target inbox's offline queue. Both sides always
// happen: subscribed peers see it immediately, offline peers drain the
// queue at startup.
func (c *Client) fanOut(ctx context.Context, msg *model.Message, targets []string) error {
	event := model.NotificationFor(msg)
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	if err := c.pubsub.Publish(ctx, c.cfg.NotifyChannel(msg.To), string(payload)); err != nil {
		return c.backendErr("publish.notify", err)
	}

	queueTargets := targets
	if msg.To != model.TargetAll {
		queueTargets = []string{msg.To}
	}
	for _, t := range queueTargets {
		if err := c.store.RPush(ctx, c.cfg.NotifyQueueKey(t), string(payload)); err != nil {
			return c.backendErr("publish.queue", err)
		}
	}
	return nil
}

// ============================================================================
// READ PATH
// ============================================================================

// Get loads one envelope. A nil message with nil error means not-found
// (expired TTL or never written).
func (c *Client) Get(ctx context.Context, id string) (*model.Message, error) {
	fields, err := c.store.HGetAll(ctx, c.cfg.MessageKey(id))
	if err != nil {
		return nil, c.backendErr("get", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	msg, err := model.MessageFromFields(fields)
	if err != nil {
		return nil, fmt.Errorf("decode envelope %s: %w", id, err)
	}
	return msg, nil
}

// Query returns envelopes matching the filter, newest first by creation
// time with ties broken by id. Ids that resolve to expired envelopes are
// dropped silently.
func (c *Client) Query(ctx context.Context, q model.Query) ([]*model.Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}

	ids, err := c.candidateIDs(ctx, q)
	if err != nil {
		return nil, err
	}

	var out []*model.Message
	for _, id := range ids {
		msg, err := c.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if msg == nil {
			continue
		}
		if q.From != "" && msg.From != q.From {
			continue
		}
		if q.Type != "" && msg.Type != q.Type {
			continue
		}
		if q.Since > 0 && msg.CreatedAt < q.Since {
			continue
		}
		if q.PendingOnly && (!msg.RequiresAck || msg.Acked) {
			continue
		}
		out = append(out, msg)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	if c.m != nil {
		c.m.QueryTotal.Inc()
	}
	return out, nil
}

func (c *Client) candidateIDs(ctx context.Context, q model.Query) ([]string, error) {
	switch {
	case q.To != "":
		ids, err := c.store.SMembers(ctx, c.cfg.InboxKey(q.To))
		if err != nil {
			return nil, c.backendErr("query.inbox", err)
		}
		return ids, nil
	case q.PendingOnly:
		ids, err := c.store.SMembers(ctx, c.cfg.PendingKey())
		if err != nil {
			return nil, c.backendErr("query.pending", err)
		}
		return ids, nil
	default:
		ids, err := c.store.ZRangeDesc(ctx, c.cfg.TimelineKey(), 0, int64(c.cfg.TimelineMax)-1)
		if err != nil {
			return nil, c.backendErr("query.timeline", err)
		}
		return ids, nil
	}
}

// ============================================================================
// ACKNOWLEDGE
// ============================================================================

// Acknowledge marks an envelope acknowledged and removes it from the
// pending set. It is idempotent: acknowledging twice converges to the same
// envelope state and returns true both times. A missing envelope returns
// false, never an error.
func (c *Client) Acknowledge(ctx context.Context, id, ackBy, comment string) (bool, error) {
	fields, err := c.store.HGetAll(ctx, c.cfg.MessageKey(id))
	if err != nil {
		return false, c.backendErr("ack.get", err)
	}
	if len(fields) == 0 {
		if c.m != nil {
			c.m.AckTotal.WithLabelValues("not_found").Inc()
		}
		return false, nil
	}

	update := map[string]string{
		"acknowledged": "1",
		"ack_by":       ackBy,
		"ack_at":       strconv.FormatInt(c.now(), 10),
	}
	if comment != "" {
		update["ack_comment"] = comment
	}
	if err := c.store.HSet(ctx, c.cfg.MessageKey(id), update); err != nil {
		return false, c.backendErr("ack.hset", err)
	}
	// SRem on an absent member is a no-op, which is what makes repeated
	// acknowledgments safe.
	if err := c.store.SRem(ctx, c.cfg.PendingKey(), id); err != nil {
		return false, c.backendErr("ack.pending", err)
	}
	if c.m != nil {
		c.m.AckTotal.WithLabelValues("acked").Inc()
	}
	return true, nil
}

// ============================================================================
// PRESENCE
// ============================================================================

// Register marks an instance active with a fresh heartbeat, overwriting any
// prior registration.
func (c *Client) Register(ctx context.Context, instance, sessionID string) error {
	if err := model.ValidateIdentity(instance); err != nil {
		return err
	}
	fields := map[string]string{
		instance + ".active":         "1",
		instance + ".last_heartbeat": strconv.FormatInt(c.now(), 10),
	}
	if sessionID != "" {
		fields[instance+".session_id"] = sessionID
	}
	if err := c.store.HSet(ctx, c.cfg.PresenceKey(), fields); err != nil {
		return c.backendErr("register", err)
	}
	return nil
}

// Heartbeat refreshes the last-heartbeat field only. It does not flip an
// unregistered instance back to active; that takes a Register.
func (c *Client) Heartbeat(ctx context.Context, instance string) error {
	if err := model.ValidateIdentity(instance); err != nil {
		return err
	}
	fields := map[string]string{
		instance + ".last_heartbeat": strconv.FormatInt(c.now(), 10),
	}
	if err := c.store.HSet(ctx, c.cfg.PresenceKey(), fields); err != nil {
		return c.backendErr("heartbeat", err)
	}
	return nil
}

// Unregister clears the active flag and session id but preserves the last
// heartbeat for historical inspection.
func (c *Client) Unregister(ctx context.Context, instance string) error {
	if err := model.ValidateIdentity(instance); err != nil {
		return err
	}
	err := c.store.HDel(ctx, c.cfg.PresenceKey(),
		instance+".active", instance+".session_id")
	if err != nil {
		return c.backendErr("unregister", err)
	}
	return nil
}

// GetPresence returns the derived presence map. An instance is active only
// when its stored flag is set and its heartbeat is younger than the
// staleness threshold; staleness is inclusive at exactly the threshold. A
// missing heartbeat counts as infinitely stale (SecondsSinceHeartbeat -1).
func (c *Client) GetPresence(ctx context.Context, staleness time.Duration) (map[string]*model.Presence, error) {
	if staleness <= 0 {
		staleness = c.cfg.PresenceTimeout
	}
	fields, err := c.store.HGetAll(ctx, c.cfg.PresenceKey())
	if err != nil {
		return nil, c.backendErr("presence", err)
	}

	byInstance := make(map[string]map[string]string)
	for field, val := range fields {
		inst, name, ok := splitPresenceField(field)
		if !ok {
			continue
		}
		if byInstance[inst] == nil {
			byInstance[inst] = make(map[string]string)
		}
		byInstance[inst][name] = val
	}

	nowSec := c.now()
	out := make(map[string]*model.Presence, len(byInstance))
	for inst, f := range byInstance {
		p := &model.Presence{
			Instance:              inst,
			SessionID:             f["session_id"],
			SecondsSinceHeartbeat: -1,
			Stale:                 true,
		}
		if raw, ok := f["last_heartbeat"]; ok {
			hb, err := strconv.ParseInt(raw, 10, 64)
			if err == nil {
				age := nowSec - hb
				p.LastHeartbeat = model.FormatTimestamp(hb)
				p.SecondsSinceHeartbeat = age
				p.Stale = age >= int64(staleness/time.Second)
			}
		}
		p.Active = f["active"] == "1" && !p.Stale
		out[inst] = p
	}
	return out, nil
}

// splitPresenceField splits "<instance>.<field>" on the final dot so that
// instance tags containing dots still parse.
func splitPresenceField(field string) (instance, name string, ok bool) {
	i := strings.LastIndex(field, ".")
	if i <= 0 || i == len(field)-1 {
		return "", "", false
	}
	return field[:i], field[i+1:], true
}

// ============================================================================
// NOTIFICATIONS
// ============================================================================

// PopNotifications drains up to limit queued offline notifications for an
// instance, oldest first. A limit of zero returns empty without touching
// the list; anything above the hard cap is clamped.
func (c *Client) PopNotifications(ctx context.Context, instance string, limit int) ([]model.Notification, error) {
	if limit <= 0 {
		return []model.Notification{}, nil
	}
	if limit > config.MaxNotifyFetch {
		limit = config.MaxNotifyFetch
	}
	raw, err := c.store.LPop(ctx, c.cfg.NotifyQueueKey(instance), int64(limit))
	if err != nil {
		return nil, c.backendErr("notifications", err)
	}
	out := make([]model.Notification, 0, len(raw))
	for _, entry := range raw {
		var n model.Notification
		if err := json.Unmarshal([]byte(entry), &n); err != nil {
			slog.Warn("Dropping malformed notification", "instance", instance, "error", err)
			continue
		}
		out = append(out, n)
	}
	if c.m != nil {
		c.m.NotifyDrained.Add(float64(len(out)))
	}
	return out, nil
}

// SubscribeNotifications attaches a handler to an instance's live fan-out
// channel. Pass model.TargetAll for the broadcast channel. Returns an
// unsubscribe function.
func (c *Client) SubscribeNotifications(ctx context.Context, instance string, handler func(model.Notification)) (func(), error) {
	return c.pubsub.Subscribe(ctx, c.cfg.NotifyChannel(instance), func(payload string) {
		var n model.Notification
		if err := json.Unmarshal([]byte(payload), &n); err != nil {
			slog.Warn("Dropping malformed live notification", "instance", instance, "error", err)
			return
		}
		handler(n)
	})
}

// ============================================================================
// STATS
// ============================================================================

// Stats counts messages and presence. Per-type counts walk the capped
// timeline only, so envelopes retained by TTL but evicted from the timeline
// are not included.
func (c *Client) Stats(ctx context.Context) (*model.Stats, error) {
	total, err := c.store.ZCard(ctx, c.cfg.TimelineKey())
	if err != nil {
		return nil, c.backendErr("stats.timeline", err)
	}
	pendingIDs, err := c.store.SMembers(ctx, c.cfg.PendingKey())
	if err != nil {
		return nil, c.backendErr("stats.pending", err)
	}

	ids, err := c.store.ZRangeDesc(ctx, c.cfg.TimelineKey(), 0, int64(c.cfg.TimelineMax)-1)
	if err != nil {
		return nil, c.backendErr("stats.range", err)
	}
	byType := make(map[string]int64)
	for _, id := range ids {
		typ, err := c.store.HGet(ctx, c.cfg.MessageKey(id), "type")
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, c.backendErr("stats.type", err)
		}
		byType[typ]++
	}

	presence, err := c.GetPresence(ctx, 0)
	if err != nil {
		return nil, err
	}
	var active []string
	for inst, p := range presence {
		if p.Active {
			active = append(active, inst)
		}
	}
	sort.Strings(active)

	return &model.Stats{
		TotalMessages:   total,
		PendingAcks:     int64(len(pendingIDs)),
		ByType:          byType,
		ActiveInstances: active,
		ActiveCount:     len(active),
	}, nil
}
