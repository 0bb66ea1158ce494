// coord-cli is the command-line wrapper over the coordination broker. It
// speaks to the same Redis structures as the tool host and honors the same
// identity contract; output is JSON on stdout so scripts can consume it.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/asdlc/coord/internal/broker"
	"github.com/asdlc/coord/internal/config"
	"github.com/asdlc/coord/internal/identity"
	"github.com/asdlc/coord/internal/kv"
	"github.com/asdlc/coord/internal/model"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "publish":
		run(cmdPublish)
	case "messages":
		run(cmdMessages)
	case "ack":
		run(cmdAck)
	case "presence":
		run(cmdPresence)
	case "notifications":
		run(cmdNotifications)
	case "register":
		run(cmdRegister)
	case "deregister":
		run(cmdDeregister)
	case "heartbeat":
		run(cmdHeartbeat)
	case "stats":
		run(cmdStats)
	case "watch":
		run(cmdWatch)
	case "version":
		fmt.Printf("coord-cli v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Coordination broker CLI v` + version + `

Usage: coord-cli <command> [flags]

Commands:
  publish        Publish a typed message
  messages       Query messages (newest first)
  ack            Acknowledge a message
  presence       Show instance presence
  notifications  Drain queued offline notifications
  register       Register presence for this instance
  deregister     Deregister presence
  heartbeat      Refresh the liveness heartbeat
  stats          Show broker statistics
  watch          Stream live notifications for this instance
  version        Print version

Environment:
  CLAUDE_INSTANCE_ID              Caller identity override
  REDIS_HOST / REDIS_PORT / REDIS_DB   Datastore endpoint
  COORD_KEY_PREFIX                Key root (default "coord")`)
}

// run wires up identity, config, and the broker client, then hands off.
func run(cmd func(ctx context.Context, b *broker.Client, args []string) error) {
	ctx := context.Background()
	id, err := identity.Resolve(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "identity resolution failed:", err)
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}
	store, err := kv.NewRedisStore(cfg.Addr(), cfg.RedisDB)
	if err != nil {
		fmt.Fprintln(os.Stderr, "datastore error:", err)
		os.Exit(1)
	}
	defer store.Close()

	b, err := broker.New(store, store, cfg, id, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cmd(ctx, b, os.Args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cmdPublish(ctx context.Context, b *broker.Client, args []string) error {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	msgType := fs.String("type", "", "message type (required)")
	subject := fs.String("subject", "", "subject line (required)")
	description := fs.String("description", "", "description (required)")
	to := fs.String("to", "orchestrator", "target instance or 'all'")
	requiresAck := fs.Bool("ack", true, "require acknowledgment")
	fs.Parse(args)

	if *msgType == "" || *subject == "" || *description == "" {
		return fmt.Errorf("publish requires -type, -subject, and -description")
	}
	typ, err := model.ParseType(*msgType)
	if err != nil {
		return fmt.Errorf("%v (valid types: %v)", err, model.ValidTypes())
	}
	msg, err := b.Publish(ctx, typ, *subject, *description, b.Identity(), *to, *requiresAck)
	if err != nil {
		return err
	}
	return printJSON(msg)
}

func cmdMessages(ctx context.Context, b *broker.Client, args []string) error {
	fs := flag.NewFlagSet("messages", flag.ExitOnError)
	to := fs.String("to", "", "only messages addressed to this instance")
	from := fs.String("from", "", "only messages from this sender")
	msgType := fs.String("type", "", "only this message type")
	pending := fs.Bool("pending", false, "only messages awaiting acknowledgment")
	since := fs.String("since", "", "ISO-8601 creation time lower bound")
	limit := fs.Int("limit", 0, "maximum results (1-1000)")
	fs.Parse(args)

	q := model.Query{To: *to, From: *from, PendingOnly: *pending, Limit: *limit}
	if *msgType != "" {
		typ, err := model.ParseType(*msgType)
		if err != nil {
			return err
		}
		q.Type = typ
	}
	if *since != "" {
		ts, err := model.ParseTimestamp(*since)
		if err != nil {
			return err
		}
		q.Since = ts
	}
	msgs, err := b.Query(ctx, q)
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{"count": len(msgs), "messages": msgs})
}

func cmdAck(ctx context.Context, b *broker.Client, args []string) error {
	fs := flag.NewFlagSet("ack", flag.ExitOnError)
	id := fs.String("id", "", "message id (required)")
	comment := fs.String("comment", "", "optional comment")
	fs.Parse(args)

	if *id == "" {
		return fmt.Errorf("ack requires -id")
	}
	ok, err := b.Acknowledge(ctx, *id, b.Identity(), *comment)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("message not found: %s", *id)
	}
	return printJSON(map[string]interface{}{"acknowledged": *id, "ack_by": b.Identity()})
}

func cmdPresence(ctx context.Context, b *broker.Client, args []string) error {
	presence, err := b.GetPresence(ctx, 0)
	if err != nil {
		return err
	}
	return printJSON(presence)
}

func cmdNotifications(ctx context.Context, b *broker.Client, args []string) error {
	fs := flag.NewFlagSet("notifications", flag.ExitOnError)
	limit := fs.Int("limit", config.DefaultNotifyFetch, "maximum notifications to pop")
	fs.Parse(args)

	notifs, err := b.PopNotifications(ctx, b.Identity(), *limit)
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{"count": len(notifs), "notifications": notifs})
}

func cmdRegister(ctx context.Context, b *broker.Client, args []string) error {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	sessionID := fs.String("session", "", "optional session identifier")
	fs.Parse(args)

	if err := b.Register(ctx, b.Identity(), *sessionID); err != nil {
		return err
	}
	return printJSON(map[string]interface{}{"registered": b.Identity()})
}

func cmdDeregister(ctx context.Context, b *broker.Client, args []string) error {
	if err := b.Unregister(ctx, b.Identity()); err != nil {
		return err
	}
	return printJSON(map[string]interface{}{"deregistered": b.Identity()})
}

func cmdHeartbeat(ctx context.Context, b *broker.Client, args []string) error {
	if err := b.Heartbeat(ctx, b.Identity()); err != nil {
		return err
	}
	return printJSON(map[string]interface{}{"heartbeat": b.Identity()})
}

func cmdStats(ctx context.Context, b *broker.Client, args []string) error {
	stats, err := b.Stats(ctx)
	if err != nil {
		return err
	}
	return printJSON(stats)
}

// cmdWatch subscribes to this instance's live channel and the broadcast
// channel and prints each notification as one JSON line until interrupted.
func cmdWatch(ctx context.Context, b *broker.Client, args []string) error {
	print := func(n model.Notification) {
		line, err := json.Marshal(n)
		if err != nil {
			return
		}
		fmt.Println(string(line))
	}
	unsubSelf, err := b.SubscribeNotifications(ctx, b.Identity(), print)
	if err != nil {
		return err
	}
	defer unsubSelf()
	unsubAll, err := b.SubscribeNotifications(ctx, model.TargetAll, print)
	if err != nil {
		return err
	}
	defer unsubAll()

	fmt.Fprintf(os.Stderr, "watching notifications for %s (ctrl-c to stop)\n", b.Identity())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}
	// Give in-flight deliveries a beat to land before closing.
	time.Sleep(100 * time.Millisecond)
	return nil
}
