// brokerctl is a command-line client for the chat-broker admin API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/ianlintner/Example-React-AI-Chat-App-sub001/internal/brokerclient"
)

const usage = `Usage: brokerctl [--url URL] <command> [flags]

Commands:
  health                    broker health
  stats [--queue Q]         aggregate or per-queue statistics
  queues                    list known queues with size and stats
  size Q                    pending message count
  peek Q                    head message without removing it
  purge Q                   drop pending messages
  delete Q                  purge Q and cancel its timers
  send --queue Q --type T   enqueue a message
  chat TEXT                 enqueue a chat message
  proactive --action A      enqueue a proactive action
  deadletters [--queue Q]   list journaled dead letters
`

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	global := pflag.NewFlagSet("brokerctl", pflag.ContinueOnError)
	global.SetInterspersed(false)
	baseURL := global.String("url", envOr("BROKER_URL", "http://localhost:8080"), "admin API base URL")
	timeout := global.Duration("timeout", 15*time.Second, "request timeout")
	global.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := global.Parse(args); err != nil {
		return err
	}
	rest := global.Args()
	if len(rest) == 0 {
		global.Usage()
		return errors.New("command required")
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	c := brokerclient.NewClient(*baseURL)
	cmd, cmdArgs := rest[0], rest[1:]

	switch cmd {
	case "health":
		out, err := c.Health(ctx)
		if err != nil {
			return err
		}
		return printJSON(stdout, out)
	case "stats":
		fs := pflag.NewFlagSet("stats", pflag.ContinueOnError)
		queue := fs.String("queue", "", "queue name; empty for aggregate")
		if err := fs.Parse(cmdArgs); err != nil {
			return err
		}
		st, err := c.Stats(ctx, *queue)
		if err != nil {
			return err
		}
		return printJSON(stdout, st)
	case "queues":
		qs, err := c.ListQueues(ctx)
		if err != nil {
			return err
		}
		return printJSON(stdout, qs)
	case "size", "peek", "purge", "delete":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("%s requires exactly one queue name", cmd)
		}
		return queueCommand(ctx, c, cmd, cmdArgs[0], stdout)
	case "send":
		return sendCommand(ctx, c, cmdArgs, stdout)
	case "chat":
		fs := pflag.NewFlagSet("chat", pflag.ContinueOnError)
		user := fs.String("user", "", "user id")
		conversation := fs.String("conversation", "", "conversation id")
		priority := fs.Int("priority", 0, "priority 1..10 (default 5)")
		if err := fs.Parse(cmdArgs); err != nil {
			return err
		}
		text := strings.TrimSpace(strings.Join(fs.Args(), " "))
		if text == "" {
			return errors.New("chat requires message text")
		}
		id, err := c.Chat(ctx, text, *user, *conversation, *priority)
		if err != nil {
			return err
		}
		return printJSON(stdout, map[string]any{"message_id": id})
	case "proactive":
		fs := pflag.NewFlagSet("proactive", pflag.ContinueOnError)
		req := brokerclient.ProactiveRequest{}
		fs.StringVar(&req.ActionType, "action", "", "action type")
		fs.StringVar(&req.UserID, "user", "", "user id")
		fs.StringVar(&req.ConversationID, "conversation", "", "conversation id")
		fs.IntVar(&req.Priority, "priority", 0, "priority 1..10 (default 7)")
		fs.StringVar(&req.Timing, "timing", "immediate", "immediate or delayed")
		fs.Int64Var(&req.DelayMS, "delay-ms", 0, "delay in milliseconds for delayed timing")
		if err := fs.Parse(cmdArgs); err != nil {
			return err
		}
		id, err := c.Proactive(ctx, req)
		if err != nil {
			return err
		}
		return printJSON(stdout, map[string]any{"message_id": id})
	case "deadletters":
		fs := pflag.NewFlagSet("deadletters", pflag.ContinueOnError)
		queue := fs.String("queue", "", "queue name")
		limit := fs.Int("limit", 0, "max records (default 50)")
		if err := fs.Parse(cmdArgs); err != nil {
			return err
		}
		records, total, err := c.DeadLetters(ctx, *queue, *limit)
		if err != nil {
			return err
		}
		return printJSON(stdout, map[string]any{"dead_letters": records, "total": total})
	default:
		global.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func queueCommand(ctx context.Context, c *brokerclient.Client, cmd, queue string, stdout io.Writer) error {
	switch cmd {
	case "size":
		n, err := c.QueueSize(ctx, queue)
		if err != nil {
			return err
		}
		return printJSON(stdout, map[string]any{"queue": queue, "size": n})
	case "peek":
		msg, ok, err := c.Peek(ctx, queue)
		if err != nil {
			return err
		}
		if !ok {
			return printJSON(stdout, map[string]any{"queue": queue, "empty": true})
		}
		return printJSON(stdout, msg)
	case "purge":
		n, err := c.Purge(ctx, queue)
		if err != nil {
			return err
		}
		return printJSON(stdout, map[string]any{"queue": queue, "purged": n})
	default:
		if err := c.DeleteQueue(ctx, queue); err != nil {
			return err
		}
		return printJSON(stdout, map[string]any{"queue": queue, "deleted": true})
	}
}

func sendCommand(ctx context.Context, c *brokerclient.Client, args []string, stdout io.Writer) error {
	fs := pflag.NewFlagSet("send", pflag.ContinueOnError)
	req := brokerclient.EnqueueRequest{}
	fs.StringVar(&req.Queue, "queue", "", "queue name")
	fs.StringVar(&req.Type, "type", "", "message type")
	payload := fs.String("payload", "", "JSON payload (plain text is sent as a string)")
	fs.StringVar(&req.UserID, "user", "", "user id")
	fs.StringVar(&req.ConversationID, "conversation", "", "conversation id")
	fs.IntVar(&req.Priority, "priority", 0, "priority 1..10 (default 5)")
	maxRetries := fs.Int("max-retries", -1, "delivery attempts before dead-lettering (default 3)")
	fs.Int64Var(&req.DelayMS, "delay-ms", 0, "admission delay in milliseconds")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(req.Queue) == "" || strings.TrimSpace(req.Type) == "" {
		return errors.New("send requires --queue and --type")
	}
	if fs.Changed("max-retries") {
		req.MaxRetries = maxRetries
	}
	if *payload != "" {
		var v any
		if err := json.Unmarshal([]byte(*payload), &v); err != nil {
			v = *payload
		}
		req.Payload = v
	}
	id, err := c.Enqueue(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(stdout, map[string]any{"message_id": id})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
