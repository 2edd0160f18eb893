// Package responder answers chat messages. It subscribes to chat_messages,
// asks an LLM for a reply, renders it from markdown and publishes the result
// on agent_responses.
package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/ianlintner/Example-React-AI-Chat-App-sub001/internal/broker"
)

// Reply is the agent_responses payload.
type Reply struct {
	InReplyTo string `json:"in_reply_to"`
	Content   string `json:"content"`
	HTML      string `json:"html"`
	Model     string `json:"model"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

type Config struct {
	Broker       broker.API
	Caller       LLMCaller
	SystemPrompt string
	Logger       *log.Logger
}

type Responder struct {
	broker       broker.API
	caller       LLMCaller
	systemPrompt string
	markdown     goldmark.Markdown
	logger       *log.Logger
}

func New(cfg Config) (*Responder, error) {
	if cfg.Broker == nil {
		return nil, fmt.Errorf("responder: broker is required")
	}
	if cfg.Caller == nil {
		return nil, fmt.Errorf("responder: llm caller is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "responder ", log.LstdFlags)
	}
	return &Responder{
		broker:       cfg.Broker,
		caller:       cfg.Caller,
		systemPrompt: cfg.SystemPrompt,
		markdown:     goldmark.New(goldmark.WithExtensions(extension.GFM)),
		logger:       cfg.Logger,
	}, nil
}

// Start subscribes the responder to the chat queue.
func (r *Responder) Start() error {
	return r.broker.Subscribe(broker.QueueChatMessages, r.Handle)
}

// Handle is the chat_messages subscriber. Errors are returned to the broker so
// the message goes through the retry policy.
func (r *Responder) Handle(ctx context.Context, msg broker.Message) error {
	prompt := promptText(msg.Payload)
	if prompt == "" {
		r.logger.Printf("skip empty chat message id=%s", msg.ID)
		return nil
	}

	started := time.Now()
	text, err := r.caller.Reply(ctx, r.systemPrompt, prompt)
	if err != nil {
		return fmt.Errorf("llm reply for %s: %w", msg.ID, err)
	}
	text = strings.TrimSpace(text)

	html, err := r.render(text)
	if err != nil {
		return fmt.Errorf("render reply for %s: %w", msg.ID, err)
	}

	out := broker.NewMessage(broker.TypeAgentResponse, Reply{
		InReplyTo: msg.ID,
		Content:   text,
		HTML:      html,
		Model:     r.caller.ModelName(),
		ElapsedMS: time.Since(started).Milliseconds(),
	})
	out.UserID = msg.UserID
	out.ConversationID = msg.ConversationID
	out.Metadata = map[string]any{"in_reply_to": msg.ID}

	queued, err := r.broker.Enqueue(broker.QueueAgentResponses, out, &broker.EnqueueOptions{Priority: broker.PriorityAgentResponse})
	if err != nil {
		return fmt.Errorf("publish reply for %s: %w", msg.ID, err)
	}
	r.logger.Printf("replied chat_id=%s reply_id=%s model=%s chars=%d", msg.ID, queued.ID, r.caller.ModelName(), len(text))
	return nil
}

func (r *Responder) render(text string) (string, error) {
	var buf bytes.Buffer
	if err := r.markdown.Convert([]byte(text), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// promptText extracts the user's text from a chat payload. Payloads arrive as
// plain strings, as decoded JSON objects, or as arbitrary Go values.
func promptText(payload any) string {
	switch p := payload.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(p)
	case map[string]any:
		for _, key := range []string{"message", "content", "text"} {
			if s, ok := p[key].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
		return ""
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	var obj map[string]any
	if json.Unmarshal(raw, &obj) == nil {
		return promptText(obj)
	}
	return ""
}
