// Package notify turns push payloads into notifications and tracks the ones
// currently on screen.
package notify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/basket/pushkeeper/internal/config"
	"github.com/basket/pushkeeper/internal/shared"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrPayloadParse marks a push body that is not a usable payload. Callers
// show the fallback notification instead.
var ErrPayloadParse = errors.New("push payload parse error")

const payloadSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"title": {"type": ["string", "null"]},
		"body":  {"type": ["string", "null"]},
		"icon":  {"type": ["string", "null"]},
		"badge": {"type": ["string", "null"]},
		"tag":   {"type": ["string", "null"]},
		"data": {
			"type": ["object", "null"],
			"properties": {
				"chatId": {"type": ["string", "number", "null"]}
			}
		}
	}
}`

var payloadSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(payloadSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal payload schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("push-payload.json", doc); err != nil {
		return nil, fmt.Errorf("add payload schema: %w", err)
	}
	return c.Compile("push-payload.json")
})

// Payload is a parsed push body. Data is kept verbatim; only data.chatId
// and data.message are pulled out for routing and queueing.
type Payload struct {
	Title string
	Body  string
	Icon  string
	Badge string
	Tag   string

	Data    json.RawMessage
	ChatID  string
	Message json.RawMessage

	queueable bool
}

// Queueable reports whether the payload carries a chat id and a message
// worth keeping for an offline page. null, false, "" and zero do not count.
func (p Payload) Queueable() bool {
	return p.queueable
}

type wirePayload struct {
	Title string          `json:"title"`
	Body  string          `json:"body"`
	Icon  string          `json:"icon"`
	Badge string          `json:"badge"`
	Tag   string          `json:"tag"`
	Data  json.RawMessage `json:"data"`
}

type wireData struct {
	ChatID  json.RawMessage `json:"chatId"`
	Message json.RawMessage `json:"message"`
}

// ParsePayload decodes and validates a raw push body.
func ParsePayload(raw []byte) (Payload, error) {
	var p Payload
	if len(bytes.TrimSpace(raw)) == 0 {
		return p, fmt.Errorf("%w: empty body", ErrPayloadParse)
	}

	schema, err := payloadSchema()
	if err != nil {
		return p, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return p, fmt.Errorf("%w: %v", ErrPayloadParse, err)
	}
	if err := schema.Validate(doc); err != nil {
		return p, fmt.Errorf("%w: %v", ErrPayloadParse, err)
	}

	var w wirePayload
	if err := json.Unmarshal(raw, &w); err != nil {
		return p, fmt.Errorf("%w: %v", ErrPayloadParse, err)
	}
	p = Payload{Title: w.Title, Body: w.Body, Icon: w.Icon, Badge: w.Badge, Tag: w.Tag}

	if isNull(w.Data) {
		return p, nil
	}
	p.Data = w.Data

	var d wireData
	if err := json.Unmarshal(w.Data, &d); err != nil {
		return p, fmt.Errorf("%w: data: %v", ErrPayloadParse, err)
	}
	p.ChatID = chatIDString(d.ChatID)
	p.queueable = !shared.IsFalsyJSON(d.ChatID) && !shared.IsFalsyJSON(d.Message)
	if !isNull(d.Message) {
		p.Message = d.Message
	}
	return p, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// chatIDString accepts a JSON string or number. Numbers keep their literal form.
func chatIDString(raw json.RawMessage) string {
	if isNull(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// Defaults fill every field a payload may omit.
type Defaults struct {
	Title         string
	Body          string
	Icon          string
	Badge         string
	Tag           string
	FallbackTitle string
}

func DefaultsFrom(cfg config.NotificationsConfig) Defaults {
	return Defaults{
		Title:         cfg.DefaultTitle,
		Body:          cfg.DefaultBody,
		Icon:          cfg.DefaultIcon,
		Badge:         cfg.DefaultBadge,
		Tag:           cfg.DefaultTag,
		FallbackTitle: cfg.FallbackTitle,
	}
}

// Notification is one displayable notification.
type Notification struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Body      string          `json:"body"`
	Icon      string          `json:"icon,omitempty"`
	Badge     string          `json:"badge,omitempty"`
	Tag       string          `json:"tag,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	ChatID    string          `json:"chat_id,omitempty"`
	Message   json.RawMessage `json:"-"`
	Fallback  bool            `json:"fallback,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Notification builds the notification for p, filling gaps from d.
func (p Payload) Notification(d Defaults) Notification {
	return Notification{
		Title:   firstNonEmpty(p.Title, d.Title),
		Body:    firstNonEmpty(p.Body, d.Body),
		Icon:    firstNonEmpty(p.Icon, d.Icon),
		Badge:   firstNonEmpty(p.Badge, d.Badge),
		Tag:     firstNonEmpty(p.Tag, d.Tag),
		Data:    p.Data,
		ChatID:  p.ChatID,
		Message: p.Message,
	}
}

// Fallback is the generic notification shown when a payload is unusable.
// It carries no data, so clicking it opens the app without a chat.
func Fallback(d Defaults) Notification {
	return Notification{
		Title:    firstNonEmpty(d.FallbackTitle, d.Title),
		Body:     d.Body,
		Icon:     d.Icon,
		Fallback: true,
	}
}

// ClickContext is what a click hands to the router.
type ClickContext struct {
	NotificationID string
	ChatID         string
	Message        json.RawMessage
	HasData        bool
}

// Context returns the click context attached to n.
func (n Notification) Context() ClickContext {
	return ClickContext{
		NotificationID: n.ID,
		ChatID:         n.ChatID,
		Message:        n.Message,
		HasData:        !isNull(n.Data),
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
