package queue

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Task kinds the consumer knows how to process.
const (
	KindThreadStart = "thread_start"
	KindReply       = "reply"
	KindDM          = "dm"
)

// Payload is the decoded task payload. Kinds use different subsets; the
// per-kind schema enforces which fields are required.
type Payload struct {
	ThreadID    string `json:"thread_id,omitempty"`
	AuthorID    string `json:"author_id,omitempty"`
	PostID      string `json:"post_id,omitempty"`
	Title       string `json:"title,omitempty"`
	SenderID    string `json:"sender_id,omitempty"`
	RecipientID string `json:"recipient_id,omitempty"`
}

const threadStartSchema = `{
	"type": "object",
	"required": ["thread_id", "author_id", "post_id", "title"],
	"properties": {
		"thread_id": {"type": "string", "minLength": 1},
		"author_id": {"type": "string", "minLength": 1},
		"post_id":   {"type": "string", "minLength": 1},
		"title":     {"type": "string", "minLength": 1}
	}
}`

const replySchema = `{
	"type": "object",
	"required": ["thread_id", "author_id"],
	"properties": {
		"thread_id": {"type": "string", "minLength": 1},
		"author_id": {"type": "string", "minLength": 1}
	}
}`

const dmSchema = `{
	"type": "object",
	"required": ["sender_id", "recipient_id"],
	"properties": {
		"sender_id":    {"type": "string", "minLength": 1},
		"recipient_id": {"type": "string", "minLength": 1}
	}
}`

var payloadSchemas = mustCompileSchemas(map[string]string{
	KindThreadStart: threadStartSchema,
	KindReply:       replySchema,
	KindDM:          dmSchema,
})

func mustCompileSchemas(sources map[string]string) map[string]*jsonschema.Schema {
	out := make(map[string]*jsonschema.Schema, len(sources))
	for kind, src := range sources {
		// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
		// validator requires.
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			panic(fmt.Sprintf("unmarshal %s schema: %v", kind, err))
		}
		c := jsonschema.NewCompiler()
		name := kind + ".json"
		if err := c.AddResource(name, doc); err != nil {
			panic(fmt.Sprintf("add %s schema resource: %v", kind, err))
		}
		schema, err := c.Compile(name)
		if err != nil {
			panic(fmt.Sprintf("compile %s schema: %v", kind, err))
		}
		out[kind] = schema
	}
	return out
}

// ParsePayload validates raw payload JSON against the kind's schema and
// decodes it. A validation error is terminal for the task.
func ParsePayload(kind, raw string) (Payload, error) {
	schema, ok := payloadSchemas[kind]
	if !ok {
		return Payload{}, fmt.Errorf("unknown task kind %q", kind)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return Payload{}, fmt.Errorf("payload not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return Payload{}, fmt.Errorf("payload schema: %w", err)
	}
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}
