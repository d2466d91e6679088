// Package modelclient defines the model contract the agent loop queries
// each iteration (spec.md §6 "Model") plus a retrying OpenAI-compatible
// HTTP implementation.
package modelclient

import "context"

// Role identifies the speaker of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of the conversation sent to the model.
type Message struct {
	Role    Role
	Content string
}

// Response is the model's reply. Text is the full assistant message the
// agent loop parses with internal/protocol.
type Response struct {
	Text string
}

// Client is the model contract (spec.md §6): given the running
// conversation, produce the next assistant message.
type Client interface {
	Query(ctx context.Context, messages []Message) (Response, error)
}
