// Package bus distributes coordination notices between the Liminal
// components: lease changes from the territory manager, lifecycle events
// from the process host, and escalations from the router. Components never
// reach into each other's state; a notice is the only thing that crosses.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"

	v1 "github.com/liminal/liminal/pkg/api/v1"
)

// Notice is one coordination event. Subject doubles as the routing key
// (e.g. "lease.granted", "agent.crashed.<id>", "router.critical_unacked").
type Notice struct {
	ID        string         `json:"id"`
	Subject   string         `json:"subject"`
	Source    string         `json:"source"` // component that produced the notice
	AgentID   v1.AgentID     `json:"agent_id,omitempty"`
	Resource  string         `json:"resource,omitempty"` // lease subjects only
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewNotice creates a notice with a fresh id and timestamp.
func NewNotice(subject, source string) *Notice {
	return &Notice{
		ID:        uuid.New().String(),
		Subject:   subject,
		Source:    source,
		Timestamp: time.Now().UTC(),
	}
}

// WithAgent sets the agent the notice is about.
func (n *Notice) WithAgent(id v1.AgentID) *Notice {
	n.AgentID = id
	return n
}

// WithResource sets the lease resource the notice is about.
func (n *Notice) WithResource(resource string) *Notice {
	n.Resource = resource
	return n
}

// WithField attaches one extra key/value pair.
func (n *Notice) WithField(key string, value any) *Notice {
	if n.Fields == nil {
		n.Fields = make(map[string]any)
	}
	n.Fields[key] = value
	return n
}

// Field reads an extra string field, or "" when absent.
func (n *Notice) Field(key string) string {
	s, _ := n.Fields[key].(string)
	return s
}

// Handler consumes one notice. A non-nil error is logged by the bus, never
// propagated to the publisher.
type Handler func(ctx context.Context, n *Notice) error

// Subscription is an active subject subscription.
type Subscription interface {
	Unsubscribe() error
	Active() bool
}

// Bus is the notice distribution contract. The in-memory implementation
// serves the unified binary; the NATS one serves split deployments.
type Bus interface {
	// Publish delivers the notice to every subscriber whose pattern
	// matches the notice subject.
	Publish(ctx context.Context, n *Notice) error

	// Subscribe registers a handler for a subject pattern. Patterns use
	// dotted tokens with "*" for one token and ">" for the remainder.
	Subscribe(pattern string, h Handler) (Subscription, error)

	// Close shuts the bus down; further publishes fail.
	Close()

	// Connected reports whether the bus can deliver.
	Connected() bool
}
