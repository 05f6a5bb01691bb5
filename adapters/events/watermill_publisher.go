package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/layer-3/authflow/core"
	"github.com/layer-3/authflow/ports"
)

const (
	DefaultEventsTopic = "authflow.events"
	DefaultLogoutTopic = "authflow.logout"

	// MetadataType carries the event type so consumers can filter without
	// decoding the payload.
	MetadataType = "type"
)

// LogoutEvent represents a logout event
type LogoutEvent struct {
	UserID  string `json:"user_id"`
	TokenID string `json:"token_id"`
}

// Topics names the streams the publisher writes to.
type Topics struct {
	Events string
	Logout string
}

func (t Topics) withDefaults() Topics {
	if t.Events == "" {
		t.Events = DefaultEventsTopic
	}
	if t.Logout == "" {
		t.Logout = DefaultLogoutTopic
	}
	return t
}

// WatermillPublisher implements the EventPublisher interface using Watermill
type WatermillPublisher struct {
	publisher message.Publisher
	topics    Topics
}

var _ ports.EventPublisher = (*WatermillPublisher)(nil)

// NewWatermillPublisher creates a new Watermill publisher
func NewWatermillPublisher(publisher message.Publisher, topics Topics) *WatermillPublisher {
	return &WatermillPublisher{
		publisher: publisher,
		topics:    topics.withDefaults(),
	}
}

// PublishAuthEvent publishes a stored auth event, keyed by its id.
func (p *WatermillPublisher) PublishAuthEvent(ctx context.Context, event core.AuthEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(event.ID, payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(MetadataType, string(event.Type()))

	if err := p.publisher.Publish(p.topics.Events, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// PublishLogout publishes a logout event
func (p *WatermillPublisher) PublishLogout(ctx context.Context, userID string, tokenID string) error {
	payload, err := json.Marshal(LogoutEvent{UserID: userID, TokenID: tokenID})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)

	if err := p.publisher.Publish(p.topics.Logout, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}
