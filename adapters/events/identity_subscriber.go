package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/zap"

	"github.com/layer-3/authflow/core"
	"github.com/layer-3/authflow/internal/logger"
)

// IdentityListener is told about identities created on any instance.
type IdentityListener interface {
	RememberCreated(identity core.Identity)
}

// IdentitySubscriber feeds user-created events from the events topic to a
// listener, so that an instance whose identity backend lags behind another
// instance's writes still finds the new identity.
type IdentitySubscriber struct {
	subscriber message.Subscriber
	topic      string
	listener   IdentityListener
	log        *zap.Logger
}

func NewIdentitySubscriber(subscriber message.Subscriber, topic string, listener IdentityListener, log *zap.Logger) *IdentitySubscriber {
	if topic == "" {
		topic = DefaultEventsTopic
	}
	return &IdentitySubscriber{
		subscriber: subscriber,
		topic:      topic,
		listener:   listener,
		log:        logger.OrNop(log).With(logger.Component("identity_subscriber")),
	}
}

// Run consumes until ctx is done or the subscription closes. Messages that
// cannot be decoded are acked and dropped.
func (s *IdentitySubscriber) Run(ctx context.Context) error {
	messages, err := s.subscriber.Subscribe(ctx, s.topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.topic, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			s.handle(msg)
			msg.Ack()
		}
	}
}

func (s *IdentitySubscriber) handle(msg *message.Message) {
	if t := msg.Metadata.Get(MetadataType); t != "" && t != string(core.EventUserCreated) {
		return
	}
	var ev core.AuthEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		s.log.Warn("dropping undecodable event", zap.String("message_uuid", msg.UUID), logger.Err(err))
		return
	}
	created, ok := ev.Payload.(core.UserCreated)
	if !ok {
		return
	}
	s.listener.RememberCreated(core.Identity{
		ID:    created.UserID,
		Email: created.Email,
		Role:  core.RoleUser,
	})
	s.log.Debug("remembered identity", logger.UserID(created.UserID))
}
