package ports

import (
	"context"

	"github.com/layer-3/authflow/core"
)

// EventPublisher publishes events to notify other instances
type EventPublisher interface {
	PublishAuthEvent(ctx context.Context, event core.AuthEvent) error
	PublishLogout(ctx context.Context, userID string, tokenID string) error
}

// SessionObserver is told about every session state change that carries an
// event. Implementations must not call back into the session store.
type SessionObserver interface {
	SessionChanged(session core.AuthSession, payload core.EventPayload)
}
