package events

import "github.com/layer-3/authflow/core"

// Next actions understood by clients.
const (
	NextVerify   = "verify"
	NextLogin    = "login"
	NextRedirect = "redirect"
	NextRetry    = "retry"
	NextRestart  = "restart"
)

// Presentation returns the default message and next action for payload given
// the session status after the change. Failure text is the same whatever the
// reason.
func Presentation(payload core.EventPayload, status core.SessionStatus) (message, nextAction string) {
	switch payload.Type() {
	case core.EventUserCreated:
		return "Account created", NextVerify
	case core.EventUserVerified:
		return "Account verified", NextLogin
	case core.EventAuthSuccess:
		return "Signed in", NextRedirect
	case core.EventAuthFailed:
		if status == core.StatusFailed {
			return "Too many failed attempts", NextRestart
		}
		return "Authentication failed", NextRetry
	default:
		return "Session expired", NextRestart
	}
}
