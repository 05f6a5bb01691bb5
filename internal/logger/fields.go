package logger

import (
	"strings"

	"go.uber.org/zap"
)

// Op names the operation being logged.
func Op(v string) zap.Field { return zap.String("op", v) }

// Component names the emitting component.
func Component(v string) zap.Field { return zap.String("component", v) }

// SessionID tags an auth session.
func SessionID(v string) zap.Field { return zap.String("session_id", v) }

// UserID tags a backend identity.
func UserID(v string) zap.Field { return zap.String("user_id", v) }

// Provider tags the sign-in mechanism.
func Provider(v string) zap.Field { return zap.String("provider", v) }

// Address tags a wallet address.
func Address(v string) zap.Field { return zap.String("address", v) }

// Email logs a masked email address.
func Email(v string) zap.Field { return zap.String("email_masked", MaskEmail(v)) }

// Err attaches an error.
func Err(err error) zap.Field { return zap.Error(err) }

// MaskEmail keeps the first two characters and the domain.
func MaskEmail(email string) string {
	if len(email) < 3 {
		return "***"
	}
	at := strings.IndexByte(email, '@')
	if at < 2 {
		return email[:2] + "***"
	}
	return email[:2] + "***" + email[at:]
}
