package domain

import "time"

// InboundMessage is a normalized text message extracted from a provider
// webhook delivery. It lives only for the duration of one relay pass.
type InboundMessage struct {
	MessageID  string // provider message id, used for dedupe
	Sender     string
	Text       string
	ReceivedAt time.Time
}

// SessionID returns the intent-backend session key for this message.
// The sender address is the session key so multi-turn context sticks
// to the same conversation on the backend side.
func (m InboundMessage) SessionID() string { return m.Sender }

// LogEntry is one append-only audit record of a completed exchange.
type LogEntry struct {
	Timestamp   time.Time
	Sender      string
	UserMessage string
	BotReply    string
}

// AccessToken is a short-lived bearer credential for the Google APIs.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
}

// Valid reports whether the token is still usable at the given instant,
// keeping a safety margin before the hard expiry.
func (t AccessToken) Valid(now time.Time, margin time.Duration) bool {
	return t.Value != "" && now.Add(margin).Before(t.ExpiresAt)
}
