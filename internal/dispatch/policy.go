package dispatch

import "github.com/lalithlochan/courier/internal/db"

// Policy sets retry budget and urgency for new queue entries.
type Policy struct {
	MaxAttempts int
	Priority    int
}

// DefaultPolicy applies when nothing more specific is configured.
var DefaultPolicy = Policy{MaxAttempts: 3, Priority: 0}

// Policies resolves the policy for an entry: notification type first, then
// channel, then Default.
type Policies struct {
	Default   Policy
	ByType    map[string]Policy
	ByChannel map[db.Channel]Policy
}

// For returns the policy for a (type, channel) pair. A policy with
// MaxAttempts below one falls back to the default budget.
func (p Policies) For(notificationType string, ch db.Channel) Policy {
	def := p.Default
	if def.MaxAttempts < 1 {
		def.MaxAttempts = DefaultPolicy.MaxAttempts
	}

	pol, ok := p.ByType[notificationType]
	if !ok {
		pol, ok = p.ByChannel[ch]
	}
	if !ok {
		return def
	}
	if pol.MaxAttempts < 1 {
		pol.MaxAttempts = def.MaxAttempts
	}
	return pol
}
