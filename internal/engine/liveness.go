package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/celerix-dev/celerix-naming/pkg/schema"
)

// LivenessMode selects a preset of the liveness policy.
type LivenessMode string

const (
	// LivenessNone never expires identities; only explicit release frees them.
	LivenessNone LivenessMode = "none"
	// LivenessSoft expires silent identities but is lenient on reconnects and
	// accepts heartbeats for ids it has never seen.
	LivenessSoft LivenessMode = "soft"
	// LivenessStrict enforces a bounded timeout with a short reconnect grace.
	LivenessStrict LivenessMode = "strict"
)

// Policy configures the liveness monitor.
//
// A zero Timeout means identities never go stale and the sweep is disabled.
// Grace only widens the window in which a client may reclaim its previous id,
// unless SweepUsesGrace is set.
type Policy struct {
	Mode            LivenessMode
	Timeout         time.Duration
	Grace           time.Duration
	SweepInterval   time.Duration
	StrictHeartbeat bool
	SweepUsesGrace  bool
}

// PolicyFor returns the preset policy of a liveness mode.
func PolicyFor(mode LivenessMode) (Policy, error) {
	switch mode {
	case LivenessNone:
		return Policy{Mode: mode, StrictHeartbeat: true}, nil
	case LivenessSoft:
		return Policy{
			Mode:    mode,
			Timeout: 5 * time.Minute,
			Grace:   24 * time.Hour,
		}.withDefaults(), nil
	case LivenessStrict, "":
		return Policy{
			Mode:            LivenessStrict,
			Timeout:         90 * time.Second,
			Grace:           30 * time.Second,
			StrictHeartbeat: true,
		}.withDefaults(), nil
	default:
		return Policy{}, fmt.Errorf("%w: unknown liveness mode %q", ErrValidation, mode)
	}
}

func (p Policy) withDefaults() Policy {
	if p.Timeout > 0 && (p.SweepInterval <= 0 || p.SweepInterval >= p.Timeout) {
		p.SweepInterval = p.Timeout / 3
	}
	return p
}

// Normalize fills derived values and checks the policy for consistency.
func (p Policy) Normalize() (Policy, error) {
	if p.Timeout < 0 || p.Grace < 0 {
		return p, fmt.Errorf("%w: timeout and grace must not be negative", ErrValidation)
	}
	if p.Timeout == 0 {
		p.SweepInterval = 0
		return p, nil
	}
	return p.withDefaults(), nil
}

// Expires reports whether identities can go stale under this policy.
func (p Policy) Expires() bool {
	return p.Timeout > 0
}

// compliantForReconnect reports whether a record may be reclaimed by its previous holder.
func (p Policy) compliantForReconnect(rec *schema.IdentityRecord, now time.Time) bool {
	if !p.Expires() {
		return true
	}
	return now.Sub(rec.LastSignal()) <= p.Timeout+p.Grace
}

// expired reports whether the sweep should demote a live record.
func (p Policy) expired(rec *schema.IdentityRecord, now time.Time) bool {
	if !p.Expires() {
		return false
	}
	limit := p.Timeout
	if p.SweepUsesGrace {
		limit += p.Grace
	}
	return now.Sub(rec.LastSignal()) > limit
}

// FormatID builds the identity for a class and global sequence, e.g. worker_001.
func FormatID(class string, seq uint64) string {
	return fmt.Sprintf("%s%s%03d", class, schema.IDSeparator, seq)
}

// ClassFromID infers the class of an identity from its prefix token.
// Identities without a separator yield "unknown".
func ClassFromID(id string) string {
	class, _, ok := strings.Cut(id, schema.IDSeparator)
	if !ok || class == "" {
		return "unknown"
	}
	return class
}

// sequenceFromID returns the global sequence embedded in an identity, if any.
// The sequence is the token after the last separator so classes may contain one.
func sequenceFromID(id string) (uint64, bool) {
	i := strings.LastIndex(id, schema.IDSeparator)
	if i < 0 || i == len(id)-1 {
		return 0, false
	}
	seq, err := strconv.ParseUint(id[i+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}
