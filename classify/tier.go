package classify

import "fmt"

// Tier is the risk level assigned to a tool call. Higher tiers get stricter
// enforcement from the decision procedure.
type Tier int

const (
	// TierInert covers read-only calls. No enforcement.
	TierInert Tier = 0

	// TierInternal covers local mutations (files, shell). Journaled only.
	TierInternal Tier = 1

	// TierRoutine covers routine external actions (chat messages,
	// sub-sessions). Journaled and recorded in the context trace.
	TierRoutine Tier = 2

	// TierCommitment covers external commitments (email, cron mutations).
	// Adds duplicate detection and an advisory lock.
	TierCommitment Tier = 3

	// TierIrreversible covers irreversible actions (deletes, config
	// applies). Conflicts hard-block instead of warning.
	TierIrreversible Tier = 4
)

// Valid reports whether t is within the defined tier range.
func (t Tier) Valid() bool {
	return t >= TierInert && t <= TierIrreversible
}

// String returns a short human-readable name for the tier.
func (t Tier) String() string {
	switch t {
	case TierInert:
		return "inert"
	case TierInternal:
		return "internal"
	case TierRoutine:
		return "routine"
	case TierCommitment:
		return "commitment"
	case TierIrreversible:
		return "irreversible"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}
