package types

import "time"

// ItemState is the consolidation state of a working item.
type ItemState string

// Consolidation states. Working is the initial state; promoted, archived and
// purged are terminal. A promoted item only remains in the working store when
// the retention policy is "mark".
const (
	StateWorking  ItemState = "working"
	StatePromoted ItemState = "promoted"
	StateArchived ItemState = "archived"
	StatePurged   ItemState = "purged"
)

// IsTerminal reports whether no further consolidation decision applies.
func (s ItemState) IsTerminal() bool {
	switch s {
	case StatePromoted, StateArchived, StatePurged:
		return true
	default:
		return false
	}
}

// IsValidStateTransition validates consolidation transitions:
//
//	working -> working | promoted | archived | purged
//	promoted -> purged   (marked copy reaching its TTL)
//	archived, purged -> (terminal)
func IsValidStateTransition(from, to ItemState) bool {
	switch from {
	case StateWorking, "":
		return to == StateWorking || to == StatePromoted || to == StateArchived || to == StatePurged
	case StatePromoted:
		return to == StatePurged
	default:
		return false
	}
}

// Decision is the outcome of evaluating one item during a consolidation tick.
type Decision string

const (
	DecisionRetain  Decision = "retain"
	DecisionPromote Decision = "promote"
	DecisionArchive Decision = "archive"
	DecisionPurge   Decision = "purge"
)

// ConsolidationDecision is an audit record answering "why was this kept,
// promoted or forgotten".
type ConsolidationDecision struct {
	ID        string    `json:"id"`
	ItemID    string    `json:"item_id"`
	Category  string    `json:"category"`
	Key       string    `json:"key"`
	Decision  Decision  `json:"decision"`
	Score     float64   `json:"score"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// ConsolidationReport summarizes one tick.
type ConsolidationReport struct {
	Trigger   string        `json:"trigger"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Evaluated int           `json:"evaluated"`
	Retained  int           `json:"retained"`
	Promoted  int           `json:"promoted"`
	Archived  int           `json:"archived"`
	Purged    int           `json:"purged"`
	Deferred  int           `json:"deferred"`
	Conflicts int           `json:"conflicts"`
	Errors    []string      `json:"errors,omitempty"`
}
