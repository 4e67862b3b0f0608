package models

import "time"

// HistoryAction tags a MergeHistory event.
type HistoryAction string

const (
	HistoryActionMerge  HistoryAction = "merge"
	HistoryActionSplit  HistoryAction = "split"
	HistoryActionCreate HistoryAction = "create"
	HistoryActionUpdate HistoryAction = "update"
)

// Snapshot is the state of the affected rows before an action ran.
type Snapshot struct {
	Entities []CanonicalEntity `json:"entities"`
	// Aliases are the rows the action moved or changed, as they were before.
	Aliases []EntityAlias `json:"aliases,omitempty"`
	// Discarded are duplicate alias rows removed on collision during a merge.
	Discarded []EntityAlias `json:"discarded,omitempty"`
}

// Entity returns the snapshot of id, if captured.
func (s Snapshot) Entity(id string) (CanonicalEntity, bool) {
	for _, e := range s.Entities {
		if e.ID == id {
			return e, true
		}
	}
	return CanonicalEntity{}, false
}

// MergeHistory is an append-only audit event.
type MergeHistory struct {
	ID             string        `json:"id"`
	Action         HistoryAction `json:"action"`
	SourceEntityID string        `json:"source_entity_id,omitempty"`
	TargetEntityID string        `json:"target_entity_id"`
	Reason         string        `json:"reason,omitempty"`
	PerformedBy    string        `json:"performed_by"`
	PerformedAt    time.Time     `json:"performed_at"`
	PreviousState  Snapshot      `json:"previous_state"`
	// RollbackOf references the event this row reverts.
	RollbackOf string `json:"rollback_of,omitempty"`
}
