package models

import "time"

type AliasStatus string

const (
	AliasStatusConfirmed AliasStatus = "confirmed"
	// AliasStatusPending marks a provisional attachment awaiting review.
	AliasStatusPending AliasStatus = "pending"
)

// SourceTypeManual is recorded on aliases added by an operator.
const SourceTypeManual = "manual"

// EntityAlias is a name variant attributed to one canonical entity.
type EntityAlias struct {
	ID                string      `json:"id"`
	CanonicalEntityID string      `json:"canonical_entity_id"`
	AliasName         string      `json:"alias_name"`
	NormalizedAlias   string      `json:"normalized_alias"`
	SourceType        string      `json:"source_type,omitempty"`
	SourceRecordID    string      `json:"source_record_id,omitempty"`
	MatchConfidence   float64     `json:"match_confidence"`
	IsManualOverride  bool        `json:"is_manual_override"`
	Status            AliasStatus `json:"status"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}
