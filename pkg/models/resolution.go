package models

type MatchMethod string

const (
	MethodExactID      MatchMethod = "exact_id"
	MethodDomain       MatchMethod = "domain"
	MethodNameLocation MatchMethod = "name_location"
	MethodNameOnly     MatchMethod = "name_only"
	MethodCreated      MatchMethod = "created"
	// MethodManual is a hit on an operator-added alias.
	MethodManual MatchMethod = "manual"
)

// Match is one scored candidate.
type Match struct {
	CandidateID string      `json:"candidate_id"`
	Confidence  float64     `json:"confidence"`
	Method      MatchMethod `json:"method"`
	Similarity  float64     `json:"similarity,omitempty"`
}

type Decision string

const (
	DecisionAutoAttached    Decision = "auto_attached"
	DecisionQueuedForReview Decision = "queued_for_review"
	DecisionCreated         Decision = "created"
)

// Resolution is the outcome of resolving one mention.
type Resolution struct {
	CanonicalID    string      `json:"canonical_id"`
	Confidence     float64     `json:"confidence"`
	Method         MatchMethod `json:"method"`
	Decision       Decision    `json:"decision"`
	Provisional    bool        `json:"provisional"`
	Alternatives   []Match     `json:"alternatives"`
	AliasID        string      `json:"alias_id,omitempty"`
	NormalizedName string      `json:"normalized_name"`
	FromCache      bool        `json:"-"`
}

// DuplicatePair is a proposed merge for review. EntityA sorts before EntityB.
type DuplicatePair struct {
	EntityA    string      `json:"entity_a"`
	EntityB    string      `json:"entity_b"`
	EntityType EntityType  `json:"entity_type"`
	Confidence float64     `json:"confidence"`
	Method     MatchMethod `json:"method"`
}

// MergeResult is returned by a merge.
type MergeResult struct {
	MergedEntityID     string       `json:"merged_entity_id"`
	AliasesTransferred int          `json:"aliases_transferred"`
	AliasesDiscarded   int          `json:"aliases_discarded"`
	HistoryID          string       `json:"history_id"`
	History            MergeHistory `json:"-"`
}

// SplitResult is returned by a split.
type SplitResult struct {
	NewEntityID string       `json:"new_entity_id"`
	HistoryID   string       `json:"history_id"`
	History     MergeHistory `json:"-"`
}

// AliasView is one row of an alias listing.
type AliasView struct {
	ID               string      `json:"id"`
	Alias            string      `json:"alias"`
	NormalizedAlias  string      `json:"normalized_alias"`
	Source           string      `json:"source,omitempty"`
	SourceRecordID   string      `json:"source_record_id,omitempty"`
	Confidence       float64     `json:"confidence"`
	IsManualOverride bool        `json:"is_manual_override"`
	Status           AliasStatus `json:"status"`
}

// EntityAliases is returned by get_aliases.
type EntityAliases struct {
	CanonicalID    string      `json:"canonical_id"`
	CanonicalName  string      `json:"canonical_name"`
	EntityType     EntityType  `json:"entity_type"`
	RedirectedFrom string      `json:"redirected_from,omitempty"`
	Aliases        []AliasView `json:"aliases"`
}
