package models

// Mention is a raw entity reference submitted by a source connector.
type Mention struct {
	Name           string         `json:"name" validate:"required"`
	EntityType     EntityType     `json:"entity_type" validate:"required,oneof=company investor person"`
	Identifiers    Identifiers    `json:"identifiers"`
	Location       Location       `json:"location"`
	Classification Classification `json:"classification"`
	SourceType     string         `json:"source_type,omitempty"`
	SourceRecordID string         `json:"source_record_id,omitempty"`
}

// NormalizedMention is a mention after normalization; Key is the normalized name.
type NormalizedMention struct {
	Mention
	Key string `json:"key"`
}

// Candidate is an active entity together with every normalized name it answers to.
type Candidate struct {
	Entity CanonicalEntity `json:"entity"`
	// Keys holds the normalized name followed by the normalized aliases.
	Keys []string `json:"keys"`
	// SharedKeys is the number of blocking keys shared with the query.
	SharedKeys int `json:"-"`
}

// AsCandidate views the mention as a single-key candidate for pairwise scoring.
func (m NormalizedMention) AsCandidate() Candidate {
	return Candidate{
		Entity: CanonicalEntity{
			EntityType:     m.EntityType,
			NormalizedName: m.Key,
			Identifiers:    m.Identifiers,
			Location:       m.Location,
		},
		Keys: []string{m.Key},
	}
}

// CandidateQuery selects candidates by blocking keys. Holders of NormalizedName or of any
// of Identifiers are always returned, on top of Limit.
type CandidateQuery struct {
	EntityType     EntityType
	Keys           []string
	NormalizedName string
	Identifiers    Identifiers
	Limit          int
}
