package models

import "time"

// EntityType is the closed set of entity kinds sharing the canonical schema.
type EntityType string

const (
	EntityTypeCompany  EntityType = "company"
	EntityTypeInvestor EntityType = "investor"
	EntityTypePerson   EntityType = "person"
)

// EntityTypes lists every supported type in a stable order.
var EntityTypes = []EntityType{EntityTypeCompany, EntityTypeInvestor, EntityTypePerson}

func (t EntityType) Valid() bool {
	switch t {
	case EntityTypeCompany, EntityTypeInvestor, EntityTypePerson:
		return true
	}
	return false
}

type EntityStatus string

const (
	EntityStatusActive     EntityStatus = "active"
	EntityStatusTombstoned EntityStatus = "tombstoned"
)

// IdentifierKind names an exact-match identifier.
type IdentifierKind string

const (
	IdentifierTicker         IdentifierKind = "ticker"
	IdentifierRegistryNumber IdentifierKind = "registry_number"
	IdentifierLEI            IdentifierKind = "lei"
	IdentifierDomain         IdentifierKind = "domain"
)

// ExactIdentifierKinds are the kinds that produce exact_id matches. Domain has its own tier.
var ExactIdentifierKinds = []IdentifierKind{IdentifierTicker, IdentifierRegistryNumber, IdentifierLEI}

// IdentifierKinds lists every kind that is unique among active entities.
var IdentifierKinds = []IdentifierKind{IdentifierTicker, IdentifierRegistryNumber, IdentifierLEI, IdentifierDomain}

type Identifiers struct {
	Ticker         string `json:"ticker,omitempty"`
	RegistryNumber string `json:"registry_number,omitempty"`
	LEI            string `json:"lei,omitempty"`
	Domain         string `json:"domain,omitempty"`
}

func (i Identifiers) Get(kind IdentifierKind) string {
	switch kind {
	case IdentifierTicker:
		return i.Ticker
	case IdentifierRegistryNumber:
		return i.RegistryNumber
	case IdentifierLEI:
		return i.LEI
	case IdentifierDomain:
		return i.Domain
	}
	return ""
}

func (i *Identifiers) Set(kind IdentifierKind, value string) {
	switch kind {
	case IdentifierTicker:
		i.Ticker = value
	case IdentifierRegistryNumber:
		i.RegistryNumber = value
	case IdentifierLEI:
		i.LEI = value
	case IdentifierDomain:
		i.Domain = value
	}
}

func (i Identifiers) IsZero() bool {
	return i == Identifiers{}
}

type Location struct {
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Country string `json:"country,omitempty"`
}

func (l Location) IsZero() bool {
	return l == Location{}
}

type Classification struct {
	Industry string `json:"industry,omitempty"`
	Sector   string `json:"sector,omitempty"`
}

// CanonicalEntity is the resolved, deduplicated identity.
type CanonicalEntity struct {
	ID             string         `json:"id"`
	EntityType     EntityType     `json:"entity_type"`
	CanonicalName  string         `json:"canonical_name"`
	NormalizedName string         `json:"normalized_name"`
	Identifiers    Identifiers    `json:"identifiers"`
	Location       Location       `json:"location"`
	Classification Classification `json:"classification"`
	Status         EntityStatus   `json:"status"`
	MergedIntoID   string         `json:"merged_into_id,omitempty"`
	Version        int            `json:"version"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (e *CanonicalEntity) IsActive() bool {
	return e.Status == EntityStatusActive
}

// Enrich fills blank fields of e from other and reports whether anything changed.
// skip is consulted for identifiers and may veto a kind.
func (e *CanonicalEntity) Enrich(ids Identifiers, loc Location, cls Classification, skip func(IdentifierKind, string) bool) bool {
	changed := false
	for _, kind := range IdentifierKinds {
		value := ids.Get(kind)
		if value == "" || e.Identifiers.Get(kind) != "" {
			continue
		}
		if skip != nil && skip(kind, value) {
			continue
		}
		e.Identifiers.Set(kind, value)
		changed = true
	}
	if e.Location.City == "" && loc.City != "" {
		e.Location.City, changed = loc.City, true
	}
	if e.Location.State == "" && loc.State != "" {
		e.Location.State, changed = loc.State, true
	}
	if e.Location.Country == "" && loc.Country != "" {
		e.Location.Country, changed = loc.Country, true
	}
	if e.Classification.Industry == "" && cls.Industry != "" {
		e.Classification.Industry, changed = cls.Industry, true
	}
	if e.Classification.Sector == "" && cls.Sector != "" {
		e.Classification.Sector, changed = cls.Sector, true
	}
	return changed
}
