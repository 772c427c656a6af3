// Package store contains the database layer for boardgen.
package store

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Organization owns executions, work units and credits.
// All operations must be scoped by OrganizationID.
type Organization struct {
	ID             uuid.UUID
	Name           string
	RateLimit      float64 // Submissions per second, 0 = unlimited
	RateLimitBurst int
	CreatedAt      time.Time
}

// ExecutionStatus represents the state of an execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusStopped   ExecutionStatus = "stopped"
)

// IsTerminal reports whether no further unit processing happens in this status.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusStopped:
		return true
	}
	return false
}

// PriceTier selects the unit price table used for estimates.
type PriceTier string

const (
	PriceTierStandard PriceTier = "standard"
	PriceTierPremium  PriceTier = "premium"
)

// UnitFilters narrows the candidate set of a batch.
type UnitFilters struct {
	CategoryIDs []string `json:"categoryIds,omitempty"`
	StyleIDs    []string `json:"styleIds,omitempty"`
	OnlyMissing bool     `json:"onlyMissing,omitempty"` // Only units without generated content
}

// BatchConfig is the caller-supplied configuration of one execution.
type BatchConfig struct {
	UnitCount            int         `json:"unitCount"` // 0 means every candidate
	Filters              UnitFilters `json:"filters"`
	GenerateImages       bool        `json:"generateImages"`
	GenerateRoomProfiles bool        `json:"generateRoomProfiles"`
	Rooms                []string    `json:"rooms,omitempty"`
	MaterialShots        int         `json:"materialShots"`
	TextureShots         int         `json:"textureShots"`
	PriceTier            PriceTier   `json:"priceTier"`
	Overwrite            bool        `json:"overwrite,omitempty"`
	DryRun               bool        `json:"dryRun,omitempty"`
}

// DefaultRooms are used when a config enables room content without naming rooms.
var DefaultRooms = []string{"living_room", "bedroom", "kitchen"}

// WithDefaults returns a copy of the config with empty fields filled in.
func (c BatchConfig) WithDefaults() BatchConfig {
	if len(c.Rooms) == 0 {
		c.Rooms = slices.Clone(DefaultRooms)
	}
	if c.MaterialShots <= 0 {
		c.MaterialShots = 2
	}
	if c.TextureShots <= 0 {
		c.TextureShots = 2
	}
	if c.PriceTier == "" {
		c.PriceTier = PriceTierStandard
	}
	return c
}

// ExecutionStats are the counters of one execution.
// Created + Updated + Skipped + ErrorsCount never exceeds TotalCandidates.
type ExecutionStats struct {
	TotalCandidates int `json:"totalCandidates"`
	AlreadyDone     int `json:"alreadyDone"` // Units recorded before the current phase started
	Created         int `json:"created"`
	Updated         int `json:"updated"`
	Skipped         int `json:"skipped"`
	ErrorsCount     int `json:"errorsCount"`
}

// Processed is the number of units with a recorded outcome.
func (s ExecutionStats) Processed() int {
	return s.Created + s.Updated + s.Skipped + s.ErrorsCount
}

// GeneratedUnit is one successfully produced unit.
type GeneratedUnit struct {
	UnitID            string `json:"unitId"`
	Name              string `json:"name"`
	ExternalReference string `json:"externalReference"`
	ReferenceID       string `json:"referenceId"` // Ledger reference the unit was charged under
}

// UnitError records why a unit failed.
type UnitError struct {
	UnitID  string `json:"unitId"`
	Step    string `json:"step"`
	Message string `json:"message"`
}

// InFlightUnit is the checkpoint written between a deduction and the unit outcome.
type InFlightUnit struct {
	UnitID        string    `json:"unitId"`
	ReferenceID   string    `json:"referenceId"`
	TransactionID uuid.UUID `json:"transactionId"`
	Amount        int64     `json:"amount"`
	DeductedAt    time.Time `json:"deductedAt"`
}

// CallCounts are the observed external calls of a run.
type CallCounts struct {
	Selection    int `json:"selection"`
	MainContent  int `json:"mainContent"`
	RoomProfile  int `json:"roomProfile"`
	Images       int `json:"images"`
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Add returns the element-wise sum of c and o.
func (c CallCounts) Add(o CallCounts) CallCounts {
	return CallCounts{
		Selection:    c.Selection + o.Selection,
		MainContent:  c.MainContent + o.MainContent,
		RoomProfile:  c.RoomProfile + o.RoomProfile,
		Images:       c.Images + o.Images,
		InputTokens:  c.InputTokens + o.InputTokens,
		OutputTokens: c.OutputTokens + o.OutputTokens,
	}
}

// Execution represents one batch generation run and its checkpoint.
type Execution struct {
	ID               uuid.UUID       `json:"id"`
	OrganizationID   uuid.UUID       `json:"organizationId"`
	Status           ExecutionStatus `json:"status"`
	Config           BatchConfig     `json:"config"`
	Stats            ExecutionStats  `json:"stats"`
	CandidateIDs     []string        `json:"candidateIds"`
	GeneratedUnits   []GeneratedUnit `json:"generatedUnits"`
	UnitErrors       []UnitError     `json:"unitErrors,omitempty"`
	Phase            int             `json:"phase"`
	InFlight         *InFlightUnit   `json:"inFlight,omitempty"`
	CallCounts       CallCounts      `json:"callCounts"`
	EstimatedCost    float64         `json:"estimatedCost"`
	EstimatedCredits int64           `json:"estimatedCredits"`
	ActualCost       *float64        `json:"actualCost,omitempty"`
	Error            *string         `json:"error,omitempty"`
	StartedAt        *time.Time      `json:"startedAt,omitempty"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
	DurationMs       *int64          `json:"durationMs,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`

	// Lease, stored next to the record and never inside it.
	Owner      string     `json:"-"`
	LeaseUntil *time.Time `json:"-"`
	LeaseEpoch int64      `json:"-"`
}

// LeaseLive reports whether an owner holds a lease that has not expired at now.
func (e *Execution) LeaseLive(now time.Time) bool {
	return e.Owner != "" && e.LeaseUntil != nil && e.LeaseUntil.After(now)
}

// HasGenerated reports whether unitID is already recorded in GeneratedUnits.
func (e *Execution) HasGenerated(unitID string) bool {
	for _, u := range e.GeneratedUnits {
		if u.UnitID == unitID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy with no aliasing to e.
func (e *Execution) Clone() *Execution {
	c := *e
	c.Config.Filters.CategoryIDs = slices.Clone(e.Config.Filters.CategoryIDs)
	c.Config.Filters.StyleIDs = slices.Clone(e.Config.Filters.StyleIDs)
	c.Config.Rooms = slices.Clone(e.Config.Rooms)
	c.CandidateIDs = slices.Clone(e.CandidateIDs)
	c.GeneratedUnits = slices.Clone(e.GeneratedUnits)
	c.UnitErrors = slices.Clone(e.UnitErrors)
	if e.InFlight != nil {
		f := *e.InFlight
		c.InFlight = &f
	}
	if e.ActualCost != nil {
		v := *e.ActualCost
		c.ActualCost = &v
	}
	if e.Error != nil {
		v := *e.Error
		c.Error = &v
	}
	if e.StartedAt != nil {
		v := *e.StartedAt
		c.StartedAt = &v
	}
	if e.CompletedAt != nil {
		v := *e.CompletedAt
		c.CompletedAt = &v
	}
	if e.DurationMs != nil {
		v := *e.DurationMs
		c.DurationMs = &v
	}
	if e.LeaseUntil != nil {
		v := *e.LeaseUntil
		c.LeaseUntil = &v
	}
	return &c
}

// TransactionType is the kind of a ledger row.
type TransactionType string

const (
	TransactionTypeUsage  TransactionType = "usage"
	TransactionTypeRefund TransactionType = "refund"
	TransactionTypeGrant  TransactionType = "grant"
)

// ReferenceTypeUnit marks ledger rows charged for one generation unit.
const ReferenceTypeUnit = "generation_unit"

// CreditTransaction is an immutable ledger row. Amount is always positive.
type CreditTransaction struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	Type           TransactionType
	Amount         int64
	ReferenceID    string
	ReferenceType  string
	CreatedAt      time.Time
}

// WorkUnit is one item of a batch (one style). It is never persisted by the engine.
type WorkUnit struct {
	ID             string
	OrganizationID uuid.UUID
	Name           string
	Description    string
	CategoryID     string
	CategoryName   string
	HasContent     bool
}

// UnitContent is the generated output of a unit handed to the ContentSink.
type UnitContent struct {
	Approach     string            `json:"approach"`
	Color        string            `json:"color"`
	Title        string            `json:"title"`
	Summary      string            `json:"summary"`
	Description  string            `json:"description"`
	RoomProfiles map[string]string `json:"roomProfiles,omitempty"`
	RoomImages   map[string]string `json:"roomImages,omitempty"`
	Materials    []string          `json:"materials,omitempty"`
	Textures     []string          `json:"textures,omitempty"`
	Composite    string            `json:"composite,omitempty"`
	Anchor       string            `json:"anchor,omitempty"`
}
