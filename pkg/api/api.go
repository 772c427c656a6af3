// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and Controller.
package api

import "time"

// CreateOrganizationRequest is the request body for creating a new organization.
type CreateOrganizationRequest struct {
	Name string `json:"name"`
	// Credits granted on creation
	InitialCredits int64 `json:"initial_credits,omitempty"`
}

// CreateOrganizationResponse is the response body after creating an organization.
type CreateOrganizationResponse struct {
	ID     string `json:"organization_id"`
	Name   string `json:"name"`
	ApiKey string `json:"api_key"`
}

// Filters narrows the units a batch covers.
type Filters struct {
	CategoryIDs []string `json:"category_ids,omitempty"`
	StyleIDs    []string `json:"style_ids,omitempty"`
	OnlyMissing bool     `json:"only_missing,omitempty"`
}

// BatchConfig is the generation configuration of a batch.
type BatchConfig struct {
	UnitCount            int      `json:"unit_count"`
	Filters              Filters  `json:"filters"`
	GenerateImages       bool     `json:"generate_images"`
	GenerateRoomProfiles bool     `json:"generate_room_profiles"`
	Rooms                []string `json:"rooms,omitempty"`
	MaterialShots        int      `json:"material_shots,omitempty"`
	TextureShots         int      `json:"texture_shots,omitempty"`
	// PriceTier is "standard" or "premium"
	PriceTier string `json:"price_tier,omitempty"`
	Overwrite bool   `json:"overwrite,omitempty"`
	DryRun    bool   `json:"dry_run,omitempty"`
}

// SubmitExecutionResponse is the response body after submitting a batch.
type SubmitExecutionResponse struct {
	ExecutionID      string  `json:"execution_id"`
	Status           string  `json:"status"`
	TotalCandidates  int     `json:"total_candidates"`
	EstimatedCost    float64 `json:"estimated_cost"`
	EstimatedCredits int64   `json:"estimated_credits"`
}

// EstimateResponse is the response body of a cost estimate.
type EstimateResponse struct {
	Units          int     `json:"units"`
	TextCost       float64 `json:"text_cost"`
	ImageCost      float64 `json:"image_cost"`
	TotalCost      float64 `json:"total_cost"`
	Credits        int64   `json:"credits"`
	PerUnitCredits int64   `json:"per_unit_credits"`
	Balance        int64   `json:"balance"`
	Sufficient     bool    `json:"sufficient"`
}

// Stats are the counters of an execution.
type Stats struct {
	TotalCandidates int `json:"total_candidates"`
	AlreadyDone     int `json:"already_done"`
	Created         int `json:"created"`
	Updated         int `json:"updated"`
	Skipped         int `json:"skipped"`
	ErrorsCount     int `json:"errors_count"`
}

// GeneratedUnit is one unit produced by an execution.
type GeneratedUnit struct {
	UnitID            string `json:"unit_id"`
	Name              string `json:"name"`
	ExternalReference string `json:"external_reference"`
}

// UnitError describes one failed unit.
type UnitError struct {
	UnitID  string `json:"unit_id"`
	Step    string `json:"step,omitempty"`
	Message string `json:"message"`
}

// CallCounts are the external calls observed during an execution.
type CallCounts struct {
	Selection    int `json:"selection"`
	MainContent  int `json:"main_content"`
	RoomProfile  int `json:"room_profile"`
	Images       int `json:"images"`
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ExecutionResponse represents an execution in API responses.
type ExecutionResponse struct {
	ID               string          `json:"id"`
	Status           string          `json:"status"`
	Config           BatchConfig     `json:"config"`
	Stats            Stats           `json:"stats"`
	GeneratedUnits   []GeneratedUnit `json:"generated_units"`
	UnitErrors       []UnitError     `json:"unit_errors,omitempty"`
	CallCounts       CallCounts      `json:"call_counts"`
	EstimatedCost    float64         `json:"estimated_cost"`
	EstimatedCredits int64           `json:"estimated_credits"`
	ActualCost       *float64        `json:"actual_cost,omitempty"`
	Error            *string         `json:"error,omitempty"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	DurationMs       *int64          `json:"duration_ms,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// BalanceResponse is the response body for balance queries.
type BalanceResponse struct {
	OrganizationID string `json:"organization_id"`
	Balance        int64  `json:"balance"`
}

// GrantCreditsRequest tops up the balance of an organization.
type GrantCreditsRequest struct {
	OrganizationID string `json:"organization_id"`
	Amount         int64  `json:"amount"`
	Reference      string `json:"reference,omitempty"`
}

// GrantCreditsResponse is returned after a grant was recorded.
type GrantCreditsResponse struct {
	TransactionID string `json:"transaction_id"`
	Balance       int64  `json:"balance"`
}

// Unit is one style of an organization's catalog.
type Unit struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	CategoryID   string `json:"category_id,omitempty"`
	CategoryName string `json:"category_name,omitempty"`
	HasContent   bool   `json:"has_content"`
}

// ImportUnitsRequest replaces or adds catalog units. The order of Units is
// the order batches iterate in.
type ImportUnitsRequest struct {
	Units []Unit `json:"units"`
}

// ImportUnitsResponse reports how many units were written.
type ImportUnitsResponse struct {
	Imported int `json:"imported"`
}

// ListUnitsResponse is the catalog of an organization.
type ListUnitsResponse struct {
	Units []Unit `json:"units"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// EventType names the kind of a progress event.
type EventType string

const (
	EventStart         EventType = "start"
	EventProgress      EventType = "progress"
	EventUnitCompleted EventType = "unit_completed"
	EventMetrics       EventType = "metrics"
	EventComplete      EventType = "complete"
	EventError         EventType = "error"
)

// IsTerminal reports whether no event follows this one.
func (t EventType) IsTerminal() bool {
	return t == EventComplete || t == EventError
}

// Event is one progress notification of an execution.
type Event struct {
	Type        EventType `json:"type"`
	ExecutionID string    `json:"execution_id"`
	Timestamp   time.Time `json:"timestamp"`
	Status      string    `json:"status,omitempty"`
	// Processed and Total are set on progress events
	Processed int    `json:"processed,omitempty"`
	Total     int    `json:"total,omitempty"`
	UnitID    string `json:"unit_id,omitempty"`
	UnitName  string `json:"unit_name,omitempty"`
	// ExternalReference is set on unit_completed events
	ExternalReference string      `json:"external_reference,omitempty"`
	Stats             *Stats      `json:"stats,omitempty"`
	CallCounts        *CallCounts `json:"call_counts,omitempty"`
	ActualCost        *float64    `json:"actual_cost,omitempty"`
	Error             string      `json:"error,omitempty"`
}
