package controlapi

import (
	"strings"
	"time"

	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

// Error codes returned in ErrorResponse.Code.
const (
	ErrCodeInvalidJSON  = "ERR_INVALID_JSON"
	ErrCodeInvalidInput = "ERR_INVALID_INPUT"
	ErrCodeInvalidQuery = "ERR_INVALID_QUERY_PARAM"
	ErrCodeNotFound     = "ERR_NOT_FOUND"
	ErrCodeConflict     = "ERR_CONFLICT"
	ErrCodeUnavailable  = "ERR_UNAVAILABLE"
	ErrCodeInternal     = "ERR_INTERNAL"
)

// -----------------------------------------------------------------------------
// Reusable Validation Logic
// -----------------------------------------------------------------------------

// validateID enforces the slug format shared by flags and segments.
func validateID(field, id string) *ErrorResponse {
	if id == "" {
		return invalidInput(field, "is required")
	}
	if len(id) > 255 {
		return invalidInput(field, "must be at most 255 characters")
	}
	if err := ruleengine.ValidateID(id); err != nil {
		return invalidInput(field, "must contain only lowercase letters, numbers, hyphens and underscores")
	}
	return nil
}

func validatePercentage(field string, p int) *ErrorResponse {
	if p < 0 || p > 100 {
		return invalidInput(field, "must be between 0 and 100")
	}
	return nil
}

func invalidInput(field, issue string) *ErrorResponse {
	return &ErrorResponse{
		Code:    ErrCodeInvalidInput,
		Message: "Invalid " + field,
		Details: []ErrorDetail{{Field: field, Issue: issue}},
	}
}

// CreateFlagRequest is the payload of POST /flags.
type CreateFlagRequest struct {
	ID                string                 `json:"id"`
	Type              ruleengine.FlagType    `json:"type,omitempty"`
	Enabled           bool                   `json:"enabled"`
	RolloutPercentage int                    `json:"rollout_percentage"`
	EligibleSegments  []string               `json:"eligible_segments,omitempty"`
	Conditions        []ruleengine.Condition `json:"conditions,omitempty"`
	Metadata          map[string]any         `json:"metadata,omitempty"`

	// Reason is recorded in the audit entry.
	Reason string `json:"reason,omitempty"`
}

// Sanitize trims whitespace and lowercases the id.
func (r *CreateFlagRequest) Sanitize() {
	r.ID = strings.ToLower(strings.TrimSpace(r.ID))
	r.Reason = strings.TrimSpace(r.Reason)
}

// Validate checks the shape of the request. Semantic checks (known segments,
// operators) happen in the service.
func (r *CreateFlagRequest) Validate() *ErrorResponse {
	if err := validateID("id", r.ID); err != nil {
		return err
	}
	if r.Type != "" && !r.Type.Valid() {
		return invalidInput("type", "must be one of release, experiment, ops, permission")
	}
	return validatePercentage("rollout_percentage", r.RolloutPercentage)
}

// UpdateFlagRequest is the payload of PATCH /flags/{id}. Pointers separate a
// missing field from an explicit zero value.
type UpdateFlagRequest struct {
	Type              *ruleengine.FlagType    `json:"type,omitempty"`
	Enabled           *bool                   `json:"enabled,omitempty"`
	RolloutPercentage *int                    `json:"rollout_percentage,omitempty"`
	EligibleSegments  *[]string               `json:"eligible_segments,omitempty"`
	Conditions        *[]ruleengine.Condition `json:"conditions,omitempty"`
	Metadata          *map[string]any         `json:"metadata,omitempty"`
	Reason            string                  `json:"reason,omitempty"`
}

func (r *UpdateFlagRequest) Validate() *ErrorResponse {
	if r.Type != nil && !r.Type.Valid() {
		return invalidInput("type", "must be one of release, experiment, ops, permission")
	}
	if r.RolloutPercentage != nil {
		return validatePercentage("rollout_percentage", *r.RolloutPercentage)
	}
	return nil
}

// ReasonRequest carries the audit reason of DELETE and rollback calls.
// The body is optional.
type ReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

// EvaluateRequest is the payload of POST /flags/{id}/evaluate.
type EvaluateRequest struct {
	SubjectID  string         `json:"subject_id,omitempty"`
	IP         string         `json:"ip,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
	Timestamp  *time.Time     `json:"timestamp,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// EvaluateResponse pairs a decision with the flag it belongs to.
type EvaluateResponse struct {
	FlagID  string            `json:"flag_id"`
	Enabled bool              `json:"enabled"`
	Reason  ruleengine.Reason `json:"reason"`
}

// StartRolloutRequest is the payload of POST /flags/{id}/rollout.
type StartRolloutRequest struct {
	Checkpoints []int `json:"checkpoints"`

	// StepInterval is a Go duration string such as "5m". Empty uses the
	// server default.
	StepInterval string `json:"step_interval,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// RolloutResponse renders rollout.Status with a readable interval.
type RolloutResponse struct {
	FlagID            string    `json:"flag_id"`
	State             string    `json:"state"`
	Checkpoints       []int     `json:"checkpoints"`
	StepInterval      string    `json:"step_interval"`
	CurrentStepIndex  int       `json:"current_step_index"`
	CurrentPercentage int       `json:"current_percentage"`
	StartedBy         string    `json:"started_by"`
	StartedAt         time.Time `json:"started_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	LastError         string    `json:"last_error,omitempty"`
}

// CreateSegmentRequest is the payload of POST /segments.
type CreateSegmentRequest struct {
	ID          string                 `json:"id"`
	Description string                 `json:"description,omitempty"`
	Criteria    []ruleengine.Condition `json:"criteria"`

	// IsActive defaults to true when omitted.
	IsActive *bool `json:"is_active,omitempty"`
}

func (r *CreateSegmentRequest) Sanitize() {
	r.ID = strings.ToLower(strings.TrimSpace(r.ID))
	r.Description = strings.TrimSpace(r.Description)
}

func (r *CreateSegmentRequest) Validate() *ErrorResponse {
	if err := validateID("id", r.ID); err != nil {
		return err
	}
	if r.ID == ruleengine.SegmentAll {
		return invalidInput("id", "\"all\" is reserved")
	}
	return nil
}

// UpdateSegmentRequest is the payload of PATCH /segments/{id}.
type UpdateSegmentRequest struct {
	Description *string                 `json:"description,omitempty"`
	Criteria    *[]ruleengine.Condition `json:"criteria,omitempty"`
	IsActive    *bool                   `json:"is_active,omitempty"`
}

// ListResponse wraps list endpoints.
type ListResponse struct {
	Data  any `json:"data"`
	Total int `json:"total"`
}

// ErrorResponse represents a standard structured API error.
type ErrorResponse struct {
	// Code is a machine-readable error code (e.g., "ERR_INVALID_INPUT").
	Code string `json:"code"`

	// Message is a human-readable description of the error.
	Message string `json:"message"`

	// Details provides optional granular validation errors.
	Details []ErrorDetail `json:"details,omitempty"`
}

// ErrorDetail provides context about specific field validation failures.
type ErrorDetail struct {
	Field string `json:"field"`
	Issue string `json:"issue"`
}
