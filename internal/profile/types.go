// Package profile owns the persisted configuration aggregate: a named set of
// snipe operations plus execution settings. Mutation goes through the store's
// locked read-modify-write cycle; this file is the data model.
package profile

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SchemaVersion tags every aggregate written by this build. Readers ignore
// unknown fields, so newer minor versions stay loadable.
const SchemaVersion = 1

type OperationStatus string

const (
	StatusCreated   OperationStatus = "CREATED"
	StatusValidated OperationStatus = "VALIDATED"
	StatusTested    OperationStatus = "TESTED"
	StatusReady     OperationStatus = "READY"
	StatusExecuting OperationStatus = "EXECUTING"
	StatusSuccess   OperationStatus = "SUCCESS"
	StatusFailed    OperationStatus = "FAILED"
	StatusRetrying  OperationStatus = "RETRYING"
)

// Operation is one configured snipe: target, input amount, credential.
// Status is advisory telemetry; the engine only honors the Active flag
// snapshot taken at trigger time.
type Operation struct {
	ID            string          `json:"id"`
	TargetID      string          `json:"target_id"`
	AmountIn      string          `json:"amount_in"` // decimal string
	CredentialRef []byte          `json:"credential_ref"`
	Active        bool            `json:"active"`
	Status        OperationStatus `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	LastTestedAt  *time.Time      `json:"last_tested_at,omitempty"`
	ExecutedAt    *time.Time      `json:"executed_at,omitempty"`
}

// NewOperation creates a disarmed operation; arming is an explicit step.
func NewOperation(targetID, amountIn string, credentialRef []byte) Operation {
	return Operation{
		ID:            uuid.NewString(),
		TargetID:      strings.TrimSpace(targetID),
		AmountIn:      strings.TrimSpace(amountIn),
		CredentialRef: credentialRef,
		Active:        false,
		Status:        StatusCreated,
		CreatedAt:     time.Now(),
	}
}

// Validate checks the fields the engine cannot work without.
func (o *Operation) Validate() error {
	if strings.TrimSpace(o.ID) == "" {
		return fmt.Errorf("operation id cannot be empty")
	}
	if strings.TrimSpace(o.TargetID) == "" {
		return fmt.Errorf("operation %s: target_id cannot be empty", o.ID)
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(o.AmountIn))
	if err != nil {
		return fmt.Errorf("operation %s: amount_in %q is not a decimal", o.ID, o.AmountIn)
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("operation %s: amount_in must be positive", o.ID)
	}
	if len(o.CredentialRef) == 0 {
		return fmt.Errorf("operation %s: credential_ref cannot be empty", o.ID)
	}
	return nil
}

// Settings are the per-profile execution knobs.
type Settings struct {
	MaxRetries     int             `json:"max_retries"`
	InitialDelayMs int             `json:"initial_delay_ms"`
	MaxDelayMs     int             `json:"max_delay_ms"`
	SlippagePct    decimal.Decimal `json:"slippage_pct"`   // percent, e.g. 1.5
	ExecutionMode  string          `json:"execution_mode"` // "parallel" | "sequential"
}

// Aggregate is the persisted profile: ordered operations plus settings.
// Exclusively owned by the lock holder; lock-free reads are for listing only.
type Aggregate struct {
	SchemaVersion int         `json:"schema_version"`
	Name          string      `json:"name"`
	Network       string      `json:"network"`
	Settings      Settings    `json:"settings"`
	Operations    []Operation `json:"operations"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

func NewAggregate(name, network string) *Aggregate {
	return &Aggregate{
		SchemaVersion: SchemaVersion,
		Name:          strings.TrimSpace(name),
		Network:       strings.ToLower(strings.TrimSpace(network)),
		Settings: Settings{
			ExecutionMode: "parallel",
		},
		UpdatedAt: time.Now(),
	}
}

// ActiveOperations returns a copy of the armed operations in profile order.
// The engine runs against this snapshot, not the live slice.
func (a *Aggregate) ActiveOperations() []Operation {
	if a == nil {
		return nil
	}
	out := make([]Operation, 0, len(a.Operations))
	for _, op := range a.Operations {
		if op.Active {
			out = append(out, op)
		}
	}
	return out
}

// Find returns a pointer into the aggregate's operation slice, or nil.
func (a *Aggregate) Find(operationID string) *Operation {
	if a == nil {
		return nil
	}
	for i := range a.Operations {
		if a.Operations[i].ID == operationID {
			return &a.Operations[i]
		}
	}
	return nil
}

// Add appends an operation, rejecting duplicate IDs.
func (a *Aggregate) Add(op Operation) error {
	if a.Find(op.ID) != nil {
		return fmt.Errorf("operation %s already exists in profile %s", op.ID, a.Name)
	}
	a.Operations = append(a.Operations, op)
	return nil
}

// Remove deletes an operation by ID, reporting whether it was present.
func (a *Aggregate) Remove(operationID string) bool {
	for i := range a.Operations {
		if a.Operations[i].ID == operationID {
			a.Operations = append(a.Operations[:i], a.Operations[i+1:]...)
			return true
		}
	}
	return false
}

// Summary is the lock-free listing view of a profile.
type Summary struct {
	Name            string    `json:"name"`
	Network         string    `json:"network"`
	OperationCount  int       `json:"operation_count"`
	ActiveCount     int       `json:"active_count"`
	UpdatedAt       time.Time `json:"updated_at"`
	SchemaVersion   int       `json:"schema_version"`
	ExecutionMode   string    `json:"execution_mode"`
	LockedElsewhere bool      `json:"locked_elsewhere,omitempty"`
}

func (a *Aggregate) Summarize() Summary {
	s := Summary{
		Name:           a.Name,
		Network:        a.Network,
		OperationCount: len(a.Operations),
		UpdatedAt:      a.UpdatedAt,
		SchemaVersion:  a.SchemaVersion,
		ExecutionMode:  a.Settings.ExecutionMode,
	}
	for _, op := range a.Operations {
		if op.Active {
			s.ActiveCount++
		}
	}
	return s
}
