package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ValidationError reports caller input that can never succeed as given.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// InsufficientFundsError is returned when the mission fund cannot cover a
// payment. Available is the amount that could have been spent.
type InsufficientFundsError struct {
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient mission funds: requested $%s, available $%s",
		e.Requested.StringFixed(2), e.Available.StringFixed(2))
}

type EligibilityError struct {
	MemberID     string
	Interactions int64
	Required     int64
}

func (e EligibilityError) Error() string {
	return fmt.Sprintf("member %s has %d interactions; %d required to claim missions", e.MemberID, e.Interactions, e.Required)
}

type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
	Reason string
}

func (e InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("invalid %s status transition %s -> %s", e.Entity, e.From, e.To)
	if e.ID != "" {
		msg = fmt.Sprintf("invalid %s %s status transition %s -> %s", e.Entity, e.ID, e.From, e.To)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

type JobAlreadyPaidError struct {
	JobID  string
	PaidAt string
	PaidBy string
}

func (e JobAlreadyPaidError) Error() string {
	if e.PaidAt == "" {
		return fmt.Sprintf("job %s already paid", e.JobID)
	}
	return fmt.Sprintf("job %s already paid at %s by %s", e.JobID, e.PaidAt, e.PaidBy)
}

// JobAlreadySettledError rejects interactions on a job whose counts are frozen.
type JobAlreadySettledError struct {
	JobID string
}

func (e JobAlreadySettledError) Error() string {
	return fmt.Sprintf("job %s already settled; interactions are frozen", e.JobID)
}

type PermissionError struct {
	ActorID    string
	Permission string
}

func (e PermissionError) Error() string {
	if e.ActorID == "" {
		return fmt.Sprintf("permission %s required", e.Permission)
	}
	return fmt.Sprintf("actor %s lacks permission %s", e.ActorID, e.Permission)
}

// UpstreamUnavailableError wraps a failure of an external collaborator.
type UpstreamUnavailableError struct {
	Service string
	Err     error
}

func (e UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Service, e.Err)
}

func (e UpstreamUnavailableError) Unwrap() error { return e.Err }
