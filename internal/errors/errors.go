// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

// ErrConflict is returned when a conditional update lost its race.
var ErrConflict = errors.New("conflicting update")

// ErrCampaignNotFound is a sentinel error
type ErrCampaignNotFound struct {
	CampaignID int64
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id int64) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

type ErrItemNotFound struct {
	ItemID int64
}

func (e *ErrItemNotFound) Error() string {
	return fmt.Sprintf("campaign item with ID %d not found", e.ItemID)
}

func NewItemNotFound(id int64) error {
	return &ErrItemNotFound{ItemID: id}
}

// ValidationError rejects input before it enters the pipeline. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

func NewValidation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsNotFound reports whether err is any of the not-found errors.
func IsNotFound(err error) bool {
	var c *ErrCampaignNotFound
	var i *ErrItemNotFound
	return errors.As(err, &c) || errors.As(err, &i)
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
