package repository

import "errors"

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// ListOptions defines pagination for list queries
type ListOptions struct {
	Offset int `json:"offset"` // Number of records to skip
	Limit  int `json:"limit"`  // Maximum number of records to return
}

// Validate validates the ListOptions and sets defaults
func (o *ListOptions) Validate() error {
	if o.Limit <= 0 {
		o.Limit = DefaultListLimit
	}
	if o.Limit > MaxListLimit {
		return errors.New("limit exceeds maximum allowed value of 100")
	}
	if o.Offset < 0 {
		return errors.New("offset must be non-negative")
	}
	return nil
}
