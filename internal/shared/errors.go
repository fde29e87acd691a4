package shared

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation marks input rejected before any write happens.
	ErrValidation = errors.New("validation failed")
)

// ResolutionError reports foreign entities that could not be matched to a
// local record. It aborts a single ticket, never the batch.
type ResolutionError struct {
	Kind  string
	Names []string
}

func (e *ResolutionError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s not found: %s", e.Kind, strings.Join(e.Names, ", "))
}

// DuplicateConfigurationError rejects a write that breaks a uniqueness rule.
type DuplicateConfigurationError struct {
	Rule   string
	Detail string
}

func (e *DuplicateConfigurationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail == "" {
		return "duplicate configuration: " + e.Rule
	}
	return fmt.Sprintf("duplicate configuration: %s: %s", e.Rule, e.Detail)
}

// IntegrityError blocks a destructive operation on a record still in use.
type IntegrityError struct {
	Entity string
	ID     int64
	Reason string
}

func (e *IntegrityError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s %d cannot be deleted: %s", e.Entity, e.ID, e.Reason)
}

// ConfigurationError reports a missing or unusable setting.
type ConfigurationError struct {
	Setting string
	Detail  string
}

func (e *ConfigurationError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("configuration %s: %s", e.Setting, e.Detail)
}

// IsConfiguration reports whether err carries a ConfigurationError.
func IsConfiguration(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// IsIntegrity reports whether err carries an IntegrityError.
func IsIntegrity(err error) bool {
	var target *IntegrityError
	return errors.As(err, &target)
}

// IsDuplicate reports whether err carries a DuplicateConfigurationError.
func IsDuplicate(err error) bool {
	var target *DuplicateConfigurationError
	return errors.As(err, &target)
}
