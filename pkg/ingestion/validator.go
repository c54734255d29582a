package ingestion

import (
	"errors"
	"fmt"
	"strings"

	"github.com/citypulse/platform/pkg/common/models"
)

var (
	errUnknownSource  = errors.New("unknown source")
	errDisabledSource = errors.New("source disabled")
)

type ValidationError struct {
	reason error
}

func (e ValidationError) Error() string {
	return e.reason.Error()
}

func (e ValidationError) Unwrap() error {
	return e.reason
}

func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// validateExplicitSource checks a source requested by id. src is nil when the id is unknown.
func validateExplicitSource(id string, src *models.Source) error {
	if src == nil {
		return ValidationError{reason: fmt.Errorf("source '%s': %w", id, errUnknownSource)}
	}
	if !src.IsEnabled {
		return ValidationError{reason: fmt.Errorf("source '%s': %w", id, errDisabledSource)}
	}
	return nil
}

func normalizeSourceID(id string) string {
	return strings.TrimSpace(id)
}
