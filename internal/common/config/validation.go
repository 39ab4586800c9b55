package config

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Config is implemented by every top-level configuration struct loaded by common.LoadConfig.
type Config interface {
	Validate() error
}

// ValidateStruct runs the validate struct tags of config and returns one error per failing field.
func ValidateStruct(config interface{}) error {
	return FormatValidationErrors(validator.New().Struct(config))
}

// FormatValidationErrors turns validator errors into readable messages.
// Errors that did not come from the validator are returned unchanged.
func FormatValidationErrors(err error) error {
	if err == nil {
		return nil
	}
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}
	var result *multierror.Error
	for _, fieldErr := range validationErrs {
		fieldName := stripPrefix(fieldErr.Namespace())
		switch fieldErr.Tag() {
		case "required":
			result = multierror.Append(result, errors.Errorf("ConfigError: Field %s is required but was not found", fieldName))
		default:
			result = multierror.Append(result, errors.Errorf("ConfigError: Field %s has invalid value %v: %s", fieldName, fieldErr.Value(), fieldErr.Tag()))
		}
	}
	return result.ErrorOrNil()
}

func stripPrefix(s string) string {
	if idx := strings.Index(s, "."); idx != -1 {
		return s[idx+1:]
	}
	return s
}
