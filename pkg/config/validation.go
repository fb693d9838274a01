package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for complex rules
// that cannot be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
//
// Returns an error describing validation failures.
func Validate(cfg *Config) error {
	// Run struct tag validation
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	// Custom validation rules that can't be expressed in tags
	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if cfg.Storage.FileStore.MediumFileThreshold <= cfg.Storage.FileStore.SmallFileThreshold {
		return fmt.Errorf("storage.file_store: medium_file_threshold must exceed small_file_threshold")
	}

	if cfg.Storage.IdMap.Type == "badger" && len(cfg.Storage.IdMap.Badger) == 0 {
		return fmt.Errorf("storage.idmap: badger backend selected but storage.idmap.badger is empty")
	}

	if cfg.Storage.FileStore.Type == "s3" && len(cfg.Storage.FileStore.S3) == 0 {
		return fmt.Errorf("storage.file_store: s3 backend selected but storage.file_store.s3 is empty")
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		// Return the first validation error with context
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
