package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance.
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	for _, part := range strings.Fields(cfg.Conn.Auth.AuthType) {
		switch part {
		case "Krb5", "X509", "PSK":
		default:
			return fmt.Errorf("conn.auth.auth_type: unknown scheme %q", part)
		}
	}

	if cfg.Store.Archive.Enabled && cfg.Store.Archive.Bucket == "" {
		return fmt.Errorf("store.archive: enabled but bucket is empty")
	}

	if cfg.Store.HeaderCache.Enabled && cfg.Store.HeaderCache.Dir == "" {
		return fmt.Errorf("store.header_cache: enabled but dir is empty")
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
