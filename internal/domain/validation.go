package domain

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

// NewValidator creates a configured validator instance
func NewValidator() *validator.Validate {
	v := validator.New()

	// Internal names become URL path segments and folder names
	_ = v.RegisterValidation("internal_name", func(fl validator.FieldLevel) bool {
		return ValidInternalName(fl.Field().String())
	})

	return v
}

// ValidInternalName reports whether name can key a catalog entry.
func ValidInternalName(name string) bool {
	if strings.TrimSpace(name) == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}

// ValidateRecord validates a PluginRecord struct
func ValidateRecord(v *validator.Validate, rec *PluginRecord) error {
	return v.Struct(rec)
}
