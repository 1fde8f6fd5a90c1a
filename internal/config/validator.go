package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
)

// newValidator builds a validator with the custom rules used by the config sections.
func newValidator() *validator.Validate {
	validate := validator.New()

	// Register custom validation for file existence
	_ = validate.RegisterValidation("fileexists", func(fl validator.FieldLevel) bool {
		filePath := fl.Field().String()
		if filePath == "" {
			return true
		}
		_, err := os.Stat(filePath)
		return !os.IsNotExist(err)
	})

	// Register custom validation for LogLevel
	_ = validate.RegisterValidation("loglevel", func(fl validator.FieldLevel) bool {
		switch strings.ToLower(fl.Field().String()) {
		case "", "debug", "info", "warn", "error", "fatal", "panic":
			return true
		default:
			return false
		}
	})

	// Register custom validation for LogFormat
	_ = validate.RegisterValidation("logformat", func(fl validator.FieldLevel) bool {
		switch strings.ToLower(fl.Field().String()) {
		case "", "console", "text", "json":
			return true
		default:
			return false
		}
	})

	_ = validate.RegisterValidation("ledgermode", func(fl validator.FieldLevel) bool {
		switch strings.ToLower(fl.Field().String()) {
		case LedgerModeEthereum, LedgerModeMemory:
			return true
		default:
			return false
		}
	})

	// hexkey accepts a 32-byte secp256k1 private key, with or without 0x prefix
	_ = validate.RegisterValidation("hexkey", func(fl validator.FieldLevel) bool {
		key := strings.TrimPrefix(strings.TrimPrefix(fl.Field().String(), "0x"), "0X")
		raw, err := hex.DecodeString(key)
		return err == nil && len(raw) == 32
	})

	validate.RegisterStructValidation(func(sl validator.StructLevel) {
		cfg := sl.Current().Interface().(LedgerConfig)
		if strings.EqualFold(cfg.Mode, LedgerModeEthereum) && cfg.PrivateKey == "" && cfg.PrivateKeyFile == "" {
			sl.ReportError(cfg.PrivateKey, "PrivateKey", "PrivateKey", "signingkey", "")
		}
	}, LedgerConfig{})

	return validate
}

// ValidateConfig performs validation on the GlobalConfig structure.
func ValidateConfig(cfg *GlobalConfig) error {
	if cfg == nil {
		return errors.New("configuration is nil")
	}

	err := newValidator().Struct(cfg)
	if err == nil {
		return nil
	}

	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return fmt.Errorf("configuration validation error: %w", err)
	}

	validationErrorMessages := make([]string, 0, len(errs))
	for _, e := range errs {
		fieldName := strings.TrimPrefix(e.StructNamespace(), "GlobalConfig.")
		msg := fmt.Sprintf("Validation failed for '%s': rule '%s'", fieldName, e.Tag())
		if e.Param() != "" {
			msg += fmt.Sprintf(" (expected: %s)", e.Param())
		}
		if e.Value() != nil && e.Value() != "" && !isSecretField(e.Field()) {
			msg += fmt.Sprintf(", actual: '%v'", e.Value())
		}
		validationErrorMessages = append(validationErrorMessages, msg)
	}
	return fmt.Errorf("configuration validation failed:\n  %s", strings.Join(validationErrorMessages, "\n  "))
}

func isSecretField(name string) bool {
	return name == "PrivateKey" || name == "SMTPPassword"
}
