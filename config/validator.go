package config

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const clockLayout = "15:04"

var environments = []string{"development", "staging", "production"}

var validate = newValidator()

// newValidator reports fields by their config key, e.g. retrieval.rrf_k,
// so messages match what the user wrote in the file or environment.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("env", func(fl validator.FieldLevel) bool {
		return slices.Contains(environments, fl.Field().String())
	})
	_ = v.RegisterValidation("clock", func(fl validator.FieldLevel) bool {
		_, err := time.Parse(clockLayout, fl.Field().String())
		return err == nil
	})
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		rc := sl.Current().Interface().(RetrievalConfig)
		if sum := rc.RelevanceWeight + rc.ImportanceWeight + rc.RecencyWeight; math.Abs(sum-1) > 1e-6 {
			sl.ReportError(sum, "relevance_weight", "RelevanceWeight", "weights", "")
		}
	}, RetrievalConfig{})
	return v
}

// ConfigError is one invalid setting.
type ConfigError struct {
	Key     string
	Message string
	Value   interface{}
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Key, e.Message, e.Value)
}

// ValidationErrors lists every invalid setting found in one pass.
type ValidationErrors []ConfigError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	lines := make([]string, 0, len(e)+1)
	lines = append(lines, "invalid configuration:")
	for _, ce := range e {
		lines = append(lines, "  - "+ce.Error())
	}
	return strings.Join(lines, "\n")
}

// ValidateWithDetails checks cfg and returns ValidationErrors naming each
// offending key.
func ValidateWithDetails(cfg *Config) error {
	err := validate.Struct(cfg)
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		key := strings.TrimPrefix(fe.Namespace(), "Config.")
		value := fe.Value()
		if strings.HasSuffix(key, "api_key") {
			value = "[REDACTED]"
		}
		out = append(out, ConfigError{Key: key, Message: describe(fe), Value: value})
	}
	return out
}

var fixedMessages = map[string]string{
	"required":    "is required",
	"required_if": "is required",
	"env":         "must be one of [" + strings.Join(environments, " ") + "]",
	"clock":       "must be a local time of day in HH:MM form",
	"weights":     "relevance, importance and recency weights must sum to 1",
}

var paramMessages = map[string]string{
	"min":   "must be at least %s",
	"max":   "must be at most %s",
	"gt":    "must be greater than %s",
	"gte":   "must be at least %s",
	"lte":   "must be at most %s",
	"oneof": "must be one of [%s]",
}

func describe(fe validator.FieldError) string {
	if msg, ok := fixedMessages[fe.Tag()]; ok {
		return msg
	}
	if format, ok := paramMessages[fe.Tag()]; ok {
		return fmt.Sprintf(format, fe.Param())
	}
	return "failed check " + fe.Tag()
}

// ParseClock returns the hour and minute of an HH:MM string.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse(clockLayout, s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}
