package handlers

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/MacJediWizard/keygate/internal/license"
	"github.com/MacJediWizard/keygate/internal/models"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

var (
	registerOnce sync.Once
	registerErr  error
)

// RegisterValidators installs the custom binding tags used by request types:
// license_key, product_line, license_tier and license_state.
// It is safe to call more than once.
func RegisterValidators() error {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			registerErr = errors.New("gin validator engine is not go-playground/validator")
			return
		}

		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})

		validations := map[string]validator.Func{
			"license_key": func(fl validator.FieldLevel) bool {
				return license.IsValidKeyFormat(fl.Field().String())
			},
			"product_line": func(fl validator.FieldLevel) bool {
				return models.Product(strings.ToUpper(fl.Field().String())).IsValid()
			},
			"license_tier": func(fl validator.FieldLevel) bool {
				return models.Tier(strings.ToUpper(fl.Field().String())).IsValid()
			},
			"license_state": func(fl validator.FieldLevel) bool {
				return models.LicenseState(strings.ToUpper(fl.Field().String())).IsValid()
			},
		}
		for tag, fn := range validations {
			if err := v.RegisterValidation(tag, fn); err != nil {
				registerErr = fmt.Errorf("register %s validation: %w", tag, err)
				return
			}
		}
	})
	return registerErr
}

// bindingMessage turns a binding error into a message safe to return to callers.
func bindingMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "malformed request body"
	}

	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "license_key":
		return fmt.Sprintf("%s must match XXXX-XXXX-XXXX-XXXX", fe.Field())
	case "product_line":
		return fmt.Sprintf("%s must be one of %s", fe.Field(), joinValues(models.ValidProducts()))
	case "license_tier":
		return fmt.Sprintf("%s must be one of %s", fe.Field(), joinValues(models.ValidTiers()))
	case "license_state":
		return fmt.Sprintf("%s must be one of %s", fe.Field(), joinValues(models.ValidLicenseStates()))
	case "email":
		return fmt.Sprintf("%s must be a valid email address", fe.Field())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}

func joinValues[T ~string](values []T) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = string(v)
	}
	return strings.Join(parts, ", ")
}
