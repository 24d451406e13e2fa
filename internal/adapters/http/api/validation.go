package api

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/okian/creditscore/internal/domain/model"
	"github.com/okian/creditscore/internal/domain/scoring"
)

// repaymentRequest is the body of POST /score/update and each element of a
// batch. Pointer fields distinguish a missing value from its zero.
type repaymentRequest struct {
	UserID          string   `json:"userId" validate:"required,userid"`
	RepaymentAmount *float64 `json:"repaymentAmount" validate:"required,gt=0,lte=1000000000000"`
	OnTime          *bool    `json:"onTime" validate:"required"`
	IdempotencyKey  string   `json:"idempotencyKey,omitempty" validate:"omitempty,max=128"`
}

func (r repaymentRequest) event() model.RepaymentEvent {
	return model.RepaymentEvent{
		UserID:          r.UserID,
		RepaymentAmount: *r.RepaymentAmount,
		OnTime:          *r.OnTime,
	}
}

type batchRequest struct {
	Events []repaymentRequest `json:"events" validate:"required,min=1,dive"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("userid", func(fl validator.FieldLevel) bool {
		return scoring.ValidUserID(fl.Field().String())
	})
	return v
}

// validationError flattens validator output into one message. The returned
// error wraps scoring.ErrInvalidUserID when only the user id is at fault.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", scoring.ErrInvalidRequest, err)
	}
	parts := make([]string, 0, len(verrs))
	userIDOnly := true
	for _, fe := range verrs {
		if fe.Field() != "userId" {
			userIDOnly = false
		}
		parts = append(parts, fieldMessage(fe))
	}
	kind := scoring.ErrInvalidRequest
	if userIDOnly {
		kind = scoring.ErrInvalidUserID
	}
	return fmt.Errorf("%w: %s", kind, strings.Join(parts, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		ns = ns[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return ns + " is required"
	case "userid":
		return ns + " must be 1-128 characters of letters, digits or ._:@- starting with a letter or digit"
	case "gt":
		return ns + " must be greater than " + fe.Param()
	case "lte":
		return ns + " must be at most " + fe.Param()
	case "min":
		return ns + " must have at least " + fe.Param() + " item"
	case "max":
		return ns + " must be at most " + fe.Param() + " characters"
	default:
		return ns + " is invalid"
	}
}
