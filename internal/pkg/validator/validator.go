package validator

import (
	"errors"
	"reflect"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
)

const maxIdempotencyKeyLen = 255

var (
	transactionTypes = []string{"TOPUP", "USAGE", "HOLD", "RELEASE", "REFUND", "ADJUSTMENT", "REWARD_CREDIT"}
	directions       = []string{"credit", "debit"}
	walletStatuses   = []string{"ACTIVE", "FROZEN", "CLOSED"}
)

var validate = newValidate()

// messages maps a failed tag to a user-facing message. Parameterised tags
// append the tag parameter.
var messages = map[string]string{
	"required":      "This field is required",
	"min":           "Value is too short, min ",
	"max":           "Value is too long, max ",
	"gt":            "Value must be greater than ",
	"gte":           "Value must be at least ",
	"lte":           "Value must be at most ",
	"uuid":          "Invalid UUID",
	"tx_type":       "Invalid transaction type. Must be one of: " + strings.Join(transactionTypes, ", "),
	"direction":     "Invalid direction. Must be: " + strings.Join(directions, " or "),
	"wallet_status": "Invalid status. Must be one of: " + strings.Join(walletStatuses, ", "),
	"idem_key":      "Idempotency key must be 1-255 characters without whitespace",
}

func newValidate() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report JSON names so details line up with request bodies.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	mustRegister(v, "tx_type", oneOf(transactionTypes, true))
	mustRegister(v, "direction", oneOf(directions, false))
	mustRegister(v, "wallet_status", oneOf(walletStatuses, false))
	// Keys become part of Redis keys and a VARCHAR(255) column.
	mustRegister(v, "idem_key", func(fl validator.FieldLevel) bool {
		key := fl.Field().String()
		return key != "" && len(key) <= maxIdempotencyKeyLen && !strings.ContainsAny(key, " \t\r\n")
	})
	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(err)
	}
}

func oneOf(values []string, allowEmpty bool) validator.Func {
	return func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if s == "" {
			return allowEmpty
		}
		return slices.Contains(values, s)
	}
}

// Validate returns field name to message, or nil when s is valid.
func Validate(s interface{}) map[string]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]string{"_": err.Error()}
	}

	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		msg, ok := messages[fe.Tag()]
		switch {
		case !ok:
			msg = "Invalid value"
		case fe.Param() != "" && strings.HasSuffix(msg, " "):
			msg += fe.Param()
		}
		out[fe.Field()] = msg
	}
	return out
}

// ValidateVar checks a single value against tag.
func ValidateVar(field interface{}, tag string) error {
	return validate.Var(field, tag)
}
