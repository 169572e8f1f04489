package service

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/ttacon/libphonenumber"

	"retailpos/backend/internal/domain"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateStruct runs the struct tags and reports the first failing field.
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return domain.NewValidationError(domain.CodeInvalidRequest, fe.Field(), "failed "+fe.Tag()+" check")
	}
	return domain.NewValidationError(domain.CodeInvalidRequest, "", err.Error())
}

// hasMoneyScale reports whether d carries at most two fraction digits.
func hasMoneyScale(d decimal.Decimal) bool {
	return d.Equal(d.Round(2))
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentCash, domain.PaymentCard, domain.PaymentQRIS, domain.PaymentEWallet, domain.PaymentTransfer:
		return true
	default:
		return false
	}
}

// normalizePhone returns the E.164 form of raw, parsed against region when
// raw carries no country prefix.
func normalizePhone(raw string, region string) (string, error) {
	parsed, err := libphonenumber.Parse(raw, region)
	if err != nil {
		return "", err
	}
	if !libphonenumber.IsValidNumber(parsed) {
		return "", errors.New("phone number is not valid")
	}
	return libphonenumber.Format(parsed, libphonenumber.E164), nil
}
