package validator

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidSymbol        = errors.New("invalid symbol")
	ErrInvalidPhone         = errors.New("invalid phone number")
	ErrInvalidAccountNumber = errors.New("invalid account number")
	ErrInvalidCardNumber    = errors.New("invalid card number")
	ErrInvalidExpiry        = errors.New("invalid card expiry")
	ErrInvalidCVV           = errors.New("invalid cvv")
	ErrMissingField         = errors.New("missing required field")
)

var (
	symbolRegex        = regexp.MustCompile(`^[A-Za-z0-9]{2,10}$`)
	localPhoneRegex    = regexp.MustCompile(`^01[0125][0-9]{8}$`)
	intlPhoneRegex     = regexp.MustCompile(`^\+201[0125][0-9]{8}$`)
	accountNumberRegex = regexp.MustCompile(`^[0-9]{8,20}$`)
	expiryRegex        = regexp.MustCompile(`^(0[1-9]|1[0-2])/([0-9]{2})$`)
	cvvRegex           = regexp.MustCompile(`^[0-9]{3,4}$`)
)

func ValidateSymbol(symbol string) error {
	if !symbolRegex.MatchString(symbol) {
		return ErrInvalidSymbol
	}
	return nil
}

// NormalizePhone accepts local (01xxxxxxxxx) and international (+201xxxxxxxxx)
// Egyptian mobile numbers and returns the international form.
func NormalizePhone(phone string) (string, error) {
	phone = strings.ReplaceAll(strings.TrimSpace(phone), " ", "")
	switch {
	case intlPhoneRegex.MatchString(phone):
		return phone, nil
	case localPhoneRegex.MatchString(phone):
		return "+20" + strings.TrimPrefix(phone, "0"), nil
	}
	return "", ErrInvalidPhone
}

func ValidateAccountNumber(number string) error {
	if !accountNumberRegex.MatchString(strings.ReplaceAll(number, " ", "")) {
		return ErrInvalidAccountNumber
	}
	return nil
}

// ValidateCardNumber checks length and the Luhn digit.
func ValidateCardNumber(number string) error {
	digits := strings.NewReplacer(" ", "", "-", "").Replace(number)
	if len(digits) < 13 || len(digits) > 19 {
		return ErrInvalidCardNumber
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if d < 0 || d > 9 {
			return ErrInvalidCardNumber
		}
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	if sum%10 != 0 {
		return ErrInvalidCardNumber
	}
	return nil
}

// ValidateExpiry accepts MM/YY that is not before the month of now.
func ValidateExpiry(expiry string, now time.Time) error {
	match := expiryRegex.FindStringSubmatch(strings.TrimSpace(expiry))
	if match == nil {
		return ErrInvalidExpiry
	}
	month, _ := strconv.Atoi(match[1])
	year, _ := strconv.Atoi(match[2])
	year += 2000
	if year < now.Year() || (year == now.Year() && month < int(now.Month())) {
		return ErrInvalidExpiry
	}
	return nil
}

// PaymentFields checks that every required field is present and well formed.
func PaymentFields(required []string, fields map[string]string, now time.Time) error {
	for _, name := range required {
		value := strings.TrimSpace(fields[name])
		if value == "" {
			return fmt.Errorf("%w: %s", ErrMissingField, name)
		}
		var err error
		switch name {
		case "phone":
			_, err = NormalizePhone(value)
		case "account_number":
			err = ValidateAccountNumber(value)
		case "card_number":
			err = ValidateCardNumber(value)
		case "expiry":
			err = ValidateExpiry(value, now)
		case "cvv":
			if !cvvRegex.MatchString(value) {
				err = ErrInvalidCVV
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}
