package validator

import (
	"errors"
	"regexp"
	"strings"
)

var (
	// ErrEmptyPhone indicates phone number is empty
	ErrEmptyPhone = errors.New("phone number cannot be empty")

	// ErrInvalidFormat indicates phone number contains invalid characters
	ErrInvalidFormat = errors.New("phone number can only contain digits")

	// ErrInvalidPhone indicates the number is not a Kenyan mobile number
	ErrInvalidPhone = errors.New("phone number must be a Kenyan mobile number, e.g. 0712345678 or 254712345678")
)

// kenyanMobileRegex accepts 07XXXXXXXX, 01XXXXXXXX, 2547XXXXXXXX and
// 2541XXXXXXXX; the capture is the 9-digit subscriber number
var kenyanMobileRegex = regexp.MustCompile(`^(?:254|0)?([71]\d{8})$`)

// phoneRegex matches digits only
var phoneRegex = regexp.MustCompile(`^\d+$`)

// PhoneValidator handles phone number validation
type PhoneValidator struct{}

// NewPhoneValidator creates a new phone validator instance
func NewPhoneValidator() *PhoneValidator {
	return &PhoneValidator{}
}

// Validate validates a Kenyan mobile number and returns it in the
// 254XXXXXXXXX form M-Pesa expects
func (v *PhoneValidator) Validate(phone string) (string, error) {
	if strings.TrimSpace(phone) == "" {
		return "", ErrEmptyPhone
	}

	sanitized := v.Sanitize(phone)
	if !phoneRegex.MatchString(sanitized) {
		return "", ErrInvalidFormat
	}

	match := kenyanMobileRegex.FindStringSubmatch(sanitized)
	if match == nil {
		return "", ErrInvalidPhone
	}

	return "254" + match[1], nil
}

// Sanitize removes common separators and a leading plus
func (v *PhoneValidator) Sanitize(phone string) string {
	replacer := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "", "+", "")
	return replacer.Replace(strings.TrimSpace(phone))
}

// IsValid is a convenience method that returns true if phone is valid
func (v *PhoneValidator) IsValid(phone string) bool {
	_, err := v.Validate(phone)
	return err == nil
}

// Mask hides the middle digits of a number for logs: 2547****5678
func Mask(phone string) string {
	if len(phone) < 8 {
		return strings.Repeat("*", len(phone))
	}
	return phone[:4] + strings.Repeat("*", len(phone)-8) + phone[len(phone)-4:]
}
