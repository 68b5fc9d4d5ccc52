package contacts

import (
	"regexp"
	"strings"
)

// Reasons reported for rejected or partially-invalid records.
const (
	ReasonNoValidIdentifier = "NO_VALID_IDENTIFIER"
	ReasonInvalidPhone      = "INVALID_PHONE"
	ReasonInvalidEmail      = "INVALID_EMAIL"
)

var (
	emailPattern    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	nonPhonePattern = regexp.MustCompile(`[^0-9+]`)
)

// RawContact is a loosely-typed record from any source: CSV row, device
// contact, or manual form input.
type RawContact struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
	Email     string `json:"email"`
	Company   string `json:"company"`
	JobTitle  string `json:"job_title"`
}

// Normalized is the canonical internal contact shape: phone in E.164-style
// form, email lower-cased and trimmed. Normalize is idempotent; feeding its
// output back in yields the same record.
type Normalized struct {
	FirstName string
	LastName  string
	Phone     string // empty when absent or invalid
	Email     string // empty when absent or invalid
	Company   string
	JobTitle  string

	// FieldErrors lists identifiers that were present but unusable.
	FieldErrors []string
}

// Valid reports whether the record carries at least one usable identifier.
func (n Normalized) Valid() bool {
	return n.Phone != "" || n.Email != ""
}

// Normalize canonicalises a raw record. It never touches storage. A record
// where neither phone nor email survives validation is returned with
// ok=false and reason ReasonNoValidIdentifier.
func Normalize(raw RawContact) (normalized Normalized, ok bool, reason string) {
	n := Normalized{
		FirstName: strings.TrimSpace(raw.FirstName),
		LastName:  strings.TrimSpace(raw.LastName),
		Company:   strings.TrimSpace(raw.Company),
		JobTitle:  strings.TrimSpace(raw.JobTitle),
	}

	if phone := strings.TrimSpace(raw.Phone); phone != "" {
		if canonical, valid := NormalizePhone(phone); valid {
			n.Phone = canonical
		} else {
			n.FieldErrors = append(n.FieldErrors, ReasonInvalidPhone)
		}
	}

	if email := strings.TrimSpace(raw.Email); email != "" {
		if canonical, valid := NormalizeEmail(email); valid {
			n.Email = canonical
		} else {
			n.FieldErrors = append(n.FieldErrors, ReasonInvalidEmail)
		}
	}

	if !n.Valid() {
		return n, false, ReasonNoValidIdentifier
	}

	return n, true, ""
}

// NormalizePhone strips everything but digits and a leading "+", prefixes "+"
// when the number is 11+ digits without one, and validates that the digit
// count is 7-15.
func NormalizePhone(phone string) (string, bool) {
	cleaned := nonPhonePattern.ReplaceAllString(strings.TrimSpace(phone), "")
	if cleaned == "" {
		return "", false
	}

	// Interior "+" signs are noise from copy/paste; only a leading one counts.
	hasPlus := strings.HasPrefix(cleaned, "+")
	digits := strings.ReplaceAll(cleaned, "+", "")

	if len(digits) < 7 || len(digits) > 15 {
		return "", false
	}

	if hasPlus || len(digits) >= 11 {
		return "+" + digits, true
	}
	return digits, true
}

// NormalizeEmail lower-cases and trims, then checks a basic
// local@domain.tld shape.
func NormalizeEmail(email string) (string, bool) {
	cleaned := strings.ToLower(strings.TrimSpace(email))
	if cleaned == "" || !emailPattern.MatchString(cleaned) {
		return "", false
	}
	return cleaned, true
}
