package contacts

import (
	"time"

	"github.com/nestaid/nestaid-server/internal/models"
)

// Outcome classifies a normalized record against an owner's existing set.
type Outcome string

const (
	// OutcomeNew means no existing contact shares an identity key.
	OutcomeNew Outcome = "new"
	// OutcomeDuplicate means an existing contact matches on identity and on
	// every field the incoming record provides.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeConflict means identity matches but at least one provided field
	// differs; callers decide the merge policy.
	OutcomeConflict Outcome = "conflict"
)

// FieldDiff describes one differing field between the existing row and the
// incoming record.
type FieldDiff struct {
	Field    string `json:"field"`
	Existing string `json:"existing"`
	Incoming string `json:"incoming"`
}

// Match is the result of classifying one incoming record.
type Match struct {
	Outcome  Outcome
	Existing *models.Contact // nil when OutcomeNew
	Diff     []FieldDiff     // populated when OutcomeConflict
}

// Classify resolves an incoming record against the owner's existing contacts.
// Identity matching is a union: when the incoming record carries both phone
// and email, matching either against an existing row counts as the same
// identity, so a re-entered email-only contact is not treated as new when a
// phone-only row already exists.
func Classify(incoming Normalized, existing []models.Contact) Match {
	matched := findByIdentity(incoming, existing)
	if matched == nil {
		return Match{Outcome: OutcomeNew}
	}

	diff := DiffFields(matched, incoming)
	if len(diff) == 0 {
		return Match{Outcome: OutcomeDuplicate, Existing: matched}
	}

	return Match{Outcome: OutcomeConflict, Existing: matched, Diff: diff}
}

func findByIdentity(incoming Normalized, existing []models.Contact) *models.Contact {
	for i := range existing {
		candidate := &existing[i]
		if incoming.Phone != "" && candidate.PhoneValue() == incoming.Phone {
			return candidate
		}
		if incoming.Email != "" && candidate.EmailValue() == incoming.Email {
			return candidate
		}
	}
	return nil
}

// DiffFields returns a field-level diff of the values the incoming record
// provides. An empty incoming field never conflicts with a populated existing
// one; only populated, differing values are reported.
func DiffFields(existing *models.Contact, incoming Normalized) []FieldDiff {
	var diff []FieldDiff

	appendDiff := func(field, existingValue, incomingValue string) {
		if incomingValue != "" && existingValue != incomingValue {
			diff = append(diff, FieldDiff{Field: field, Existing: existingValue, Incoming: incomingValue})
		}
	}

	appendDiff("first_name", existing.FirstName, incoming.FirstName)
	appendDiff("last_name", existing.LastName, incoming.LastName)
	appendDiff("company", existing.Company, incoming.Company)
	appendDiff("job_title", existing.JobTitle, incoming.JobTitle)

	// Identity fields merge additively: a side missing one never erases it,
	// but a populated differing value is a conflict.
	appendDiff("phone", existing.PhoneValue(), incoming.Phone)
	appendDiff("email", existing.EmailValue(), incoming.Email)

	return diff
}

// MergeFields applies the per-field last-modified-wins policy used by device
// sync: for each differing field the side with the more recent modification
// timestamp wins, so two fields of one record can have different winners.
// Equal timestamps resolve to the server side. It returns the fields that
// changed on the server row.
func MergeFields(existing *models.Contact, incoming Normalized, deviceModified, serverModified time.Time) []string {
	diff := DiffFields(existing, incoming)
	if len(diff) == 0 {
		return nil
	}

	deviceWins := deviceModified.After(serverModified)
	if !deviceWins {
		return nil
	}

	changed := make([]string, 0, len(diff))
	for _, d := range diff {
		switch d.Field {
		case "first_name":
			existing.FirstName = d.Incoming
		case "last_name":
			existing.LastName = d.Incoming
		case "company":
			existing.Company = d.Incoming
		case "job_title":
			existing.JobTitle = d.Incoming
		case "phone":
			value := d.Incoming
			existing.Phone = &value
		case "email":
			value := d.Incoming
			existing.Email = &value
		}
		changed = append(changed, d.Field)
	}
	return changed
}

// FillMissingIdentity copies an identity field the server row lacks from the
// incoming record, regardless of timestamps (additive merge, no data loss).
func FillMissingIdentity(existing *models.Contact, incoming Normalized) []string {
	var filled []string

	if existing.Phone == nil && incoming.Phone != "" {
		value := incoming.Phone
		existing.Phone = &value
		filled = append(filled, "phone")
	}
	if existing.Email == nil && incoming.Email != "" {
		value := incoming.Email
		existing.Email = &value
		filled = append(filled, "email")
	}
	return filled
}
