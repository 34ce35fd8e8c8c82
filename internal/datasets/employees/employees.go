// Package employees implements the dataset rules for synchronizing
// employee records into the target identity-management system: identity by
// normalized email, a manager link into the same dataset, an organization
// link, and password handling as a secret field.
package employees

import (
	"fmt"
	"strings"

	"github.com/rostersync/rostersync/pkg/dataset"
	"github.com/rostersync/rostersync/pkg/errors"
)

// Dataset name registered with the pipeline.
const Name = "employees"

// Desired-state fields. Double-underscore fields are link bookkeeping:
// excluded from fingerprints and diffs, consumed by link resolution only.
const (
	fieldEmail           = "email"
	fieldLastName        = "last_name"
	fieldFirstName       = "first_name"
	fieldMiddleName      = "middle_name"
	fieldLogonDisabled   = "is_logon_disable"
	fieldUserName        = "user_name"
	fieldPhone           = "phone"
	fieldPassword        = "password"
	fieldPersonnelNumber = "personnel_number"
	fieldManagerID       = "manager_id"
	fieldOrganizationID  = "organization_id"
	fieldPosition        = "position"
	fieldOrgTabNum       = "usr_org_tab_num"

	rawManagerPersonnel = "__manager_personnel_number"
	rawManagerEmail     = "__manager_email"
	rawOrgCode          = "__organization_code"
)

// stringFields are diffed with whitespace normalization.
var stringFields = []string{
	fieldLastName, fieldFirstName, fieldMiddleName,
	fieldUserName, fieldPhone, fieldPosition, fieldOrgTabNum,
}

// Rules implements the employees dataset contract.
type Rules struct {
	extraIgnored  []string
	dedupByField  map[string][][]string
	disabledLinks map[string]bool
}

// Option adjusts the employees rules, typically from the dataset rules file.
type Option func(*Rules)

// WithExtraIgnoredFields excludes additional fields from fingerprints.
func WithExtraIgnoredFields(fields ...string) Option {
	return func(r *Rules) {
		r.extraIgnored = append(r.extraIgnored, fields...)
	}
}

// WithLinkDedup overrides the dedup rules of one declared link.
func WithLinkDedup(field string, dedup [][]string) Option {
	return func(r *Rules) {
		r.dedupByField[field] = dedup
	}
}

// WithLinkDisabled removes one declared link from resolution.
func WithLinkDisabled(field string) Option {
	return func(r *Rules) {
		r.disabledLinks[field] = true
	}
}

// New creates the employees rules.
func New(opts ...Option) *Rules {
	r := &Rules{
		dedupByField:  make(map[string][][]string),
		disabledLinks: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dataset implements dataset.Rules.
func (r *Rules) Dataset() string { return Name }

// BuildIdentity derives the identity from the normalized email.
func (r *Rules) BuildIdentity(rec dataset.Record) dataset.Identity {
	return dataset.Identity{
		Dataset: Name,
		Key:     fieldEmail,
		Value:   dataset.NormalizeKeyValue(str(rec[fieldEmail])),
	}
}

// MatchKey is the normalized email; the target indexes users by mail.
func (r *Rules) MatchKey(rec dataset.Record) string {
	return dataset.NormalizeKeyValue(str(rec[fieldEmail]))
}

// BuildDesiredState projects the validated record onto the target field
// set. Manager and organization references stay raw until link resolution
// substitutes concrete identifiers.
func (r *Rules) BuildDesiredState(rec dataset.Record) dataset.DesiredState {
	desired := dataset.DesiredState{
		fieldEmail:           normalize(str(rec[fieldEmail])),
		fieldLastName:        normalize(str(rec[fieldLastName])),
		fieldFirstName:       normalize(str(rec[fieldFirstName])),
		fieldMiddleName:      normalize(str(rec[fieldMiddleName])),
		fieldLogonDisabled:   toBool(rec[fieldLogonDisabled]),
		fieldUserName:        normalize(str(rec[fieldUserName])),
		fieldPhone:           normalize(str(rec[fieldPhone])),
		fieldPersonnelNumber: normalize(str(rec[fieldPersonnelNumber])),
		fieldPosition:        normalize(str(rec[fieldPosition])),
		fieldOrgTabNum:       normalize(str(rec[fieldOrgTabNum])),
	}

	if pw := str(rec[fieldPassword]); pw != "" {
		desired[fieldPassword] = pw
	}

	managerPersonnel := normalize(str(rec["manager_personnel_number"]))
	managerEmail := dataset.NormalizeKeyValue(str(rec["manager_email"]))
	if managerPersonnel != "" || managerEmail != "" {
		// Raw marker; replaced by the resolved manager id.
		desired[fieldManagerID] = firstNonEmpty(managerPersonnel, managerEmail)
		desired[rawManagerPersonnel] = managerPersonnel
		desired[rawManagerEmail] = managerEmail
	}

	if orgCode := normalize(str(rec["organization_code"])); orgCode != "" {
		desired[fieldOrganizationID] = orgCode
		desired[rawOrgCode] = orgCode
	}

	return desired
}

// IgnoredFields excludes secrets and link bookkeeping from fingerprints.
func (r *Rules) IgnoredFields() []string {
	base := []string{fieldPassword, rawManagerPersonnel, rawManagerEmail, rawOrgCode}
	return append(base, r.extraIgnored...)
}

// Links declares the manager and organization references. The manager link
// resolves by personnel number first, then email; multi-candidate hits
// narrow by personnel number plus email, then by name.
func (r *Rules) Links() []dataset.LinkRule {
	declared := []dataset.LinkRule{
		{
			Field:         fieldManagerID,
			TargetDataset: Name,
			Keys: []dataset.LinkKey{
				{Name: fieldPersonnelNumber, Field: rawManagerPersonnel},
				{Name: fieldEmail, Field: rawManagerEmail},
			},
			Dedup: [][]string{
				{fieldPersonnelNumber, fieldEmail},
				{fieldLastName, fieldFirstName},
			},
			CoerceInt: true,
		},
		{
			Field:         fieldOrganizationID,
			TargetDataset: "organizations",
			Keys: []dataset.LinkKey{
				{Name: "org_code", Field: rawOrgCode},
			},
			CoerceInt: true,
		},
	}

	links := make([]dataset.LinkRule, 0, len(declared))
	for _, link := range declared {
		if r.disabledLinks[link.Field] {
			continue
		}
		if dedup, ok := r.dedupByField[link.Field]; ok {
			link.Dedup = dedup
		}
		links = append(links, link)
	}
	return links
}

// Diff compares the cached user against the desired state field by field.
// Passwords are never compared by value: a set password surfaces only as a
// redacted will-change marker.
func (r *Rules) Diff(existing map[string]any, desired dataset.DesiredState) map[string]dataset.Change {
	changes := make(map[string]dataset.Change)

	compareNorm := func(field string) {
		have := normalize(str(existing[field]))
		want := normalize(str(desired[field]))
		if have != want {
			changes[field] = dataset.Change{From: have, To: want}
		}
	}

	compareNorm(fieldEmail)
	for _, field := range stringFields {
		compareNorm(field)
	}

	if have, want := toBool(existing[fieldLogonDisabled]), toBool(desired[fieldLogonDisabled]); !boolEqual(have, want) {
		changes[fieldLogonDisabled] = dataset.Change{From: have, To: want}
	}

	compareNorm(fieldPersonnelNumber)
	for _, field := range []string{fieldManagerID, fieldOrganizationID} {
		have, want := existing[field], desired[field]
		if fmt.Sprintf("%v", have) != fmt.Sprintf("%v", want) {
			changes[field] = dataset.Change{From: have, To: want}
		}
	}

	if pw := str(desired[fieldPassword]); pw != "" {
		changes[fieldPassword] = dataset.Change{Redacted: true}
	}

	return changes
}

// Merge fills gaps in the desired state from the existing user: the
// username defaults to the email local part, and the organization binding
// is preserved when the source carries none.
func (r *Rules) Merge(existing map[string]any, desired dataset.DesiredState) dataset.DesiredState {
	if str(desired[fieldUserName]) == "" {
		if email := str(desired[fieldEmail]); email != "" {
			desired[fieldUserName] = strings.SplitN(email, "@", 2)[0]
		}
	}
	if _, ok := desired[fieldOrganizationID]; !ok {
		if org, ok := existing[fieldOrganizationID]; ok && org != nil {
			desired[fieldOrganizationID] = org
		}
	}
	return desired
}

// SourceRef attaches provenance for traceability.
func (r *Rules) SourceRef(id dataset.Identity) map[string]any {
	return map[string]any{
		"dataset": Name,
		"key":     id.Key,
		"value":   id.Value,
	}
}

// SecretFields declares the password as a secret whenever it is set.
func (r *Rules) SecretFields(_ string, desired dataset.DesiredState, _ map[string]any) []string {
	if str(desired[fieldPassword]) != "" {
		return []string{fieldPassword}
	}
	return nil
}

// ValidateState enforces the structural post-conditions on the final state.
func (r *Rules) ValidateState(desired dataset.DesiredState) error {
	email := str(desired[fieldEmail])
	if email == "" {
		return errors.NewValidationError(fieldEmail, email, "email is required")
	}
	if !strings.Contains(email, "@") {
		return errors.NewValidationError(fieldEmail, email, "email has no domain part")
	}
	if str(desired[fieldLastName]) == "" {
		return errors.NewValidationError(fieldLastName, nil, "last name is required")
	}
	return nil
}

// str extracts a string field, tolerating nil and non-string scalars.
func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

// normalize collapses inner whitespace runs and trims the ends.
func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// toBool interprets the usual boolean spellings; nil means unknown.
func toBool(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case bool:
		return t
	case int:
		return t != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "yes", "y":
			return true
		case "0", "false", "no", "n":
			return false
		}
	}
	return nil
}

// boolEqual compares two tri-state booleans.
func boolEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a == b
}

// firstNonEmpty returns the first non-empty string.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
