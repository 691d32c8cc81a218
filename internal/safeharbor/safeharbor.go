// Package safeharbor enumerates the eighteen HIPAA Safe Harbor identifier
// categories and the detection rules used to find them in clinical records.
package safeharbor

import (
	"errors"
	"regexp"
)

var (
	ErrMissingCoverage = errors.New("category has no detection rules")
	ErrUnknownCategory = errors.New("unknown identifier category")
	ErrUnknownPolicy   = errors.New("unknown transform policy")
	ErrInvalidRule     = errors.New("invalid detection rule")
)

// Category is one of the identifier classes named by 45 CFR 164.514(b)(2).
type Category string

const (
	CategoryName       Category = "name"
	CategoryGeographic Category = "geographic_subdivision"
	CategoryDate       Category = "date"
	CategoryPhone      Category = "phone"
	CategoryFax        Category = "fax"
	CategoryEmail      Category = "email"
	CategorySSN        Category = "ssn"
	CategoryMRN        Category = "mrn"
	CategoryHealthPlan Category = "health_plan_beneficiary_number"
	CategoryAccount    Category = "account_number"
	CategoryLicense    Category = "certificate_license_number"
	CategoryVehicle    Category = "vehicle_identifier"
	CategoryDevice     Category = "device_identifier"
	CategoryURL        Category = "url"
	CategoryIP         Category = "ip_address"
	CategoryBiometric  Category = "biometric_identifier"
	CategoryPhoto      Category = "photograph"
	CategoryOther      Category = "other_unique_code"
)

// AllCategories returns the full Safe Harbor list in citation order.
func AllCategories() []Category {
	return []Category{
		CategoryName,
		CategoryGeographic,
		CategoryDate,
		CategoryPhone,
		CategoryFax,
		CategoryEmail,
		CategorySSN,
		CategoryMRN,
		CategoryHealthPlan,
		CategoryAccount,
		CategoryLicense,
		CategoryVehicle,
		CategoryDevice,
		CategoryURL,
		CategoryIP,
		CategoryBiometric,
		CategoryPhoto,
		CategoryOther,
	}
}

// ParseCategory validates a category name from configuration or rule files.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	for _, known := range AllCategories() {
		if c == known {
			return c, nil
		}
	}
	return "", ErrUnknownCategory
}

// Policy names the transformation applied to a detected value.
type Policy string

const (
	PolicyRemove     Policy = "remove"
	PolicyHash       Policy = "hash"
	PolicyDateShift  Policy = "date_shift"
	PolicyGeneralize Policy = "generalize"
	PolicyTruncate   Policy = "truncate"
)

// ParsePolicy validates a policy name from configuration or rule files.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyRemove, PolicyHash, PolicyDateShift, PolicyGeneralize, PolicyTruncate:
		return p, nil
	}
	return "", ErrUnknownPolicy
}

// DefaultPolicy is the transformation a category receives when a rule
// does not name one. Linkage-bearing identifiers hash so longitudinal
// joins survive de-identification; everything else is replaced outright.
func DefaultPolicy(c Category) Policy {
	switch c {
	case CategoryDate:
		return PolicyDateShift
	case CategoryMRN, CategoryHealthPlan, CategoryAccount, CategoryOther:
		return PolicyHash
	default:
		return PolicyRemove
	}
}

// MatchKind distinguishes what part of a leaf a rule matches: the field
// name it sits under, its full dotted path, or the value itself. Field
// and path matches are "explicit" and outrank value matches during
// overlap resolution.
type MatchKind string

const (
	MatchField MatchKind = "field"
	MatchPath  MatchKind = "path"
	MatchValue MatchKind = "value"
)

// Rule is a single detection rule: a compiled matcher plus the category
// and transformation policy it implies. Rules are plain data.
type Rule struct {
	Name       string
	Category   Category
	Kind       MatchKind
	Pattern    *regexp.Regexp
	Policy     Policy
	Priority   int
	Confidence float64
}

// Named reports whether the rule targets structure (field name or path)
// rather than the value.
func (r Rule) Named() bool {
	return r.Kind == MatchField || r.Kind == MatchPath
}

// MatchesField reports whether a field-kind rule matches the leaf's
// field name.
func (r Rule) MatchesField(field string) bool {
	return r.Kind == MatchField && field != "" && r.Pattern.MatchString(field)
}

// MatchesPath reports whether a path-kind rule matches the leaf's full
// dotted path. Path rules come from site catalogs targeting a known
// document structure, e.g. `^subject\.reference$` for FHIR resources.
func (r Rule) MatchesPath(path string) bool {
	return r.Kind == MatchPath && path != "" && r.Pattern.MatchString(path)
}

// MatchesValue reports whether a value-kind rule matches the string
// representation of the leaf value.
func (r Rule) MatchesValue(s string) bool {
	return r.Kind == MatchValue && r.Pattern.MatchString(s)
}
