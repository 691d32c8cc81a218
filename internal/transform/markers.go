package transform

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"

	"github.com/meddexhq/deidentify/internal/safeharbor"
)

// Placeholder tokens are deliberately not empty strings: downstream
// consumers must be able to tell "redacted" from "no data".
var placeholders = map[safeharbor.Category]string{
	safeharbor.CategoryName:       "[NAME]",
	safeharbor.CategoryGeographic: "[ADDRESS]",
	safeharbor.CategoryDate:       "[DATE]",
	safeharbor.CategoryPhone:      "[PHONE]",
	safeharbor.CategoryFax:        "[FAX]",
	safeharbor.CategoryEmail:      "[EMAIL]",
	safeharbor.CategorySSN:        "[SSN]",
	safeharbor.CategoryMRN:        "[MRN]",
	safeharbor.CategoryHealthPlan: "[HEALTH-PLAN-ID]",
	safeharbor.CategoryAccount:    "[ACCOUNT]",
	safeharbor.CategoryLicense:    "[LICENSE]",
	safeharbor.CategoryVehicle:    "[VEHICLE-ID]",
	safeharbor.CategoryDevice:     "[DEVICE-ID]",
	safeharbor.CategoryURL:        "[URL]",
	safeharbor.CategoryIP:         "[IP]",
	safeharbor.CategoryBiometric:  "[BIOMETRIC]",
	safeharbor.CategoryPhoto:      "[PHOTO]",
	safeharbor.CategoryOther:      "[ID]",
}

// Placeholder returns the fixed replacement token for a category.
func Placeholder(c safeharbor.Category) string {
	if p, ok := placeholders[c]; ok {
		return p
	}
	return "[REDACTED]"
}

// HashToken computes the deterministic token for a value under one
// patient's salt. Same value, same patient: same token. Same value,
// different patient: different token.
func HashToken(c safeharbor.Category, value string, salt []byte) string {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(value))
	return fmt.Sprintf("[HASH:%s:%s]", c, hex.EncodeToString(h.Sum(nil))[:16])
}

var (
	placeholderRe = regexp.MustCompile(`^\[[A-Z][A-Z-]*\]$`)
	hashTokenRe   = regexp.MustCompile(`^\[HASH:[a-z_]+:[0-9a-f]{16}\]$`)
	bucketRe      = regexp.MustCompile(`^\d{1,3}\+$`)
)

// IsMarker reports whether s is one of our own output tokens. The
// transforms are no-ops on markers, which is what makes a second pass
// over already-processed output safe.
func IsMarker(s string) bool {
	return placeholderRe.MatchString(s) || hashTokenRe.MatchString(s) || bucketRe.MatchString(s)
}
