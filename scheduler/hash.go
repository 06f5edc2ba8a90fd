package scheduler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// AlertID derives the content address of an alert from its rule, tenant,
// and window start. Re-evaluating the same window always produces the same
// ID, which the ReplacingMergeTree alerts table collapses to one row.
func AlertID(ruleID, tenantID string, windowStart int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", ruleID, tenantID, windowStart)))
	return hex.EncodeToString(sum[:])
}

// DedupHash identifies the alert stream a firing belongs to for throttling.
// It is deliberately coarse: rule and tenant only, no window, so repeated
// firings of the same rule for the same tenant share a hash.
func DedupHash(ruleID, tenantID string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s", ruleID, tenantID)))
	return hex.EncodeToString(sum[:])
}
