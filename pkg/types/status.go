package types

import "strings"

// Status is the closed vocabulary both state sources are normalized into
type Status string

const (
	StatusPending     Status = "pending"
	StatusProcessing  Status = "processing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
	StatusActive      Status = "active"
	StatusSuspended   Status = "suspended"
	StatusDeactivated Status = "deactivated"
	StatusVerified    Status = "verified"
	StatusUnverified  Status = "unverified"
	StatusRemoved     Status = "removed"
	StatusUnknown     Status = "unknown"
)

var statusAliases = map[string]Status{
	"pending":     StatusPending,
	"created":     StatusPending,
	"initiated":   StatusPending,
	"processing":  StatusProcessing,
	"processed":   StatusCompleted,
	"completed":   StatusCompleted,
	"complete":    StatusCompleted,
	"succeeded":   StatusCompleted,
	"success":     StatusCompleted,
	"failed":      StatusFailed,
	"failure":     StatusFailed,
	"returned":    StatusFailed,
	"error":       StatusFailed,
	"cancelled":   StatusCancelled,
	"canceled":    StatusCancelled,
	"active":      StatusActive,
	"activated":   StatusActive,
	"reactivated": StatusActive,
	"added":       StatusActive,
	"suspended":   StatusSuspended,
	"deactivated": StatusDeactivated,
	"verified":    StatusVerified,
	"unverified":  StatusUnverified,
	"removed":     StatusRemoved,
	"deleted":     StatusRemoved,
}

// NormalizeStatus maps raw status and event-type strings such as
// "transfer_completed", "customer.verified" or "Processed" onto the closed
// vocabulary. The last recognizable word wins; anything else is unknown.
func NormalizeStatus(raw string) Status {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return StatusUnknown
	}
	if st, ok := statusAliases[s]; ok {
		return st
	}

	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == '_' || r == '.' || r == '-' || r == ' ' || r == ':'
	})
	for i := len(parts) - 1; i >= 0; i-- {
		if st, ok := statusAliases[parts[i]]; ok {
			return st
		}
	}
	return StatusUnknown
}
