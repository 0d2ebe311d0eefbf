package billing

import (
	"strings"
	"time"
)

func normalizeStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

// isEntitlingStatus reports whether a provider status keeps paid access.
func isEntitlingStatus(status string) bool {
	switch normalizeStatus(status) {
	case ProviderStatusActive, ProviderStatusTrialing, ProviderStatusPastDue:
		return true
	default:
		return false
	}
}

// isResumable reports whether an incomplete provider subscription can still
// collect its first payment with the stored client secret.
func isResumable(sub *ProviderSubscription) bool {
	return sub != nil && normalizeStatus(sub.Status) == ProviderStatusIncomplete && sub.ClientSecret != ""
}

type classification int

const (
	classSynced classification = iota
	classSyncedCancelling
	classPending
	classStale
)

func (c classification) String() string {
	switch c {
	case classSynced, classSyncedCancelling:
		return "synced"
	case classPending:
		return "pending"
	default:
		return "cleaned"
	}
}

// classify maps a provider subscription onto the local lifecycle. createdAt is
// the fallback age reference when the provider omits its creation time.
func classify(sub *ProviderSubscription, createdAt, now time.Time, grace time.Duration) classification {
	if sub == nil {
		return classStale
	}
	status := normalizeStatus(sub.Status)
	if isEntitlingStatus(status) {
		if sub.CancelAtPeriodEnd || sub.CancelAt != nil {
			return classSyncedCancelling
		}
		return classSynced
	}
	if status == ProviderStatusIncomplete {
		ref := sub.Created
		if ref.IsZero() {
			ref = createdAt
		}
		if now.Sub(ref) < grace {
			return classPending
		}
	}
	return classStale
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Unix() == b.Unix()
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
