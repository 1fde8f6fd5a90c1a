package notifier

import (
	"fmt"
	"strings"
	"time"

	"github.com/aleister1102/anchorwatch/internal/models"
)

// Subject returns the alert subject line.
func Subject(alert models.AlertEvent) string {
	return fmt.Sprintf("File Integrity Alert - %s", alert.Kind)
}

// Body renders the plain-text alert body shared by all sinks.
func Body(alert models.AlertEvent) string {
	var b strings.Builder
	b.WriteString("SECURITY ALERT: File Integrity Monitoring\n\n")
	fmt.Fprintf(&b, "Alert Type: %s\n", alert.Kind)
	fmt.Fprintf(&b, "File Path: %s\n", alert.Path)
	fmt.Fprintf(&b, "Timestamp: %s\n", alert.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "Previous Digest: %s\n", orNone(alert.PriorDigest))
	fmt.Fprintf(&b, "Current Digest: %s\n", orNone(alert.NewDigest))
	fmt.Fprintf(&b, "Ledger Verified: %t\n\n", alert.LedgerVerified)
	b.WriteString(describe(alert))
	b.WriteString("\n")
	return b.String()
}

func describe(alert models.AlertEvent) string {
	switch alert.Kind {
	case models.AlertDeleted:
		return "A monitored file was deleted or became unreadable."
	case models.AlertVerificationMismatch:
		return "The ledger no longer confirms the anchored digest of this file."
	default:
		if alert.LedgerVerified {
			return "A monitored file changed. The previous content was confirmed by the ledger."
		}
		return "A monitored file changed. The ledger could not confirm the previous content."
	}
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
