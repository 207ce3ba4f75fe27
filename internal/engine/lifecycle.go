package engine

import (
	"fmt"

	"gigline/internal/domain"
)

// ensureJobTransition validates a status change against the lifecycle graph.
// Anything not listed here is rejected.
func ensureJobTransition(oldStatus, newStatus domain.Status) error {
	switch oldStatus {
	case domain.StatusPending:
		if newStatus == domain.StatusApproved || newStatus == domain.StatusRejected {
			return nil
		}
	case domain.StatusApproved:
		if newStatus == domain.StatusDepositPaid {
			return nil
		}
	case domain.StatusDepositPaid:
		if newStatus == domain.StatusInProgress {
			return nil
		}
	case domain.StatusInProgress:
		if newStatus == domain.StatusCompleted {
			return nil
		}
	case domain.StatusCompleted:
		if newStatus == domain.StatusApprovedByClient || newStatus == domain.StatusRevisionRequested || newStatus == domain.StatusFinalPaid {
			return nil
		}
	case domain.StatusRevisionRequested:
		if newStatus == domain.StatusRevisionInProgress || newStatus == domain.StatusRevisionCompleted {
			return nil
		}
	case domain.StatusRevisionInProgress:
		if newStatus == domain.StatusRevisionCompleted {
			return nil
		}
	case domain.StatusRevisionCompleted:
		if newStatus == domain.StatusApprovedByClient || newStatus == domain.StatusRevisionRequested || newStatus == domain.StatusFinalPaid {
			return nil
		}
	case domain.StatusApprovedByClient:
		if newStatus == domain.StatusFinalPaid {
			return nil
		}
	case domain.StatusFinalPaid:
		if newStatus == domain.StatusJobEnd {
			return nil
		}
	}
	return fmt.Errorf("invalid job status transition %s -> %s", oldStatus, newStatus)
}
