package domain_test

import (
	"testing"

	"gigline/internal/domain"
)

func TestStatusValid(t *testing.T) {
	for _, s := range domain.Statuses {
		if !s.Valid() {
			t.Fatalf("status %s should be valid", s)
		}
	}
	if domain.Status("shipped").Valid() {
		t.Fatalf("unknown status accepted")
	}
}

func TestPaymentStatusValid(t *testing.T) {
	for _, p := range domain.PaymentStatuses {
		if !p.Valid() {
			t.Fatalf("payment status %s should be valid", p)
		}
	}
	for _, p := range []domain.PaymentStatus{domain.PaymentDepositPending, domain.PaymentFinalPending} {
		if !p.Valid() {
			t.Fatalf("pending payment status %s should be valid", p)
		}
	}
	if domain.PaymentStatus("refunded").Valid() {
		t.Fatalf("unknown payment status accepted")
	}
}

func TestLatestRevision(t *testing.T) {
	var j domain.Job
	if j.LatestRevision() != nil {
		t.Fatalf("empty job should have no latest revision")
	}
	j.Revisions = []domain.Revision{{ID: "r1"}, {ID: "r2"}}
	if rev := j.LatestRevision(); rev == nil || rev.ID != "r2" {
		t.Fatalf("expected r2, got %+v", rev)
	}
}
