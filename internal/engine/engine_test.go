package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gigline/internal/config"
	"gigline/internal/db"
	"gigline/internal/domain"
	"gigline/internal/engine"
	"gigline/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	// single connection keeps concurrent writers queued instead of failing
	// with busy errors, so guard clauses decide races
	conn.SetMaxOpenConns(1)
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("test-market")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func postJob(t *testing.T, env testEnv, clientID string) domain.Job {
	t.Helper()
	j, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{
		Title:       "Logo redesign",
		Description: "Refresh the company logo and brand colors.",
		Category:    "design",
		Skills:      []string{"illustrator"},
		Visibility:  "public",
		Deadline:    "2024-06-01T00:00:00Z",
		ClientID:    clientID,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return j
}

func fundJob(t *testing.T, env testEnv, clientID string, price float64) domain.Job {
	t.Helper()
	j := postJob(t, env, clientID)
	j, err := env.Engine.ReviewJob(env.Ctx, engine.ReviewOptions{JobID: j.ID, ActorID: "admin-1", Approve: true, Price: price})
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	j, err = env.Engine.PayDeposit(env.Ctx, j.ID, clientID)
	if err != nil {
		t.Fatalf("pay deposit: %v", err)
	}
	return j
}

func submitJob(t *testing.T, env testEnv, clientID, freelancerID string) domain.Job {
	t.Helper()
	j := fundJob(t, env, clientID, 100)
	j, err := env.Engine.ApplyToJob(env.Ctx, j.ID, freelancerID)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	j, err = env.Engine.SubmitWork(env.Ctx, j.ID, freelancerID, testFiles(), "first draft")
	if err != nil {
		t.Fatalf("submit work: %v", err)
	}
	return j
}

func testFiles() []engine.FileInput {
	return []engine.FileInput{{Name: "logo.png", URL: "https://files.example/logo.png", MimeType: "image/png"}}
}

func TestJobHappyPath(t *testing.T) {
	env := newTestEnv(t)
	j := postJob(t, env, "client-1")
	if j.Status != domain.StatusPending {
		t.Fatalf("expected pending, got %s", j.Status)
	}
	if j.RevisionsRemaining != 2 {
		t.Fatalf("expected 2 revisions, got %d", j.RevisionsRemaining)
	}

	j, err := env.Engine.ReviewJob(env.Ctx, engine.ReviewOptions{JobID: j.ID, ActorID: "admin-1", Approve: true, Price: 200})
	if err != nil || j.Status != domain.StatusApproved {
		t.Fatalf("review: %v (status %s)", err, j.Status)
	}
	if j.DepositAmount == nil || *j.DepositAmount != 100 {
		t.Fatalf("expected deposit 100, got %v", j.DepositAmount)
	}

	j, err = env.Engine.PayDeposit(env.Ctx, j.ID, "client-1")
	if err != nil || j.Status != domain.StatusDepositPaid {
		t.Fatalf("pay deposit: %v (status %s)", err, j.Status)
	}
	if j.PaymentStatus != domain.PaymentDepositPaid {
		t.Fatalf("expected deposit_paid payment status, got %s", j.PaymentStatus)
	}

	j, err = env.Engine.ApplyToJob(env.Ctx, j.ID, "freelancer-1")
	if err != nil || j.Status != domain.StatusInProgress {
		t.Fatalf("apply: %v (status %s)", err, j.Status)
	}
	if j.FreelancerID == nil || *j.FreelancerID != "freelancer-1" {
		t.Fatalf("expected assignment, got %v", j.FreelancerID)
	}

	j, err = env.Engine.SubmitWork(env.Ctx, j.ID, "freelancer-1", testFiles(), "draft one")
	if err != nil || j.Status != domain.StatusCompleted {
		t.Fatalf("submit: %v (status %s)", err, j.Status)
	}
	for _, d := range j.Deliverables {
		if !d.IsWatermarked {
			t.Fatalf("deliverable %s should be watermarked before final payment", d.ID)
		}
	}

	j, err = env.Engine.ClientApprove(env.Ctx, j.ID, "client-1", "looks great")
	if err != nil || j.Status != domain.StatusApprovedByClient {
		t.Fatalf("approve: %v (status %s)", err, j.Status)
	}
	if !j.ClientApproved {
		t.Fatalf("expected client_approved flag")
	}

	j, err = env.Engine.PayFinal(env.Ctx, j.ID, "client-1")
	if err != nil || j.Status != domain.StatusFinalPaid {
		t.Fatalf("pay final: %v (status %s)", err, j.Status)
	}

	j, err = env.Engine.DeliverFinal(env.Ctx, j.ID, "admin-1", testFiles(), "clean files")
	if err != nil {
		t.Fatalf("deliver final: %v", err)
	}
	for _, d := range j.Deliverables {
		if d.IsWatermarked {
			t.Fatalf("deliverable %s should not be watermarked after final payment", d.ID)
		}
	}

	j, err = env.Engine.CloseJob(env.Ctx, j.ID, "client-1")
	if err != nil || j.Status != domain.StatusJobEnd {
		t.Fatalf("close: %v (status %s)", err, j.Status)
	}
}

func TestInvalidTransitionsRejected(t *testing.T) {
	env := newTestEnv(t)
	j := postJob(t, env, "client-1")

	// deposit before approval
	_, err := env.Engine.PayDeposit(env.Ctx, j.ID, "client-1")
	var ise *engine.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected invalid state, got %v", err)
	}

	// apply before funding
	_, err = env.Engine.ApplyToJob(env.Ctx, j.ID, "freelancer-1")
	if !errors.As(err, &ise) {
		t.Fatalf("expected invalid state, got %v", err)
	}

	// close before final payment
	_, err = env.Engine.CloseJob(env.Ctx, j.ID, "client-1")
	if !errors.As(err, &ise) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestCreateJobValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name  string
		field string
		opts  engine.JobCreateOptions
	}{
		{"short title", "title", engine.JobCreateOptions{Title: "Hi", Description: "A description long enough to pass.", Category: "design", Deadline: "2024-06-01T00:00:00Z", ClientID: "c"}},
		{"short description", "description", engine.JobCreateOptions{Title: "Logo work", Description: "too short", Category: "design", Deadline: "2024-06-01T00:00:00Z", ClientID: "c"}},
		{"unknown category", "category", engine.JobCreateOptions{Title: "Logo work", Description: "A description long enough to pass.", Category: "plumbing", Deadline: "2024-06-01T00:00:00Z", ClientID: "c"}},
		{"past deadline", "deadline", engine.JobCreateOptions{Title: "Logo work", Description: "A description long enough to pass.", Category: "design", Deadline: "2023-01-01T00:00:00Z", ClientID: "c"}},
		{"bad visibility", "visibility", engine.JobCreateOptions{Title: "Logo work", Description: "A description long enough to pass.", Category: "design", Visibility: "secret", Deadline: "2024-06-01T00:00:00Z", ClientID: "c"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Engine.CreateJob(env.Ctx, tc.opts)
			var ve *engine.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if ve.Field != tc.field {
				t.Fatalf("expected field %s, got %s", tc.field, ve.Field)
			}
		})
	}
}

func TestDepositDerivedOnce(t *testing.T) {
	env := newTestEnv(t)
	j := postJob(t, env, "client-1")
	j, err := env.Engine.ReviewJob(env.Ctx, engine.ReviewOptions{JobID: j.ID, ActorID: "admin-1", Approve: true, Price: 99.99})
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if j.DepositAmount == nil || *j.DepositAmount != 50.00 {
		t.Fatalf("expected deposit 50.00, got %v", j.DepositAmount)
	}
}

func TestRejectRequiresFeedback(t *testing.T) {
	env := newTestEnv(t)
	j := postJob(t, env, "client-1")
	_, err := env.Engine.ReviewJob(env.Ctx, engine.ReviewOptions{JobID: j.ID, ActorID: "admin-1", Approve: false})
	var ve *engine.ValidationError
	if !errors.As(err, &ve) || ve.Field != "feedback" {
		t.Fatalf("expected feedback validation error, got %v", err)
	}
	j, err = env.Engine.ReviewJob(env.Ctx, engine.ReviewOptions{JobID: j.ID, ActorID: "admin-1", Approve: false, Feedback: "too vague"})
	if err != nil || j.Status != domain.StatusRejected {
		t.Fatalf("reject: %v (status %s)", err, j.Status)
	}
	if j.AdminFeedback == nil || *j.AdminFeedback != "too vague" {
		t.Fatalf("expected feedback stored, got %v", j.AdminFeedback)
	}
	if err := env.Engine.DeleteJob(env.Ctx, j.ID, "client-1"); err != nil {
		t.Fatalf("delete rejected job: %v", err)
	}
}

func TestOwnershipChecks(t *testing.T) {
	env := newTestEnv(t)
	j := submitJob(t, env, "client-1", "freelancer-1")

	var fe *engine.ForbiddenError
	if _, err := env.Engine.ClientApprove(env.Ctx, j.ID, "client-2", ""); !errors.As(err, &fe) {
		t.Fatalf("expected forbidden for foreign client, got %v", err)
	}
	if _, err := env.Engine.PayFinal(env.Ctx, j.ID, "freelancer-1"); !errors.As(err, &fe) {
		t.Fatalf("expected forbidden for contributor payment, got %v", err)
	}
	if _, err := env.Engine.SubmitWork(env.Ctx, j.ID, "freelancer-2", testFiles(), ""); !errors.As(err, &fe) {
		t.Fatalf("expected forbidden for unassigned contributor, got %v", err)
	}
}

func TestRevisionLoopBounded(t *testing.T) {
	env := newTestEnv(t)
	j := submitJob(t, env, "client-1", "freelancer-1")

	for round := 1; round <= 2; round++ {
		var err error
		j, err = env.Engine.RequestRevision(env.Ctx, j.ID, "client-1", "tweak colors")
		if err != nil || j.Status != domain.StatusRevisionRequested {
			t.Fatalf("round %d request: %v (status %s)", round, err, j.Status)
		}
		if j.RevisionsRemaining != 2-round {
			t.Fatalf("round %d: expected %d remaining, got %d", round, 2-round, j.RevisionsRemaining)
		}
		j, err = env.Engine.StartRevision(env.Ctx, j.ID, "freelancer-1")
		if err != nil || j.Status != domain.StatusRevisionInProgress {
			t.Fatalf("round %d start: %v (status %s)", round, err, j.Status)
		}
		j, err = env.Engine.SubmitRevision(env.Ctx, j.ID, "freelancer-1", testFiles(), "revised")
		if err != nil || j.Status != domain.StatusRevisionCompleted {
			t.Fatalf("round %d submit: %v (status %s)", round, err, j.Status)
		}
	}

	// allowance exhausted
	_, err := env.Engine.RequestRevision(env.Ctx, j.ID, "client-1", "one more")
	var ise *engine.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected invalid state error, got %v", err)
	}
	j, err = env.Engine.Repo.GetJob(env.Ctx, j.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if j.RevisionsRemaining != 0 {
		t.Fatalf("remaining must not go negative, got %d", j.RevisionsRemaining)
	}
	if len(j.Revisions) != 2 {
		t.Fatalf("expected 2 revision records, got %d", len(j.Revisions))
	}

	// revised work can still be approved and paid
	j, err = env.Engine.ClientApprove(env.Ctx, j.ID, "client-1", "")
	if err != nil || j.Status != domain.StatusApprovedByClient {
		t.Fatalf("approve after revisions: %v (status %s)", err, j.Status)
	}
	if rev := j.LatestRevision(); rev == nil || rev.Status != domain.RevisionApproved {
		t.Fatalf("latest revision should be approved")
	}
}

func TestSkipRevisionStart(t *testing.T) {
	env := newTestEnv(t)
	j := submitJob(t, env, "client-1", "freelancer-1")
	j, err := env.Engine.RequestRevision(env.Ctx, j.ID, "client-1", "tweak")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	// submitting directly from revision_requested is allowed
	j, err = env.Engine.SubmitRevision(env.Ctx, j.ID, "freelancer-1", testFiles(), "done")
	if err != nil || j.Status != domain.StatusRevisionCompleted {
		t.Fatalf("submit without start: %v (status %s)", err, j.Status)
	}
}

func TestRevisionFilesStayOnRevision(t *testing.T) {
	env := newTestEnv(t)
	j := submitJob(t, env, "client-1", "freelancer-1")
	if len(j.Deliverables) != 1 {
		t.Fatalf("expected 1 deliverable, got %d", len(j.Deliverables))
	}
	originalID := j.Deliverables[0].ID
	originalName := j.Deliverables[0].Name

	j, err := env.Engine.RequestRevision(env.Ctx, j.ID, "client-1", "tweak colors")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	revised := []engine.FileInput{{Name: "logo-v2.png", URL: "https://files.example/logo-v2.png", MimeType: "image/png"}}
	j, err = env.Engine.SubmitRevision(env.Ctx, j.ID, "freelancer-1", revised, "recolored")
	if err != nil {
		t.Fatalf("submit revision: %v", err)
	}

	j, err = env.Engine.Repo.GetJob(env.Ctx, j.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(j.Deliverables) != 1 || j.Deliverables[0].ID != originalID || j.Deliverables[0].Name != originalName {
		t.Fatalf("initial delivery replaced by revision files: got %+v", j.Deliverables)
	}
	rev := j.LatestRevision()
	if rev == nil || len(rev.Deliverables) != 1 || rev.Deliverables[0].Name != "logo-v2.png" {
		t.Fatalf("revision should carry its own files, got %+v", rev)
	}
	if !rev.Deliverables[0].IsWatermarked {
		t.Fatalf("revision files must be watermarked")
	}
}

func TestWriteOnceTimestamps(t *testing.T) {
	env := newTestEnv(t)
	current := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env.Engine.Now = func() time.Time { return current }

	j := submitJob(t, env, "client-1", "freelancer-1")
	if j.CompletedAt == nil {
		t.Fatalf("expected completed_at set on submit")
	}
	firstCompleted := *j.CompletedAt

	current = current.Add(24 * time.Hour)
	j, err := env.Engine.ClientApprove(env.Ctx, j.ID, "client-1", "")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	approvedAt := *j.ClientApprovedAt

	current = current.Add(24 * time.Hour)
	j, err = env.Engine.PayFinal(env.Ctx, j.ID, "client-1")
	if err != nil {
		t.Fatalf("pay final: %v", err)
	}

	current = current.Add(24 * time.Hour)
	j, err = env.Engine.CloseJob(env.Ctx, j.ID, "client-1")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if *j.CompletedAt != firstCompleted {
		t.Fatalf("completed_at rewritten: %s != %s", *j.CompletedAt, firstCompleted)
	}
	if *j.ClientApprovedAt != approvedAt {
		t.Fatalf("client_approved_at rewritten")
	}
}

func TestConcurrentApplySingleWinner(t *testing.T) {
	env := newTestEnv(t)
	j := fundJob(t, env, "client-1", 100)

	const applicants = 8
	var wg sync.WaitGroup
	results := make([]error, applicants)
	for i := 0; i < applicants; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			actor := "freelancer-" + string(rune('a'+n))
			_, results[n] = env.Engine.ApplyToJob(env.Ctx, j.ID, actor)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
	final, err := env.Engine.Repo.GetJob(env.Ctx, j.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if final.Status != domain.StatusInProgress || final.FreelancerID == nil {
		t.Fatalf("expected assigned in_progress job, got %s / %v", final.Status, final.FreelancerID)
	}
}

func TestSecondApplyConflicts(t *testing.T) {
	env := newTestEnv(t)
	j := fundJob(t, env, "client-1", 100)
	if _, err := env.Engine.ApplyToJob(env.Ctx, j.ID, "freelancer-1"); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	_, err := env.Engine.ApplyToJob(env.Ctx, j.ID, "freelancer-2")
	var ise *engine.InvalidStateError
	var ce *engine.ConflictError
	if !errors.As(err, &ise) && !errors.As(err, &ce) {
		t.Fatalf("expected conflict or invalid state, got %v", err)
	}
}

func TestUpdateFrozenAfterReview(t *testing.T) {
	env := newTestEnv(t)
	j := postJob(t, env, "client-1")
	title := "Updated logo brief"
	updated, err := env.Engine.UpdateJob(env.Ctx, engine.JobUpdateOptions{ID: j.ID, ActorID: "client-1", Title: &title})
	if err != nil || updated.Title != title {
		t.Fatalf("update pending: %v", err)
	}
	if _, err := env.Engine.ReviewJob(env.Ctx, engine.ReviewOptions{JobID: j.ID, ActorID: "admin-1", Approve: true, Price: 50}); err != nil {
		t.Fatalf("review: %v", err)
	}
	_, err = env.Engine.UpdateJob(env.Ctx, engine.JobUpdateOptions{ID: j.ID, ActorID: "client-1", Title: &title})
	var ise *engine.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected invalid state after review, got %v", err)
	}
}

func TestAdminDeliverStates(t *testing.T) {
	env := newTestEnv(t)
	j := submitJob(t, env, "client-1", "freelancer-1")

	// watermarked preview delivery only while completed
	j, err := env.Engine.Deliver(env.Ctx, j.ID, "admin-1", testFiles(), "previews")
	if err != nil || j.Status != domain.StatusCompleted {
		t.Fatalf("deliver: %v (status %s)", err, j.Status)
	}
	for _, d := range j.Deliverables {
		if !d.IsWatermarked {
			t.Fatalf("preview delivery must stay watermarked")
		}
	}
	// final delivery requires final payment
	_, err = env.Engine.DeliverFinal(env.Ctx, j.ID, "admin-1", testFiles(), "")
	var ise *engine.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected invalid state before payment, got %v", err)
	}
	if ise.Op != "job.deliver_final" {
		t.Fatalf("expected job.deliver_final op, got %s", ise.Op)
	}

	// once paid, final delivery swaps in the clean files
	if _, err = env.Engine.ClientApprove(env.Ctx, j.ID, "client-1", ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err = env.Engine.PayFinal(env.Ctx, j.ID, "client-1"); err != nil {
		t.Fatalf("pay final: %v", err)
	}
	j, err = env.Engine.DeliverFinal(env.Ctx, j.ID, "admin-1", testFiles(), "originals")
	if err != nil {
		t.Fatalf("deliver final: %v", err)
	}
	for _, d := range j.Deliverables {
		if d.IsWatermarked {
			t.Fatalf("final delivery must not be watermarked")
		}
	}
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, j.ID, "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	seen := map[string]bool{}
	for _, e := range events {
		seen[e.Type] = true
	}
	if !seen["job.delivered"] || !seen["job.final_delivered"] {
		t.Fatalf("expected distinct deliver events, got %v", seen)
	}
}

func TestGetJobScoping(t *testing.T) {
	env := newTestEnv(t)
	j := fundJob(t, env, "client-1", 100)

	// open funded public job is visible to contributors
	if _, err := env.Engine.GetJob(env.Ctx, j.ID, domain.Actor{ID: "freelancer-1", Role: domain.RoleContributor}); err != nil {
		t.Fatalf("contributor browse: %v", err)
	}
	// other clients see nothing
	var fe *engine.ForbiddenError
	if _, err := env.Engine.GetJob(env.Ctx, j.ID, domain.Actor{ID: "client-2", Role: domain.RoleClient}); !errors.As(err, &fe) {
		t.Fatalf("expected forbidden for foreign client, got %v", err)
	}
	// once assigned, unrelated contributors lose access
	if _, err := env.Engine.ApplyToJob(env.Ctx, j.ID, "freelancer-1"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := env.Engine.GetJob(env.Ctx, j.ID, domain.Actor{ID: "freelancer-2", Role: domain.RoleContributor}); !errors.As(err, &fe) {
		t.Fatalf("expected forbidden for unrelated contributor, got %v", err)
	}
	// admin sees everything
	if _, err := env.Engine.GetJob(env.Ctx, j.ID, domain.Actor{ID: "admin-1", Role: domain.RoleAdmin}); err != nil {
		t.Fatalf("admin read: %v", err)
	}
}

func TestEventsRecorded(t *testing.T) {
	env := newTestEnv(t)
	j := submitJob(t, env, "client-1", "freelancer-1")
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, j.ID, "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	want := map[string]bool{
		"job.created":        false,
		"job.reviewed":       false,
		"job.deposit_paid":   false,
		"job.assigned":       false,
		"job.work_submitted": false,
	}
	for _, e := range events {
		if _, ok := want[e.Type]; ok {
			want[e.Type] = true
		}
	}
	for typ, seen := range want {
		if !seen {
			t.Fatalf("missing event %s", typ)
		}
	}
}
