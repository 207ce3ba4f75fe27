package engine

import (
	"context"
	"database/sql"
	"math"
	"time"

	"github.com/google/uuid"

	"gigline/internal/config"
	"gigline/internal/domain"
	"gigline/internal/events"
	"gigline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// FileInput is a deliverable reference handed over by the file-storage
// collaborator.
type FileInput struct {
	Name     string
	URL      string
	MimeType string
}

func (e Engine) buildDeliverables(files []FileInput, watermarked bool) []domain.Deliverable {
	now := e.nowRFC3339()
	out := make([]domain.Deliverable, 0, len(files))
	for _, f := range files {
		out = append(out, domain.Deliverable{
			ID:            uuid.New().String(),
			Name:          f.Name,
			URL:           f.URL,
			MimeType:      f.MimeType,
			IsWatermarked: watermarked,
			UploadedAt:    now,
		})
	}
	return out
}

// JobCreateOptions are parameters for posting a job.
type JobCreateOptions struct {
	ID          string
	Title       string
	Description string
	Category    string
	Skills      []string
	Visibility  string
	Deadline    string
	ClientID    string
}

func (e Engine) validateJobFields(title, description, category, visibility, deadline string) error {
	if len(title) < 5 || len(title) > 100 {
		return validationf("title", "must be 5 to 100 characters")
	}
	if len(description) < 20 {
		return validationf("description", "must be at least 20 characters")
	}
	if category == "" {
		return validationf("category", "is required")
	}
	if !e.Config.KnownCategory(category) {
		return validationf("category", "unknown category %s", category)
	}
	switch visibility {
	case "public", "private", "invite_only":
	default:
		return validationf("visibility", "must be public, private or invite_only")
	}
	dl, err := time.Parse(time.RFC3339, deadline)
	if err != nil {
		return validationf("deadline", "must be an RFC3339 timestamp")
	}
	if !dl.After(e.now()) {
		return validationf("deadline", "must be in the future")
	}
	return nil
}

// CreateJob posts a new job in pending status, awaiting admin review.
func (e Engine) CreateJob(ctx context.Context, opts JobCreateOptions) (domain.Job, error) {
	if opts.ClientID == "" {
		return domain.Job{}, validationf("client_id", "is required")
	}
	if opts.Visibility == "" {
		opts.Visibility = "public"
	}
	if err := e.validateJobFields(opts.Title, opts.Description, opts.Category, opts.Visibility, opts.Deadline); err != nil {
		return domain.Job{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.nowRFC3339()
	j := domain.Job{
		ID:                 id,
		Title:              opts.Title,
		Description:        opts.Description,
		Category:           opts.Category,
		Skills:             opts.Skills,
		Visibility:         opts.Visibility,
		Deadline:           opts.Deadline,
		ClientID:           opts.ClientID,
		Status:             domain.StatusPending,
		PaymentStatus:      domain.PaymentNone,
		RevisionsRemaining: e.Config.DefaultRevisions(),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertJob(ctx, tx, j); err != nil {
		return domain.Job{}, err
	}
	if err := e.Events.Append(ctx, tx, "job.created", j.ID, opts.ClientID, events.EventPayload{"title": j.Title, "status": j.Status}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// JobUpdateOptions carries the client-editable fields. Nil means keep.
type JobUpdateOptions struct {
	ID          string
	ActorID     string
	Title       *string
	Description *string
	Category    *string
	Skills      []string
	Visibility  *string
	Deadline    *string
}

// UpdateJob edits a pending job. Once reviewed, the posting is frozen.
func (e Engine) UpdateJob(ctx context.Context, opts JobUpdateOptions) (domain.Job, error) {
	j, err := e.Repo.GetJob(ctx, opts.ID)
	if err != nil {
		return j, err
	}
	if j.ClientID != opts.ActorID {
		return j, forbidden(opts.ActorID, "not the job owner")
	}
	if j.Status != domain.StatusPending {
		return j, &InvalidStateError{Op: "job.update", Status: string(j.Status)}
	}
	from := j.Status
	if opts.Title != nil {
		j.Title = *opts.Title
	}
	if opts.Description != nil {
		j.Description = *opts.Description
	}
	if opts.Category != nil {
		j.Category = *opts.Category
	}
	if opts.Skills != nil {
		j.Skills = opts.Skills
	}
	if opts.Visibility != nil {
		j.Visibility = *opts.Visibility
	}
	if opts.Deadline != nil {
		j.Deadline = *opts.Deadline
	}
	if err := e.validateJobFields(j.Title, j.Description, j.Category, j.Visibility, j.Deadline); err != nil {
		return j, err
	}
	j.UpdatedAt = e.nowRFC3339()
	return e.commitJob(ctx, j, from, "job.update", "job.updated", opts.ActorID, events.EventPayload{"title": j.Title})
}

// DeleteJob removes a job that never entered the funded pipeline.
func (e Engine) DeleteJob(ctx context.Context, jobID, actorID string) error {
	j, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.ClientID != actorID {
		return forbidden(actorID, "not the job owner")
	}
	if j.Status != domain.StatusPending && j.Status != domain.StatusRejected {
		return &InvalidStateError{Op: "job.delete", Status: string(j.Status)}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := e.Repo.DeleteJobGuarded(ctx, tx, jobID, []domain.Status{domain.StatusPending, domain.StatusRejected})
	if err != nil {
		return err
	}
	if !ok {
		return &ConflictError{Op: "job.delete", JobID: jobID}
	}
	if err := e.Events.Append(ctx, tx, "job.deleted", jobID, actorID, events.EventPayload{"title": j.Title}); err != nil {
		return err
	}
	return tx.Commit()
}

// ReviewOptions parameterize the admin pricing decision.
type ReviewOptions struct {
	JobID    string
	ActorID  string
	Approve  bool
	Price    float64
	Feedback string
}

// ReviewJob approves a pending job with a price, or rejects it with feedback.
// The deposit is derived exactly once, when the price is first set.
func (e Engine) ReviewJob(ctx context.Context, opts ReviewOptions) (domain.Job, error) {
	j, err := e.Repo.GetJob(ctx, opts.JobID)
	if err != nil {
		return j, err
	}
	if j.Status != domain.StatusPending {
		return j, &InvalidStateError{Op: "job.review", Status: string(j.Status)}
	}
	from := j.Status
	if opts.Approve {
		if opts.Price <= 0 {
			return j, validationf("price", "must be greater than zero")
		}
		if err := ensureJobTransition(j.Status, domain.StatusApproved); err != nil {
			return j, err
		}
		j.Status = domain.StatusApproved
		price := opts.Price
		j.Price = &price
		if j.DepositAmount == nil {
			deposit := e.depositFor(price)
			j.DepositAmount = &deposit
		}
	} else {
		if opts.Feedback == "" {
			return j, validationf("feedback", "is required to reject a job")
		}
		if err := ensureJobTransition(j.Status, domain.StatusRejected); err != nil {
			return j, err
		}
		j.Status = domain.StatusRejected
	}
	if opts.Feedback != "" {
		fb := opts.Feedback
		j.AdminFeedback = &fb
	}
	j.UpdatedAt = e.nowRFC3339()
	return e.commitJob(ctx, j, from, "job.review", "job.reviewed", opts.ActorID, events.EventPayload{
		"approved": opts.Approve,
		"status":   j.Status,
	})
}

// depositFor rounds to cents. Half of the price by default.
func (e Engine) depositFor(price float64) float64 {
	pct := 50
	if e.Config != nil && e.Config.Marketplace.DepositPercentage > 0 {
		pct = e.Config.Marketplace.DepositPercentage
	}
	return math.Round(price*float64(pct)) / 100
}

// PayDeposit records the client's deposit payment and opens the job to
// contributors.
func (e Engine) PayDeposit(ctx context.Context, jobID, actorID string) (domain.Job, error) {
	j, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return j, err
	}
	if j.ClientID != actorID {
		return j, forbidden(actorID, "not the job owner")
	}
	if j.Status != domain.StatusApproved {
		return j, &InvalidStateError{Op: "job.pay_deposit", Status: string(j.Status)}
	}
	if err := ensureJobTransition(j.Status, domain.StatusDepositPaid); err != nil {
		return j, err
	}
	from := j.Status
	j.Status = domain.StatusDepositPaid
	j.PaymentStatus = domain.PaymentDepositPaid
	if j.DepositPaidAt == nil {
		ts := e.nowRFC3339()
		j.DepositPaidAt = &ts
	}
	j.UpdatedAt = e.nowRFC3339()
	return e.commitJob(ctx, j, from, "job.pay_deposit", "job.deposit_paid", actorID, events.EventPayload{
		"amount": j.DepositAmount,
	})
}

// ApplyToJob assigns a contributor to a funded job. The guarded update keys on
// freelancer_id IS NULL so concurrent applications admit exactly one winner.
func (e Engine) ApplyToJob(ctx context.Context, jobID, actorID string) (domain.Job, error) {
	j, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return j, err
	}
	if j.Status != domain.StatusDepositPaid {
		return j, &InvalidStateError{Op: "job.apply", Status: string(j.Status)}
	}
	if j.FreelancerID != nil {
		return j, &ConflictError{Op: "job.apply", JobID: jobID}
	}
	if err := ensureJobTransition(j.Status, domain.StatusInProgress); err != nil {
		return j, err
	}
	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return j, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.ClaimJobGuarded(ctx, tx, jobID, actorID, domain.StatusDepositPaid, domain.StatusInProgress, now, now)
	if err != nil {
		return j, err
	}
	if !ok {
		return j, &ConflictError{Op: "job.apply", JobID: jobID}
	}
	if err := e.Events.Append(ctx, tx, "job.assigned", jobID, actorID, events.EventPayload{"freelancer_id": actorID}); err != nil {
		return j, err
	}
	if err := tx.Commit(); err != nil {
		return j, err
	}
	return e.Repo.GetJob(ctx, jobID)
}

// SubmitWork delivers the first round of work. Files stay watermarked until
// the final payment clears.
func (e Engine) SubmitWork(ctx context.Context, jobID, actorID string, files []FileInput, note string) (domain.Job, error) {
	j, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return j, err
	}
	if j.FreelancerID == nil || *j.FreelancerID != actorID {
		return j, forbidden(actorID, "not assigned to this job")
	}
	if j.Status != domain.StatusInProgress {
		return j, &InvalidStateError{Op: "job.submit_work", Status: string(j.Status)}
	}
	if len(files) == 0 {
		return j, validationf("files", "at least one file is required")
	}
	if err := ensureJobTransition(j.Status, domain.StatusCompleted); err != nil {
		return j, err
	}
	from := j.Status
	j.Status = domain.StatusCompleted
	j.Deliverables = e.buildDeliverables(files, true)
	if note != "" {
		n := note
		j.FreelancerNote = &n
	}
	if j.CompletedAt == nil {
		ts := e.nowRFC3339()
		j.CompletedAt = &ts
	}
	j.UpdatedAt = e.nowRFC3339()
	return e.commitJob(ctx, j, from, "job.submit_work", "job.work_submitted", actorID, events.EventPayload{
		"files": len(files),
	})
}

// ClientApprove accepts the delivered work.
func (e Engine) ClientApprove(ctx context.Context, jobID, actorID, feedback string) (domain.Job, error) {
	j, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return j, err
	}
	if j.ClientID != actorID {
		return j, forbidden(actorID, "not the job owner")
	}
	if j.Status != domain.StatusCompleted && j.Status != domain.StatusRevisionCompleted {
		return j, &InvalidStateError{Op: "job.approve", Status: string(j.Status)}
	}
	if err := ensureJobTransition(j.Status, domain.StatusApprovedByClient); err != nil {
		return j, err
	}
	from := j.Status
	j.Status = domain.StatusApprovedByClient
	j.ClientApproved = true
	if j.ClientApprovedAt == nil {
		ts := e.nowRFC3339()
		j.ClientApprovedAt = &ts
	}
	if feedback != "" {
		fb := feedback
		j.ClientFeedback = &fb
	}
	if rev := j.LatestRevision(); rev != nil && rev.Status == domain.RevisionCompleted {
		rev.Status = domain.RevisionApproved
	}
	j.UpdatedAt = e.nowRFC3339()
	return e.commitJob(ctx, j, from, "job.approve", "job.client_approved", actorID, nil)
}

// RequestRevision opens a bounded revision cycle.
func (e Engine) RequestRevision(ctx context.Context, jobID, actorID, notes string) (domain.Job, error) {
	j, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return j, err
	}
	if j.ClientID != actorID {
		return j, forbidden(actorID, "not the job owner")
	}
	if j.Status != domain.StatusCompleted && j.Status != domain.StatusRevisionCompleted {
		return j, &InvalidStateError{Op: "job.request_revision", Status: string(j.Status)}
	}
	if j.RevisionsRemaining <= 0 {
		return j, &InvalidStateError{Op: "job.request_revision", Status: string(j.Status)}
	}
	if err := ensureJobTransition(j.Status, domain.StatusRevisionRequested); err != nil {
		return j, err
	}
	from := j.Status
	rev := domain.Revision{
		ID:          uuid.New().String(),
		RequestedAt: e.nowRFC3339(),
		ClientNotes: notes,
		Status:      domain.RevisionRequested,
	}
	j.Revisions = append(j.Revisions, rev)
	j.RevisionsRemaining--
	j.Status = domain.StatusRevisionRequested
	j.UpdatedAt = e.nowRFC3339()
	return e.commitJob(ctx, j, from, "job.request_revision", "job.revision_requested", actorID, events.EventPayload{
		"revision_id": rev.ID,
		"remaining":   j.RevisionsRemaining,
	})
}

// StartRevision acknowledges a revision request.
func (e Engine) StartRevision(ctx context.Context, jobID, actorID string) (domain.Job, error) {
	j, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return j, err
	}
	if j.FreelancerID == nil || *j.FreelancerID != actorID {
		return j, forbidden(actorID, "not assigned to this job")
	}
	if j.Status != domain.StatusRevisionRequested {
		return j, &InvalidStateError{Op: "job.start_revision", Status: string(j.Status)}
	}
	rev := j.LatestRevision()
	if rev == nil || rev.Status != domain.RevisionRequested {
		return j, &InvalidStateError{Op: "job.start_revision", Status: string(j.Status)}
	}
	if err := ensureJobTransition(j.Status, domain.StatusRevisionInProgress); err != nil {
		return j, err
	}
	from := j.Status
	rev.Status = domain.RevisionInProgress
	j.Status = domain.StatusRevisionInProgress
	j.UpdatedAt = e.nowRFC3339()
	return e.commitJob(ctx, j, from, "job.start_revision", "job.revision_started", actorID, events.EventPayload{
		"revision_id": rev.ID,
	})
}

// SubmitRevision completes the open revision cycle with new files.
func (e Engine) SubmitRevision(ctx context.Context, jobID, actorID string, files []FileInput, notes string) (domain.Job, error) {
	j, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return j, err
	}
	if j.FreelancerID == nil || *j.FreelancerID != actorID {
		return j, forbidden(actorID, "not assigned to this job")
	}
	if j.Status != domain.StatusRevisionRequested && j.Status != domain.StatusRevisionInProgress {
		return j, &InvalidStateError{Op: "job.submit_revision", Status: string(j.Status)}
	}
	if len(files) == 0 {
		return j, validationf("files", "at least one file is required")
	}
	rev := j.LatestRevision()
	if rev == nil || (rev.Status != domain.RevisionRequested && rev.Status != domain.RevisionInProgress) {
		return j, &InvalidStateError{Op: "job.submit_revision", Status: string(j.Status)}
	}
	if err := ensureJobTransition(j.Status, domain.StatusRevisionCompleted); err != nil {
		return j, err
	}
	from := j.Status
	now := e.nowRFC3339()
	rev.Status = domain.RevisionCompleted
	rev.CompletedAt = &now
	rev.FreelancerNotes = notes
	// revision files live on the revision record; the job keeps its
	// initial delivery until an admin deliver replaces it
	rev.Deliverables = e.buildDeliverables(files, true)
	j.Status = domain.StatusRevisionCompleted
	j.UpdatedAt = now
	return e.commitJob(ctx, j, from, "job.submit_revision", "job.revision_submitted", actorID, events.EventPayload{
		"revision_id": rev.ID,
		"files":       len(files),
	})
}

// PayFinal records the closing payment, unlocking final deliverables.
func (e Engine) PayFinal(ctx context.Context, jobID, actorID string) (domain.Job, error) {
	j, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return j, err
	}
	if j.ClientID != actorID {
		return j, forbidden(actorID, "not the job owner")
	}
	switch j.Status {
	case domain.StatusCompleted, domain.StatusRevisionCompleted, domain.StatusApprovedByClient:
	default:
		return j, &InvalidStateError{Op: "job.pay_final", Status: string(j.Status)}
	}
	if err := ensureJobTransition(j.Status, domain.StatusFinalPaid); err != nil {
		return j, err
	}
	from := j.Status
	j.Status = domain.StatusFinalPaid
	j.PaymentStatus = domain.PaymentFinalPaid
	if j.FinalPaidAt == nil {
		ts := e.nowRFC3339()
		j.FinalPaidAt = &ts
	}
	j.UpdatedAt = e.nowRFC3339()
	return e.commitJob(ctx, j, from, "job.pay_final", "job.final_paid", actorID, events.EventPayload{
		"amount": j.Price,
	})
}

// CloseJob ends a fully paid job.
func (e Engine) CloseJob(ctx context.Context, jobID, actorID string) (domain.Job, error) {
	j, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return j, err
	}
	if j.ClientID != actorID {
		return j, forbidden(actorID, "not the job owner")
	}
	if j.Status != domain.StatusFinalPaid {
		return j, &InvalidStateError{Op: "job.close", Status: string(j.Status)}
	}
	if err := ensureJobTransition(j.Status, domain.StatusJobEnd); err != nil {
		return j, err
	}
	from := j.Status
	j.Status = domain.StatusJobEnd
	if j.CompletedAt == nil {
		ts := e.nowRFC3339()
		j.CompletedAt = &ts
	}
	j.UpdatedAt = e.nowRFC3339()
	return e.commitJob(ctx, j, from, "job.close", "job.closed", actorID, nil)
}

// Deliver replaces the deliverables with admin-uploaded watermarked files.
// The status is left untouched.
func (e Engine) Deliver(ctx context.Context, jobID, actorID string, files []FileInput, note string) (domain.Job, error) {
	return e.adminDeliver(ctx, jobID, actorID, files, note, domain.StatusCompleted, true, "job.deliver", "job.delivered")
}

// DeliverFinal replaces the deliverables with the unwatermarked originals
// after the final payment cleared.
func (e Engine) DeliverFinal(ctx context.Context, jobID, actorID string, files []FileInput, note string) (domain.Job, error) {
	return e.adminDeliver(ctx, jobID, actorID, files, note, domain.StatusFinalPaid, false, "job.deliver_final", "job.final_delivered")
}

func (e Engine) adminDeliver(ctx context.Context, jobID, actorID string, files []FileInput, note string, required domain.Status, watermarked bool, op, evtType string) (domain.Job, error) {
	j, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return j, err
	}
	if j.Status != required {
		return j, &InvalidStateError{Op: op, Status: string(j.Status)}
	}
	if len(files) == 0 {
		return j, validationf("files", "at least one file is required")
	}
	from := j.Status
	j.Deliverables = e.buildDeliverables(files, watermarked)
	if note != "" {
		n := note
		j.AdminNote = &n
	}
	j.UpdatedAt = e.nowRFC3339()
	return e.commitJob(ctx, j, from, op, evtType, actorID, events.EventPayload{
		"watermarked": watermarked,
		"files":       len(files),
	})
}

// commitJob writes the mutated job with a status guard and appends the event,
// all in one transaction. A guard miss means another writer moved the job
// between our read and this write.
func (e Engine) commitJob(ctx context.Context, j domain.Job, fromStatus domain.Status, op, evtType, actorID string, payload events.EventPayload) (domain.Job, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return j, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.UpdateJobGuarded(ctx, tx, j, fromStatus)
	if err != nil {
		return j, err
	}
	if !ok {
		return j, &ConflictError{Op: op, JobID: j.ID}
	}
	if err := e.Events.Append(ctx, tx, evtType, j.ID, actorID, payload); err != nil {
		return j, err
	}
	if err := tx.Commit(); err != nil {
		return j, err
	}
	return j, nil
}

// GetJob loads a job, applying visibility scoping for the requesting actor.
func (e Engine) GetJob(ctx context.Context, jobID string, actor domain.Actor) (domain.Job, error) {
	j, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return j, err
	}
	if !e.canSee(j, actor) {
		return domain.Job{}, forbidden(actor.ID, "not allowed to view this job")
	}
	return j, nil
}

func (e Engine) canSee(j domain.Job, actor domain.Actor) bool {
	switch actor.Role {
	case domain.RoleAdmin:
		return true
	case domain.RoleClient:
		return j.ClientID == actor.ID
	case domain.RoleContributor:
		if j.FreelancerID != nil && *j.FreelancerID == actor.ID {
			return true
		}
		return j.Status == domain.StatusDepositPaid && j.FreelancerID == nil && j.Visibility == "public"
	}
	return false
}
