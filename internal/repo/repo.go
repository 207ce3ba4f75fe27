package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gigline/internal/config"
	"gigline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const jobColumns = `id,title,description,category,skills_json,visibility,deadline,client_id,freelancer_id,status,payment_status,price,deposit_amount,deposit_paid_at,final_paid_at,completed_at,client_approved_at,assigned_at,admin_feedback,client_feedback,freelancer_note,admin_note,deliverables_json,revisions_json,revisions_remaining,client_approved,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var j domain.Job
	var skillsJSON, freelancerID, depositPaidAt, finalPaidAt, completedAt, clientApprovedAt, assignedAt sql.NullString
	var adminFeedback, clientFeedback, freelancerNote, adminNote, deliverablesJSON, revisionsJSON sql.NullString
	var price, depositAmount sql.NullFloat64
	var clientApproved int
	err := row.Scan(&j.ID, &j.Title, &j.Description, &j.Category, &skillsJSON, &j.Visibility, &j.Deadline,
		&j.ClientID, &freelancerID, &j.Status, &j.PaymentStatus, &price, &depositAmount,
		&depositPaidAt, &finalPaidAt, &completedAt, &clientApprovedAt, &assignedAt,
		&adminFeedback, &clientFeedback, &freelancerNote, &adminNote,
		&deliverablesJSON, &revisionsJSON, &j.RevisionsRemaining, &clientApproved, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	if skillsJSON.Valid && skillsJSON.String != "" {
		_ = json.Unmarshal([]byte(skillsJSON.String), &j.Skills)
	}
	if freelancerID.Valid {
		j.FreelancerID = &freelancerID.String
	}
	if price.Valid {
		j.Price = &price.Float64
	}
	if depositAmount.Valid {
		j.DepositAmount = &depositAmount.Float64
	}
	if depositPaidAt.Valid {
		j.DepositPaidAt = &depositPaidAt.String
	}
	if finalPaidAt.Valid {
		j.FinalPaidAt = &finalPaidAt.String
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.String
	}
	if clientApprovedAt.Valid {
		j.ClientApprovedAt = &clientApprovedAt.String
	}
	if assignedAt.Valid {
		j.AssignedAt = &assignedAt.String
	}
	if adminFeedback.Valid {
		j.AdminFeedback = &adminFeedback.String
	}
	if clientFeedback.Valid {
		j.ClientFeedback = &clientFeedback.String
	}
	if freelancerNote.Valid {
		j.FreelancerNote = &freelancerNote.String
	}
	if adminNote.Valid {
		j.AdminNote = &adminNote.String
	}
	if deliverablesJSON.Valid && deliverablesJSON.String != "" {
		_ = json.Unmarshal([]byte(deliverablesJSON.String), &j.Deliverables)
	}
	if revisionsJSON.Valid && revisionsJSON.String != "" {
		_ = json.Unmarshal([]byte(revisionsJSON.String), &j.Revisions)
	}
	j.ClientApproved = clientApproved != 0
	return j, nil
}

func jobArgs(j domain.Job) ([]any, error) {
	skills, err := marshalOrNil(j.Skills)
	if err != nil {
		return nil, err
	}
	deliverables, err := marshalOrNil(j.Deliverables)
	if err != nil {
		return nil, err
	}
	revisions, err := marshalOrNil(j.Revisions)
	if err != nil {
		return nil, err
	}
	approved := 0
	if j.ClientApproved {
		approved = 1
	}
	return []any{
		j.ID, j.Title, j.Description, j.Category, skills, j.Visibility, j.Deadline,
		j.ClientID, nullableStringPtr(j.FreelancerID), string(j.Status), string(j.PaymentStatus),
		nullableFloatPtr(j.Price), nullableFloatPtr(j.DepositAmount),
		nullableStringPtr(j.DepositPaidAt), nullableStringPtr(j.FinalPaidAt), nullableStringPtr(j.CompletedAt),
		nullableStringPtr(j.ClientApprovedAt), nullableStringPtr(j.AssignedAt),
		nullableStringPtr(j.AdminFeedback), nullableStringPtr(j.ClientFeedback),
		nullableStringPtr(j.FreelancerNote), nullableStringPtr(j.AdminNote),
		deliverables, revisions, j.RevisionsRemaining, approved, j.CreatedAt, j.UpdatedAt,
	}, nil
}

func marshalOrNil(v any) (any, error) {
	switch t := v.(type) {
	case []string:
		if len(t) == 0 {
			return nil, nil
		}
	case []domain.Deliverable:
		if len(t) == 0 {
			return nil, nil
		}
	case []domain.Revision:
		if len(t) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	args, err := jobArgs(j)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO jobs(`+jobColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	return err
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	return scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
}

func (r Repo) GetJobTx(ctx context.Context, tx *sql.Tx, id string) (domain.Job, error) {
	return scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
}

const jobSetClause = `title=?,description=?,category=?,skills_json=?,visibility=?,deadline=?,client_id=?,freelancer_id=?,status=?,payment_status=?,price=?,deposit_amount=?,deposit_paid_at=?,final_paid_at=?,completed_at=?,client_approved_at=?,assigned_at=?,admin_feedback=?,client_feedback=?,freelancer_note=?,admin_note=?,deliverables_json=?,revisions_json=?,revisions_remaining=?,client_approved=?,created_at=?,updated_at=?`

// UpdateJobGuarded rewrites the full row, but only if the stored status still
// matches what the caller read. Zero rows affected means a concurrent writer
// moved the job first.
func (r Repo) UpdateJobGuarded(ctx context.Context, tx *sql.Tx, j domain.Job, fromStatus domain.Status) (bool, error) {
	args, err := jobArgs(j)
	if err != nil {
		return false, err
	}
	// drop leading id, append WHERE args
	args = append(args[1:], j.ID, string(fromStatus))
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET `+jobSetClause+` WHERE id=? AND status=?`, args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ClaimJobGuarded assigns a freelancer only if the job is still unassigned and
// in the expected status. The extra freelancer_id IS NULL predicate makes
// concurrent applications race safely: exactly one wins.
func (r Repo) ClaimJobGuarded(ctx context.Context, tx *sql.Tx, jobID, freelancerID string, fromStatus, toStatus domain.Status, assignedAt, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET freelancer_id=?, status=?, assigned_at=?, updated_at=?
WHERE id=? AND status=? AND freelancer_id IS NULL`,
		freelancerID, string(toStatus), assignedAt, updatedAt, jobID, string(fromStatus))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteJobGuarded removes a job only while it sits in a deletable status.
func (r Repo) DeleteJobGuarded(ctx context.Context, tx *sql.Tx, id string, statuses []domain.Status) (bool, error) {
	placeholders := strings.TrimRight(strings.Repeat("?,", len(statuses)), ",")
	args := []any{id}
	for _, s := range statuses {
		args = append(args, string(s))
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id=? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// JobFilters narrows and pages a job listing.
type JobFilters struct {
	Status       string
	Category     string
	Search       string
	ClientID     string
	FreelancerID string
	Unassigned   bool
	Visibility   string
	Page         int
	Limit        int
	SortBy       string
	SortDir      string
}

var sortColumns = map[string]string{
	"created_at": "created_at",
	"updated_at": "updated_at",
	"deadline":   "deadline",
	"price":      "price",
	"title":      "title",
	"status":     "status",
}

// ListJobs returns a page of jobs plus the unpaged total.
func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.Job, int, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	if f.Search != "" {
		like := "%" + f.Search + "%"
		clauses = append(clauses, "(title LIKE ? OR description LIKE ?)")
		args = append(args, like, like)
	}
	if f.ClientID != "" {
		clauses = append(clauses, "client_id=?")
		args = append(args, f.ClientID)
	}
	if f.FreelancerID != "" {
		clauses = append(clauses, "freelancer_id=?")
		args = append(args, f.FreelancerID)
	}
	if f.Unassigned {
		clauses = append(clauses, "freelancer_id IS NULL")
	}
	if f.Visibility != "" {
		clauses = append(clauses, "visibility=?")
		args = append(args, f.Visibility)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM jobs `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	col, ok := sortColumns[f.SortBy]
	if !ok {
		col = "created_at"
	}
	dir := "DESC"
	if strings.EqualFold(f.SortDir, "asc") {
		dir = "ASC"
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	query := fmt.Sprintf(`SELECT %s FROM jobs %s ORDER BY %s %s, id %s LIMIT ? OFFSET ?`, jobColumns, where, col, dir, dir)
	args = append(args, limit, (page-1)*limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, j)
	}
	return res, total, rows.Err()
}

// CountJobsByStatus groups job counts for the admin dashboard.
func (r Repo) CountJobsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// ClientStats aggregates the dashboard numbers for one client.
func (r Repo) ClientStats(ctx context.Context, clientID string) (domain.ClientStats, error) {
	var s domain.ClientStats
	err := r.DB.QueryRowContext(ctx, `SELECT
  count(CASE WHEN status IN ('approved','deposit_paid','in_progress','revision_requested','revision_in_progress','revision_completed') THEN 1 END),
  count(CASE WHEN status IN ('approved_by_client','final_paid','job_end') THEN 1 END),
  count(CASE WHEN status IN ('completed','revision_completed') THEN 1 END),
  COALESCE(SUM(CASE WHEN payment_status='final_paid' THEN price
                    WHEN payment_status='deposit_paid' THEN deposit_amount ELSE 0 END), 0)
FROM jobs WHERE client_id=?`, clientID).
		Scan(&s.ActiveJobs, &s.CompletedJobs, &s.PendingReview, &s.TotalSpent)
	return s, err
}

// ContributorStats aggregates the dashboard numbers for one contributor.
func (r Repo) ContributorStats(ctx context.Context, freelancerID string) (domain.ContributorStats, error) {
	var s domain.ContributorStats
	err := r.DB.QueryRowContext(ctx, `SELECT
  count(CASE WHEN status IN ('in_progress','revision_requested','revision_in_progress') THEN 1 END),
  count(CASE WHEN status IN ('completed','revision_completed','approved_by_client','final_paid','job_end') THEN 1 END),
  count(CASE WHEN status IN ('revision_requested','revision_in_progress') THEN 1 END),
  COALESCE(SUM(CASE WHEN payment_status='final_paid' THEN price ELSE 0 END), 0)
FROM jobs WHERE freelancer_id=?`, freelancerID).
		Scan(&s.ActiveJobs, &s.CompletedJobs, &s.RevisionRequests, &s.TotalEarnings)
	if err != nil {
		return s, err
	}
	err = r.DB.QueryRowContext(ctx, `SELECT count(*) FROM jobs WHERE status='deposit_paid' AND freelancer_id IS NULL`).
		Scan(&s.AvailableJobs)
	return s, err
}

func (r Repo) InsertActor(ctx context.Context, a domain.Actor) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO actors(id,role,created_at) VALUES (?,?,?)`,
		a.ID, string(a.Role), a.CreatedAt)
	return err
}

func (r Repo) GetActor(ctx context.Context, id string) (domain.Actor, error) {
	var a domain.Actor
	err := r.DB.QueryRowContext(ctx, `SELECT id,role,created_at FROM actors WHERE id=?`, id).
		Scan(&a.ID, &a.Role, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) ListActors(ctx context.Context) ([]domain.Actor, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,role,created_at FROM actors ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Actor
	for rows.Next() {
		var a domain.Actor
		if err := rows.Scan(&a.ID, &a.Role, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// UpsertMarketplaceConfig stores the single marketplace config row.
func (r Repo) UpsertMarketplaceConfig(ctx context.Context, cfg *config.Config) error {
	return upsertMarketplaceConfig(ctx, r.DB, nil, cfg)
}

func (r Repo) UpsertMarketplaceConfigTx(ctx context.Context, tx *sql.Tx, cfg *config.Config) error {
	return upsertMarketplaceConfig(ctx, nil, tx, cfg)
}

func upsertMarketplaceConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO marketplace_configs(id,config_yaml,updated_at) VALUES (1,?,?)
ON CONFLICT(id) DO UPDATE SET config_yaml=excluded.config_yaml, updated_at=excluded.updated_at`, string(payload), now)
	return err
}

func (r Repo) GetMarketplaceConfig(ctx context.Context) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_yaml FROM marketplace_configs WHERE id=1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, jobID, evtType string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, jobID, evtType)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, jobID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if jobID != "" {
		clauses = append(clauses, "job_id=?")
		args = append(args, jobID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,job_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,job_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`
	return r.queryEvents(ctx, query, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var jobID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &jobID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if jobID.Valid {
			e.JobID = jobID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
