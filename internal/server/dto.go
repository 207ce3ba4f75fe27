package server

import (
	"encoding/json"

	"gigline/internal/domain"
)

// Request payloads

type CreateJobRequest struct {
	ID          *string  `json:"id,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Skills      []string `json:"skills,omitempty"`
	Visibility  string   `json:"visibility,omitempty" enum:"public,private,invite_only"`
	Deadline    string   `json:"deadline" format:"date-time"`
}

type UpdateJobRequest struct {
	Title       *string  `json:"title,omitempty"`
	Description *string  `json:"description,omitempty"`
	Category    *string  `json:"category,omitempty"`
	Skills      []string `json:"skills,omitempty"`
	Visibility  *string  `json:"visibility,omitempty" enum:"public,private,invite_only"`
	Deadline    *string  `json:"deadline,omitempty" format:"date-time"`
}

type ReviewJobRequest struct {
	Action   string  `json:"action" enum:"approve,reject"`
	Price    float64 `json:"price,omitempty"`
	Feedback string  `json:"feedback,omitempty"`
}

type FileUpload struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
}

type SubmitWorkRequest struct {
	Files []FileUpload `json:"files"`
	Note  string       `json:"note,omitempty"`
}

type ApproveJobRequest struct {
	Feedback string `json:"feedback,omitempty"`
}

type RequestRevisionRequest struct {
	Notes string `json:"notes,omitempty"`
}

type SubmitRevisionRequest struct {
	Files []FileUpload `json:"files"`
	Notes string       `json:"notes,omitempty"`
}

type DeliverRequest struct {
	Files []FileUpload `json:"files"`
	Note  string       `json:"note,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role" enum:"client,contributor,admin"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type DeliverableResponse struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	URL           string `json:"url"`
	MimeType      string `json:"mime_type"`
	IsWatermarked bool   `json:"is_watermarked"`
	UploadedAt    string `json:"uploaded_at" format:"date-time"`
}

type RevisionResponse struct {
	ID              string                `json:"id"`
	RequestedAt     string                `json:"requested_at" format:"date-time"`
	CompletedAt     *string               `json:"completed_at,omitempty" format:"date-time"`
	ClientNotes     string                `json:"client_notes,omitempty"`
	FreelancerNotes string                `json:"freelancer_notes,omitempty"`
	Status          string                `json:"status" enum:"requested,in_progress,completed,approved"`
	Deliverables    []DeliverableResponse `json:"deliverables"`
}

type JobResponse struct {
	ID                 string                `json:"id"`
	Title              string                `json:"title"`
	Description        string                `json:"description"`
	Category           string                `json:"category"`
	Skills             []string              `json:"skills"`
	Visibility         string                `json:"visibility" enum:"public,private,invite_only"`
	Deadline           string                `json:"deadline" format:"date-time"`
	ClientID           string                `json:"client_id"`
	FreelancerID       *string               `json:"freelancer_id,omitempty"`
	Status             string                `json:"status"`
	PaymentStatus      string                `json:"payment_status"`
	Price              *float64              `json:"price,omitempty"`
	DepositAmount      *float64              `json:"deposit_amount,omitempty"`
	DepositPaidAt      *string               `json:"deposit_paid_at,omitempty" format:"date-time"`
	FinalPaidAt        *string               `json:"final_paid_at,omitempty" format:"date-time"`
	CompletedAt        *string               `json:"completed_at,omitempty" format:"date-time"`
	ClientApprovedAt   *string               `json:"client_approved_at,omitempty" format:"date-time"`
	AssignedAt         *string               `json:"assigned_at,omitempty" format:"date-time"`
	AdminFeedback      *string               `json:"admin_feedback,omitempty"`
	ClientFeedback     *string               `json:"client_feedback,omitempty"`
	FreelancerNote     *string               `json:"freelancer_note,omitempty"`
	AdminNote          *string               `json:"admin_note,omitempty"`
	Deliverables       []DeliverableResponse `json:"deliverables"`
	Revisions          []RevisionResponse    `json:"revisions"`
	RevisionsRemaining int                   `json:"revisions_remaining"`
	ClientApproved     bool                  `json:"client_approved"`
	CreatedAt          string                `json:"created_at" format:"date-time"`
	UpdatedAt          string                `json:"updated_at" format:"date-time"`
}

type JobPage struct {
	Items      []JobResponse `json:"items"`
	Total      int           `json:"total"`
	Page       int           `json:"page"`
	Limit      int           `json:"limit"`
	TotalPages int           `json:"total_pages"`
}

type EventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts" format:"date-time"`
	Type    string         `json:"type"`
	JobID   string         `json:"job_id,omitempty"`
	ActorID string         `json:"actor_id"`
	Payload map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type ClientStatsResponse struct {
	ActiveJobs    int     `json:"active_jobs"`
	CompletedJobs int     `json:"completed_jobs"`
	PendingReview int     `json:"pending_review"`
	TotalSpent    float64 `json:"total_spent"`
}

type ContributorStatsResponse struct {
	ActiveJobs       int     `json:"active_jobs"`
	CompletedJobs    int     `json:"completed_jobs"`
	RevisionRequests int     `json:"revision_requests"`
	TotalEarnings    float64 `json:"total_earnings"`
	AvailableJobs    int     `json:"available_jobs"`
}

type AdminStatsResponse struct {
	JobCounts map[string]int `json:"job_counts"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role,omitempty"`
	Source  string `json:"source"`
}

// Conversion helpers

func deliverableResponse(d domain.Deliverable) DeliverableResponse {
	return DeliverableResponse(d)
}

func revisionResponse(r domain.Revision) RevisionResponse {
	files := make([]DeliverableResponse, 0, len(r.Deliverables))
	for _, d := range r.Deliverables {
		files = append(files, deliverableResponse(d))
	}
	return RevisionResponse{
		ID:              r.ID,
		RequestedAt:     r.RequestedAt,
		CompletedAt:     r.CompletedAt,
		ClientNotes:     r.ClientNotes,
		FreelancerNotes: r.FreelancerNotes,
		Status:          string(r.Status),
		Deliverables:    files,
	}
}

func jobResponse(j domain.Job) JobResponse {
	files := make([]DeliverableResponse, 0, len(j.Deliverables))
	for _, d := range j.Deliverables {
		files = append(files, deliverableResponse(d))
	}
	revs := make([]RevisionResponse, 0, len(j.Revisions))
	for _, r := range j.Revisions {
		revs = append(revs, revisionResponse(r))
	}
	return JobResponse{
		ID:                 j.ID,
		Title:              j.Title,
		Description:        j.Description,
		Category:           j.Category,
		Skills:             nonNilSlice(j.Skills),
		Visibility:         j.Visibility,
		Deadline:           j.Deadline,
		ClientID:           j.ClientID,
		FreelancerID:       j.FreelancerID,
		Status:             string(j.Status),
		PaymentStatus:      string(j.PaymentStatus),
		Price:              j.Price,
		DepositAmount:      j.DepositAmount,
		DepositPaidAt:      j.DepositPaidAt,
		FinalPaidAt:        j.FinalPaidAt,
		CompletedAt:        j.CompletedAt,
		ClientApprovedAt:   j.ClientApprovedAt,
		AssignedAt:         j.AssignedAt,
		AdminFeedback:      j.AdminFeedback,
		ClientFeedback:     j.ClientFeedback,
		FreelancerNote:     j.FreelancerNote,
		AdminNote:          j.AdminNote,
		Deliverables:       files,
		Revisions:          revs,
		RevisionsRemaining: j.RevisionsRemaining,
		ClientApproved:     j.ClientApproved,
		CreatedAt:          j.CreatedAt,
		UpdatedAt:          j.UpdatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		Type:    e.Type,
		JobID:   e.JobID,
		ActorID: e.ActorID,
		Payload: decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
