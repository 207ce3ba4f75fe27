package domain

// Status is the single source of truth for a job's workflow position.
type Status string

const (
	StatusPending            Status = "pending"
	StatusApproved           Status = "approved"
	StatusRejected           Status = "rejected"
	StatusDepositPaid        Status = "deposit_paid"
	StatusInProgress         Status = "in_progress"
	StatusCompleted          Status = "completed"
	StatusFinalPaid          Status = "final_paid"
	StatusRevisionRequested  Status = "revision_requested"
	StatusRevisionInProgress Status = "revision_in_progress"
	StatusRevisionCompleted  Status = "revision_completed"
	StatusApprovedByClient   Status = "approved_by_client"
	StatusJobEnd             Status = "job_end"
)

// Statuses lists every valid job status.
var Statuses = []Status{
	StatusPending, StatusApproved, StatusRejected, StatusDepositPaid,
	StatusInProgress, StatusCompleted, StatusFinalPaid,
	StatusRevisionRequested, StatusRevisionInProgress, StatusRevisionCompleted,
	StatusApprovedByClient, StatusJobEnd,
}

// Valid reports whether s belongs to the closed status set.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// PaymentStatus tracks the two payment milestones alongside Status.
type PaymentStatus string

const (
	PaymentNone           PaymentStatus = "none"
	PaymentDepositPending PaymentStatus = "deposit_pending"
	PaymentDepositPaid    PaymentStatus = "deposit_paid"
	PaymentFinalPending   PaymentStatus = "final_pending"
	PaymentFinalPaid      PaymentStatus = "final_paid"
)

// PaymentStatuses lists every valid payment status. The pending members mark
// an initiated external payment that has not settled yet.
var PaymentStatuses = []PaymentStatus{
	PaymentNone, PaymentDepositPending, PaymentDepositPaid,
	PaymentFinalPending, PaymentFinalPaid,
}

// Valid reports whether p belongs to the closed payment status set.
func (p PaymentStatus) Valid() bool {
	for _, v := range PaymentStatuses {
		if p == v {
			return true
		}
	}
	return false
}

// RevisionStatus is the state of a single revision cycle.
type RevisionStatus string

const (
	RevisionRequested  RevisionStatus = "requested"
	RevisionInProgress RevisionStatus = "in_progress"
	RevisionCompleted  RevisionStatus = "completed"
	RevisionApproved   RevisionStatus = "approved"
)

// Role identifies an actor's marketplace role.
type Role string

const (
	RoleClient      Role = "client"
	RoleContributor Role = "contributor"
	RoleAdmin       Role = "admin"
)

type Job struct {
	ID                 string        `json:"id"`
	Title              string        `json:"title"`
	Description        string        `json:"description"`
	Category           string        `json:"category"`
	Skills             []string      `json:"skills,omitempty"`
	Visibility         string        `json:"visibility" enum:"public,private,invite_only"`
	Deadline           string        `json:"deadline" format:"date-time"`
	ClientID           string        `json:"client_id"`
	FreelancerID       *string       `json:"freelancer_id,omitempty"`
	Status             Status        `json:"status"`
	PaymentStatus      PaymentStatus `json:"payment_status"`
	Price              *float64      `json:"price,omitempty"`
	DepositAmount      *float64      `json:"deposit_amount,omitempty"`
	DepositPaidAt      *string       `json:"deposit_paid_at,omitempty" format:"date-time"`
	FinalPaidAt        *string       `json:"final_paid_at,omitempty" format:"date-time"`
	CompletedAt        *string       `json:"completed_at,omitempty" format:"date-time"`
	ClientApprovedAt   *string       `json:"client_approved_at,omitempty" format:"date-time"`
	AssignedAt         *string       `json:"assigned_at,omitempty" format:"date-time"`
	AdminFeedback      *string       `json:"admin_feedback,omitempty"`
	ClientFeedback     *string       `json:"client_feedback,omitempty"`
	FreelancerNote     *string       `json:"freelancer_note,omitempty"`
	AdminNote          *string       `json:"admin_note,omitempty"`
	Deliverables       []Deliverable `json:"deliverables,omitempty"`
	Revisions          []Revision    `json:"revisions,omitempty"`
	RevisionsRemaining int           `json:"revisions_remaining"`
	ClientApproved     bool          `json:"client_approved"`
	CreatedAt          string        `json:"created_at" format:"date-time"`
	UpdatedAt          string        `json:"updated_at" format:"date-time"`
}

// LatestRevision returns the most recently appended revision, or nil.
func (j *Job) LatestRevision() *Revision {
	if len(j.Revisions) == 0 {
		return nil
	}
	return &j.Revisions[len(j.Revisions)-1]
}

// Deliverable is a stored file reference. File bytes live with the external
// storage collaborator; the core keeps the {name,url,mime_type} triple verbatim.
type Deliverable struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	URL           string `json:"url"`
	MimeType      string `json:"mime_type"`
	IsWatermarked bool   `json:"is_watermarked"`
	UploadedAt    string `json:"uploaded_at" format:"date-time"`
}

type Revision struct {
	ID              string         `json:"id"`
	RequestedAt     string         `json:"requested_at" format:"date-time"`
	CompletedAt     *string        `json:"completed_at,omitempty" format:"date-time"`
	ClientNotes     string         `json:"client_notes,omitempty"`
	FreelancerNotes string         `json:"freelancer_notes,omitempty"`
	Status          RevisionStatus `json:"status"`
	Deliverables    []Deliverable  `json:"deliverables,omitempty"`
}

type Actor struct {
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	JobID   string `json:"job_id,omitempty"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}

// ClientStats summarizes a client's dashboard numbers.
type ClientStats struct {
	ActiveJobs    int     `json:"active_jobs"`
	CompletedJobs int     `json:"completed_jobs"`
	PendingReview int     `json:"pending_review"`
	TotalSpent    float64 `json:"total_spent"`
}

// ContributorStats summarizes a contributor's dashboard numbers.
type ContributorStats struct {
	ActiveJobs       int     `json:"active_jobs"`
	CompletedJobs    int     `json:"completed_jobs"`
	RevisionRequests int     `json:"revision_requests"`
	TotalEarnings    float64 `json:"total_earnings"`
	AvailableJobs    int     `json:"available_jobs"`
}
