package jobapi

import "time"

// Page is one page of a paginated listing.
type Page[T any] struct {
	Content       []T   `json:"content"`
	Page          int   `json:"page"`
	Size          int   `json:"size"`
	TotalElements int64 `json:"totalElements"`
	TotalPages    int   `json:"totalPages"`
}

// Job is a job posting.
type Job struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	CompanyName string    `json:"companyName"`
	Location    string    `json:"location"`
	JobType     string    `json:"jobType"`
	SalaryMin   *int64    `json:"salaryMin,omitempty"`
	SalaryMax   *int64    `json:"salaryMax,omitempty"`
	Skills      []string  `json:"skills,omitempty"`
	Status      string    `json:"status"`
	PostedAt    time.Time `json:"postedAt"`
}

// Recommendation is a job suggested for the current user.
type Recommendation struct {
	Job        Job     `json:"job"`
	MatchScore float64 `json:"matchScore"`
}

// ApplicationStatus is the review state of a job application.
type ApplicationStatus string

const (
	StatusPending     ApplicationStatus = "PENDING"
	StatusReviewing   ApplicationStatus = "REVIEWING"
	StatusShortlisted ApplicationStatus = "SHORTLISTED"
	StatusInterview   ApplicationStatus = "INTERVIEW"
	StatusAccepted    ApplicationStatus = "ACCEPTED"
	StatusRejected    ApplicationStatus = "REJECTED"
	// StatusAll is a listing filter, never an application state.
	StatusAll ApplicationStatus = "all"
)

// Application is one candidate's application to a job.
type Application struct {
	ID            int64             `json:"id"`
	JobID         int64             `json:"jobId"`
	JobTitle      string            `json:"jobTitle"`
	CandidateName string            `json:"candidateName"`
	Status        ApplicationStatus `json:"status"`
	AppliedAt     time.Time         `json:"appliedAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// DashboardStats summarises the current user's activity.
type DashboardStats struct {
	TotalJobs           int64 `json:"totalJobs"`
	ActiveJobs          int64 `json:"activeJobs"`
	TotalApplications   int64 `json:"totalApplications"`
	PendingApplications int64 `json:"pendingApplications"`
	Interviews          int64 `json:"interviews"`
}

// Notification is a message for the current user, delivered over the
// realtime channel or read over REST.
type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Link      string    `json:"link,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

type unreadCount struct {
	Count int64 `json:"count"`
}
