package jobqueue

import (
	"encoding/json"
	"time"
)

// JobType defines the type of job
type JobType string

const (
	JobTypeProcessPayment JobType = "process_payment"
	JobTypeResumePayment  JobType = "resume_payment"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job represents a background job
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// PaymentJobPayload carries one billing record through the queue. Origin
// fields feed the security gate on the first submission only.
type PaymentJobPayload struct {
	RecordID string `json:"record_id"`
	OriginIP string `json:"origin_ip,omitempty"`
	Country  string `json:"country,omitempty"`
}

// ToMap converts the payload to a map for storage
func (p PaymentJobPayload) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"record_id": p.RecordID,
	}
	if p.OriginIP != "" {
		m["origin_ip"] = p.OriginIP
	}
	if p.Country != "" {
		m["country"] = p.Country
	}
	return m
}

func PaymentJobPayloadFromMap(data map[string]interface{}) (*PaymentJobPayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var payload PaymentJobPayload
	err = json.Unmarshal(jsonData, &payload)
	return &payload, err
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed records the error and counts the attempt
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}

// recordID is the billing record a payment job works on, empty if missing.
func (j *Job) recordID() string {
	id, _ := j.Payload["record_id"].(string)
	return id
}

// startedAt is when the current processing run began, falling back to the
// last update for jobs stored without a start time.
func (j *Job) startedAt() time.Time {
	if j.ProcessedAt != nil && !j.ProcessedAt.IsZero() {
		return *j.ProcessedAt
	}
	if !j.UpdatedAt.IsZero() {
		return j.UpdatedAt
	}
	return j.CreatedAt
}
