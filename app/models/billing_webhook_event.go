package models

import "time"

const DefaultWebhookMaxRetries = 5

// Payment outcomes carried by gateway events.
const (
	WebhookOutcomeSucceeded = "succeeded"
	WebhookOutcomeFailed    = "failed"
)

// WebhookEvent is the idempotency row for one gateway-delivered event. The
// gateway event id is the natural key; once Success is set the row is terminal.
type WebhookEvent struct {
	ID                   uint       `gorm:"primaryKey" json:"id"`
	EventID              string     `gorm:"type:varchar(191);not null;uniqueIndex:ux_webhook_events_event_id" json:"event_id"`
	EventType            string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	CorrelationID        string     `gorm:"type:varchar(191);index" json:"correlation_id"`
	Outcome              string     `gorm:"type:varchar(20)" json:"outcome"`
	GatewayMessage       string     `gorm:"type:text" json:"gateway_message,omitempty"`
	Amount               string     `gorm:"type:varchar(32)" json:"amount,omitempty"`
	Success              bool       `gorm:"not null;default:false;index:idx_webhook_events_retry,priority:1" json:"success"`
	RetryCount           int        `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries           int        `gorm:"not null;default:5" json:"max_retries"`
	LastError            string     `gorm:"type:text" json:"last_error,omitempty"`
	ReceivedAt           time.Time  `gorm:"not null;index:idx_webhook_events_retry,priority:2" json:"received_at"`
	LastAttemptAt        *time.Time `gorm:"type:timestamp;default:null" json:"last_attempt_at,omitempty"`
	ProcessedAt          *time.Time `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	ProcessingDurationMs int64      `gorm:"not null;default:0" json:"processing_duration_ms"`
	Metadata             string     `gorm:"type:text" json:"metadata,omitempty"`
	CreatedAt            time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsRetryable reports whether a sweeper may re-drive the event.
func (e *WebhookEvent) IsRetryable() bool {
	return !e.Success && e.RetryCount < e.MaxRetries
}

func (e *WebhookEvent) IsPermanentlyFailed() bool {
	return !e.Success && e.RetryCount >= e.MaxRetries
}

// MarkProcessed makes the event terminal.
func (e *WebhookEvent) MarkProcessed(durationMs int64, metadata string, now time.Time) {
	e.Success = true
	e.LastError = ""
	e.ProcessedAt = &now
	e.LastAttemptAt = &now
	e.ProcessingDurationMs = durationMs
	if metadata != "" {
		e.Metadata = metadata
	}
}

// MarkFailed books one failed processing attempt. The retry count never
// exceeds MaxRetries, and a lower maxRetries never drops below the attempts
// already booked.
func (e *WebhookEvent) MarkFailed(errMsg string, maxRetries int, now time.Time) {
	if maxRetries > 0 {
		e.MaxRetries = max(maxRetries, e.RetryCount)
	}
	if e.RetryCount < e.MaxRetries {
		e.RetryCount++
	}
	e.LastError = errMsg
	e.LastAttemptAt = &now
}
