package models

import (
	"encoding/json"
	"time"
)

const (
	NotificationKindStatusChange = "status_change"
	NotificationKindSystem       = "system"
	NotificationKindTest         = "test"
)

const DefaultNotificationMaxAttempts = 3

// Notification — одно обязательство доставки. Живёт в очереди (Redis),
// а не в Postgres: после успешной доставки запись исчезает.
//
// Lifecycle: pending -> delivered (removed) | retry-delayed -> pending |
// failed (terminal; only an explicit retry moves it back to pending).
type Notification struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	OwnerID       string          `json:"ownerId"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"maxAttempts"`
	CreatedAt     time.Time       `json:"createdAt"`
	ScheduledAt   *time.Time      `json:"scheduledAt,omitempty"`
	LastAttemptAt *time.Time      `json:"lastAttemptAt,omitempty"`
	LastError     string          `json:"lastError,omitempty"`
}

// StatusChangePayload is the payload shape for status_change notifications.
type StatusChangePayload struct {
	SubscriptionID uint64   `json:"subscriptionId"`
	PNR            string   `json:"pnr"`
	OldStatus      string   `json:"oldStatus"`
	NewStatus      string   `json:"newStatus"`
	Reasons        []string `json:"reasons"`
	Retired        bool     `json:"retired,omitempty"`
	CheckedAt      string   `json:"checkedAt"`
}

// SystemPayload is the payload shape for system notifications (run failures etc.).
type SystemPayload struct {
	Message    string `json:"message"`
	Error      string `json:"error,omitempty"`
	OccurredAt string `json:"occurredAt"`
}
