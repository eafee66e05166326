package models

import "time"

// Subscription — подписка пользователя на один PNR-код.
// Активная пара (owner_id, pnr) уникальна; записи не удаляются, только деактивируются.
type Subscription struct {
	ID             uint64
	OwnerID        string
	PNR            string
	Current        *Snapshot
	Active         bool
	LastCheckedAt  *time.Time
	CheckFailCount int32
	LastError      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Snapshot is the immutable result of one status check. Error is set on a
// synthetic snapshot produced after all retries were exhausted.
type Snapshot struct {
	PNR         string    `json:"pnr"`
	Origin      string    `json:"origin,omitempty"`
	Destination string    `json:"destination,omitempty"`
	TravelDate  string    `json:"travelDate,omitempty"`
	StatusText  string    `json:"statusText,omitempty"`
	Retired     bool      `json:"retired,omitempty"`
	FetchedAt   time.Time `json:"fetchedAt"`
	Error       string    `json:"error,omitempty"`
}

// HistoryEntry is the append-only audit trail: exactly one row per check
// attempt, failed attempts included.
type HistoryEntry struct {
	ID             uint64
	SubscriptionID uint64
	Snapshot       Snapshot
	CheckedAt      time.Time
	Changed        bool
	CreatedAt      time.Time
}

type SubscriptionCreateInput struct {
	OwnerID string
	PNR     string
}
