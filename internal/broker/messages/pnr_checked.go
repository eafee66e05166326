package messages

import (
	"encoding/json"
	"time"
)

// PNRChecked is published after every completed check attempt, whether or not
// the status changed. The key is the subscription id.
type PNRChecked struct {
	SubscriptionID uint64    `json:"subscription_id"`
	PNR            string    `json:"pnr"`
	CheckedAt      time.Time `json:"checked_at"`

	Changed bool     `json:"changed"`
	Reasons []string `json:"reasons,omitempty"`

	Snapshot *PNRSnapshot `json:"snapshot,omitempty"`

	Error *string `json:"error,omitempty"`
}

// PNRSnapshot mirrors the stored snapshot shape on the wire so external
// consumers do not depend on internal model types.
type PNRSnapshot struct {
	PNR         string    `json:"pnr"`
	Origin      string    `json:"origin,omitempty"`
	Destination string    `json:"destination,omitempty"`
	TravelDate  string    `json:"travel_date,omitempty"`
	StatusText  string    `json:"status_text,omitempty"`
	Retired     bool      `json:"retired,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// NotificationOut is the outbound notification envelope. The key is the
// notification id.
type NotificationOut struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	OwnerID   string          `json:"owner_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}
