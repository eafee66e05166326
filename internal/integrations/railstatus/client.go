package railstatus

import (
	"context"

	"github.com/RailKite/PNRWatch/internal/models"
)

// Client fetches the current reservation status for one PNR code.
// A retired record (purged by the source after the journey) is reported as a
// snapshot with Retired set, not as an error.
type Client interface {
	FetchStatus(ctx context.Context, pnr string) (models.Snapshot, error)
}
