package fake

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/RailKite/PNRWatch/internal/models"
)

// FakeClient — временная заглушка источника статусов (пока эмулятор справочной не поднят).
// Детерминированный статус по PNR-коду: часть кодов подтверждена, остальные в листе ожидания.
type FakeClient struct{}

func New() *FakeClient { return &FakeClient{} }

func (f *FakeClient) FetchStatus(ctx context.Context, pnr string) (models.Snapshot, error) {
	now := time.Now().UTC()

	h := fnv.New32a()
	_, _ = h.Write([]byte(pnr))
	v := h.Sum32()

	// 20% кодов считаем подтверждёнными
	status := fmt.Sprintf("WL/%d", v%60+1)
	if v%5 == 0 {
		status = "CNF"
	}

	return models.Snapshot{
		PNR:         pnr,
		Origin:      "NDLS",
		Destination: "BCT",
		TravelDate:  now.AddDate(0, 0, int(v%30)+1).Format("02-01-2006"),
		StatusText:  status,
		FetchedAt:   now,
	}, nil
}
