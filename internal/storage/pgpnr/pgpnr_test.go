package pgpnr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/RailKite/PNRWatch/internal/models"
)

func TestPGPNR_RepoFlow(t *testing.T) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "admin",
			"POSTGRES_PASSWORD": "admin",
			"POSTGRES_DB":       "pnrwatch_test",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := "postgres://admin:admin@" + host + ":" + port.Port() + "/pnrwatch_test?sslmode=disable"
	st, err := New(dsn)
	require.NoError(t, err)
	t.Cleanup(st.Close)

	subA, err := st.CreateSubscription(ctx, models.SubscriptionCreateInput{OwnerID: "owner-1", PNR: "1111111111"})
	require.NoError(t, err)
	require.NotZero(t, subA.ID)
	require.True(t, subA.Active)
	require.Nil(t, subA.Current)

	subB, err := st.CreateSubscription(ctx, models.SubscriptionCreateInput{OwnerID: "owner-1", PNR: "2222222222"})
	require.NoError(t, err)

	// Повторная подписка на тот же PNR возвращает существующую запись.
	again, err := st.CreateSubscription(ctx, models.SubscriptionCreateInput{OwnerID: "owner-1", PNR: "1111111111"})
	require.NoError(t, err)
	require.Equal(t, subA.ID, again.ID)

	active, err := st.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	require.Equal(t, subA.ID, active[0].ID)

	// Успешная проверка обновляет текущий снимок и сбрасывает счётчик ошибок.
	now := time.Now().UTC()
	snap := models.Snapshot{
		PNR:         "1111111111",
		Origin:      "NDLS",
		Destination: "BCT",
		TravelDate:  "25-12-2025",
		StatusText:  "WL/5",
		FetchedAt:   now,
	}
	require.NoError(t, st.UpdateSnapshot(ctx, subA.ID, snap, now))

	got, err := st.GetSubscriptionsByIDs(ctx, []uint64{subA.ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].Current)
	require.Equal(t, "WL/5", got[0].Current.StatusText)
	require.Equal(t, "NDLS", got[0].Current.Origin)
	require.Zero(t, got[0].CheckFailCount)

	// Неудачная проверка не трогает снимок.
	require.NoError(t, st.RecordCheckFailure(ctx, subB.ID, now, "request timed out"))
	got, err = st.GetSubscriptionsByIDs(ctx, []uint64{subB.ID})
	require.NoError(t, err)
	require.Nil(t, got[0].Current)
	require.Equal(t, int32(1), got[0].CheckFailCount)
	require.NotNil(t, got[0].LastError)

	// История: ровно одна строка на проверку, свежие первыми.
	_, err = st.AppendCheck(ctx, subA.ID, snap, false, now.Add(-time.Minute))
	require.NoError(t, err)
	changedSnap := snap
	changedSnap.StatusText = "WL/2"
	_, err = st.AppendCheck(ctx, subA.ID, changedSnap, true, now)
	require.NoError(t, err)

	checks, err := st.ListChecks(ctx, subA.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, checks, 2)
	require.Equal(t, "WL/2", checks[0].Snapshot.StatusText)
	require.True(t, checks[0].Changed)
	require.Equal(t, "WL/5", checks[1].Snapshot.StatusText)

	// Деактивация мягкая и идемпотентная.
	ok, err := st.Deactivate(ctx, subA.ID)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = st.Deactivate(ctx, subA.ID)
	require.NoError(t, err)
	require.False(t, ok)

	owned, err := st.ListByOwner(ctx, "owner-1", false)
	require.NoError(t, err)
	require.Len(t, owned, 1)
	require.Equal(t, subB.ID, owned[0].ID)

	// После деактивации тот же PNR можно подписать заново.
	fresh, err := st.CreateSubscription(ctx, models.SubscriptionCreateInput{OwnerID: "owner-1", PNR: "1111111111"})
	require.NoError(t, err)
	require.NotEqual(t, subA.ID, fresh.ID)
}
