package memory

import (
	"context"
	"testing"
	"time"

	"github.com/JakeFAU/videre-progress/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestHistoryStoreLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewHistoryStore()
	id := uuid.New()
	start := time.Unix(1700000000, 0).UTC()

	require.NoError(t, s.UpsertStart(ctx, id, "fourier series", start))
	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.RunRunning, rec.Status)
	require.Nil(t, rec.FinishedAt)

	result := "https://cdn.example/v.mp4"
	require.NoError(t, s.Complete(ctx, id, store.Completion{
		FinishedAt: start.Add(time.Minute),
		Status:     store.RunSuccess,
		Result:     &result,
	}))
	require.NoError(t, s.SetTranscript(ctx, id, "memory://t/x.ndjson"))

	rec, err = s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.RunSuccess, rec.Status)
	require.Equal(t, result, *rec.Result)
	require.Equal(t, "memory://t/x.ndjson", *rec.Transcript)
	require.Equal(t, start.Add(time.Minute), *rec.FinishedAt)

	require.NoError(t, s.UpsertStart(ctx, id, "fourier series", start))
	rec, err = s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.RunSuccess, rec.Status, "restart must not reopen a finished run")
}

func TestHistoryStoreNotFound(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewHistoryStore()
	_, err := s.Get(ctx, uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, s.Complete(ctx, uuid.New(), store.Completion{Status: store.RunError}), store.ErrNotFound)
	require.ErrorIs(t, s.SetTranscript(ctx, uuid.New(), "x"), store.ErrNotFound)
	require.Error(t, s.Complete(ctx, uuid.New(), store.Completion{Status: store.RunRunning}))
}

func TestHistoryStoreListFiltersAndPages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewHistoryStore()
	base := time.Unix(1700000000, 0).UTC()
	ids := make([]uuid.UUID, 4)
	for i := range ids {
		ids[i] = uuid.New()
		require.NoError(t, s.UpsertStart(ctx, ids[i], "t", base.Add(time.Duration(i)*time.Second)))
	}
	reason := "render failed"
	require.NoError(t, s.Complete(ctx, ids[1], store.Completion{FinishedAt: base, Status: store.RunError, Reason: &reason}))

	all, err := s.List(ctx, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	require.Equal(t, ids[3], all[0].ID)

	page, err := s.List(ctx, nil, 2, 1)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{ids[2], ids[1]}, []uuid.UUID{page[0].ID, page[1].ID})

	failed := store.RunError
	errs, err := s.List(ctx, &failed, 10, 0)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	require.Equal(t, reason, *errs[0].Reason)

	empty, err := s.List(ctx, nil, 10, 10)
	require.NoError(t, err)
	require.Empty(t, empty)
}
