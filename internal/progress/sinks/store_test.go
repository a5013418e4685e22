package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/manga-aggregator/internal/progress"
	"github.com/JakeFAU/manga-aggregator/internal/store"
)

// TestStoreSinkPersistsRunHistory ensures run and source milestones reach the repository in order.
func TestStoreSinkPersistsRunHistory(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{}
	sink := NewStoreSink(repo, nil)
	runUUID := uuid.New()
	runID := progress.UUIDToBytes(runUUID)
	now := time.Now().UTC()

	batch := []progress.Event{
		{RunID: runID, Stage: progress.StageRunStart, TS: now, Total: 2},
		{RunID: runID, Stage: progress.StageSourceStart, TS: now, SourceID: 1, Source: "Alpha"},
		{RunID: runID, Stage: progress.StageSourceDone, TS: now.Add(time.Second), SourceID: 1, Source: "Alpha", Fetched: 4, Merged: 3, Chapters: 12},
		{RunID: runID, Stage: progress.StageSourceError, TS: now.Add(2 * time.Second), SourceID: 2, Source: "Beta", Note: "status 403"},
		{RunID: runID, Stage: progress.StageRunDone, TS: now.Add(3 * time.Second), Dur: 3 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, []string{"start", "source", "source", "finish"}, repo.calls)
	require.Equal(t, runUUID, repo.runID)
	require.Equal(t, now, repo.startedAt)
	require.Len(t, repo.outcomes, 2)
	require.Equal(t, store.SourceOutcome{
		SourceID: 1, Source: "Alpha", Fetched: 4, Merged: 3, Chapters: 12, FinishedAt: now.Add(time.Second),
	}, repo.outcomes[0])
	require.Equal(t, "status 403", repo.outcomes[1].Error)
	require.Equal(t, store.RunSuccess, repo.status)
	require.Nil(t, repo.errMsg)
}

// TestStoreSinkMapsTerminalStages checks error and canceled runs keep their note.
func TestStoreSinkMapsTerminalStages(t *testing.T) {
	t.Parallel()

	for stage, want := range map[progress.Stage]store.RunStatus{
		progress.StageRunError:    store.RunError,
		progress.StageRunCanceled: store.RunCanceled,
	} {
		repo := &fakeRunRepo{}
		sink := NewStoreSink(repo, nil)
		err := sink.Consume(context.Background(), []progress.Event{
			{RunID: progress.UUIDToBytes(uuid.New()), Stage: stage, TS: time.Now(), Note: "commit failed"},
		})
		require.NoError(t, err)
		require.Equal(t, want, repo.status)
		require.NotNil(t, repo.errMsg)
		require.Equal(t, "commit failed", *repo.errMsg)
	}
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{fail: true}
	sink := NewStoreSink(repo, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{RunID: progress.UUIDToBytes(uuid.New()), Stage: progress.StageRunStart, TS: time.Now()},
	})
	require.ErrorContains(t, err, "start run")

	var nilSink *StoreSink
	require.NoError(t, nilSink.Consume(context.Background(), nil))
}

type fakeRunRepo struct {
	fail      bool
	calls     []string
	runID     uuid.UUID
	startedAt time.Time
	outcomes  []store.SourceOutcome
	status    store.RunStatus
	errMsg    *string
}

func (f *fakeRunRepo) StartRun(_ context.Context, runID uuid.UUID, startedAt time.Time) error {
	if f.fail {
		return assertErr("start")
	}
	f.calls = append(f.calls, "start")
	f.runID, f.startedAt = runID, startedAt
	return nil
}

func (f *fakeRunRepo) RecordSource(_ context.Context, _ uuid.UUID, outcome store.SourceOutcome) error {
	if f.fail {
		return assertErr("source")
	}
	f.calls = append(f.calls, "source")
	f.outcomes = append(f.outcomes, outcome)
	return nil
}

func (f *fakeRunRepo) FinishRun(_ context.Context, _ uuid.UUID, _ time.Time, status store.RunStatus, errMsg *string) error {
	if f.fail {
		return assertErr("finish")
	}
	f.calls = append(f.calls, "finish")
	f.status, f.errMsg = status, errMsg
	return nil
}

func (f *fakeRunRepo) GetRun(context.Context, uuid.UUID) (store.Run, error) {
	return store.Run{}, store.ErrNotFound
}

func (f *fakeRunRepo) ListRuns(context.Context, *store.RunStatus, int, int) ([]store.Run, error) {
	return nil, assertErr("list")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
