package pipeline

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epochlabs/ledgerd/internal/domain"
)

func TestReplayPathAppliesArchivedEvents(t *testing.T) {
	f := newPipelineFixture(t)
	f.seedGroup(t, 8453, "0xaaaa")

	f.archiver.stored = map[string][]domain.Event{
		"events/2026-08-01/10-20-x.jsonl": {
			liquidityEvent("0xaaaa", "0xt1", 10, 0, "1"),
			liquidityEvent("0xaaaa", "0xt2", 20, 0, "2"),
		},
	}

	replayer := NewReplayer(f.archiver, &fakeBlobReader{}, f.indexer, slog.Default())
	require.NoError(t, replayer.ReplayPath(context.Background(), "events/2026-08-01/10-20-x.jsonl"))

	assert.Equal(t, 2, f.txs.count())
}

func TestReplayIsIdempotent(t *testing.T) {
	f := newPipelineFixture(t)
	f.seedGroup(t, 8453, "0xaaaa")

	path := "events/2026-08-01/10-20-x.jsonl"
	f.archiver.stored = map[string][]domain.Event{
		path: {liquidityEvent("0xaaaa", "0xt1", 10, 0, "1")},
	}

	replayer := NewReplayer(f.archiver, &fakeBlobReader{}, f.indexer, slog.Default())
	ctx := context.Background()

	require.NoError(t, replayer.ReplayPath(ctx, path))
	require.NoError(t, replayer.ReplayPath(ctx, path))

	// Replaying over an already-populated ledger records nothing twice.
	assert.Equal(t, 1, f.txs.count())
}

func TestReplayPrefixWalksKeysInOrder(t *testing.T) {
	f := newPipelineFixture(t)
	f.seedGroup(t, 8453, "0xaaaa")

	f.archiver.stored = map[string][]domain.Event{
		"events/2026-08-01/10-20-x.jsonl": {liquidityEvent("0xaaaa", "0xt1", 10, 0, "1")},
		"events/2026-08-02/30-40-y.jsonl": {liquidityEvent("0xaaaa", "0xt2", 30, 0, "2")},
	}
	reader := &fakeBlobReader{infos: []domain.BlobInfo{
		{Path: "events/2026-08-01/10-20-x.jsonl"},
		{Path: "events/2026-08-01/manifest.txt"}, // skipped, not an archive
		{Path: "events/2026-08-02/30-40-y.jsonl"},
	}}

	replayer := NewReplayer(f.archiver, reader, f.indexer, slog.Default())
	require.NoError(t, replayer.ReplayPrefix(context.Background(), "events/"))

	assert.Equal(t, 2, f.txs.count())
}

func TestReplayMissingArchiveFails(t *testing.T) {
	f := newPipelineFixture(t)

	replayer := NewReplayer(f.archiver, &fakeBlobReader{}, f.indexer, slog.Default())
	err := replayer.ReplayPath(context.Background(), "events/absent.jsonl")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReplayEmptyPrefixIsNoop(t *testing.T) {
	f := newPipelineFixture(t)

	replayer := NewReplayer(f.archiver, &fakeBlobReader{}, f.indexer, slog.Default())
	require.NoError(t, replayer.ReplayPrefix(context.Background(), "events/"))
	assert.Equal(t, 0, f.txs.count())
}
