package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/einvoice/integration/internal/domain/shared"
)

func TestResolveSourceAndTargetWins(t *testing.T) {
	source := Record{"status": "issued"}
	target := Record{"status": "draft"}

	got, err := Resolve(ConflictSourceWins, source, target)
	require.NoError(t, err)
	assert.Equal(t, "issued", got["status"])

	got, err = Resolve(ConflictTargetWins, source, target)
	require.NoError(t, err)
	assert.Equal(t, "draft", got["status"])
}

func TestResolveLatestTimestampWins(t *testing.T) {
	older := Record{"status": "issued", "updated_at": "2026-03-01T10:00:00Z"}
	newer := Record{"status": "draft", "updated_at": "2026-03-02T10:00:00Z"}

	got, err := Resolve(ConflictLatestWins, older, newer)
	require.NoError(t, err)
	assert.Equal(t, "draft", got["status"])

	got, err = Resolve(ConflictLatestWins, newer, older)
	require.NoError(t, err)
	assert.Equal(t, "draft", got["status"])
}

func TestResolveLatestTimestampFormats(t *testing.T) {
	// Unix seconds in the source, time.Time in the target
	source := Record{"v": "s", "updated_at": int64(1767225600)}
	target := Record{"v": "t", "updated_at": time.Unix(1767225601, 0)}

	got, err := Resolve(ConflictLatestWins, source, target)
	require.NoError(t, err)
	assert.Equal(t, "t", got["v"])
}

func TestResolveLatestWithoutTimestamps(t *testing.T) {
	// A record without a usable timestamp loses to one with it
	source := Record{"v": "s"}
	target := Record{"v": "t", "modified_at": "2026-03-01T10:00:00Z"}
	got, err := Resolve(ConflictLatestWins, source, target)
	require.NoError(t, err)
	assert.Equal(t, "t", got["v"])

	// Neither has one: source wins
	got, err = Resolve(ConflictLatestWins, Record{"v": "s"}, Record{"v": "t"})
	require.NoError(t, err)
	assert.Equal(t, "s", got["v"])
}

func TestResolveFieldMerge(t *testing.T) {
	source := Record{"status": "issued", "note": nil, "total": 100}
	target := Record{"status": "draft", "note": "keep me", "buyer": "acme"}

	got, err := Resolve(ConflictFieldMerge, source, target)
	require.NoError(t, err)
	assert.Equal(t, "issued", got["status"])
	assert.Equal(t, "keep me", got["note"]) // nil source fields never overwrite
	assert.Equal(t, 100, got["total"])
	assert.Equal(t, "acme", got["buyer"])
}

func TestResolveSkipRaisesConflict(t *testing.T) {
	_, err := Resolve(ConflictSkip, Record{}, Record{})
	assert.ErrorIs(t, err, shared.ErrSyncConflict)
}

func TestResolveUnknownStrategy(t *testing.T) {
	_, err := Resolve(ConflictStrategy("COIN_FLIP"), Record{}, Record{})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, shared.ErrSyncConflict)
}
