package billing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerQuota(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(0.05)

	ok, err := l.CheckQuota(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, l.RecordCall(ctx, Record{UserID: "u1", CostUSD: 0.03}))
	ok, _ = l.CheckQuota(ctx, "u1")
	assert.True(t, ok)

	require.NoError(t, l.RecordCall(ctx, Record{UserID: "u1", CostUSD: 0.03}))
	ok, _ = l.CheckQuota(ctx, "u1")
	assert.False(t, ok)

	// чужая квота не страдает
	ok, _ = l.CheckQuota(ctx, "u2")
	assert.True(t, ok)

	total, err := l.TotalCost(ctx, "u1")
	require.NoError(t, err)
	assert.InDelta(t, 0.06, total, 1e-9)
}

func TestLedgerUnlimited(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(0)

	require.NoError(t, l.RecordCall(ctx, Record{UserID: "u1", CostUSD: 100}))
	ok, err := l.CheckQuota(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
}
