package audit

import (
	"context"
	"testing"

	"github.com/Mindburn-Labs/kernel/pkg/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*MemoryStore, crypto.Signer) {
	t.Helper()
	signer, err := crypto.NewLocalEd25519SignerGenerated()
	require.NoError(t, err)
	return NewMemoryStore(signer, nil), signer
}

// TestGenesisChain covers scenario 1: the first append has an empty prevHash
// and a correctly computed hash; a follow-up chains onto it.
func TestGenesisChain(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first, err := store.Append(ctx, AppendRequest{EventType: "test.a", Payload: map[string]interface{}{"n": 1}})
	require.NoError(t, err)
	assert.Equal(t, "", first.PrevHash)

	wantHash, err := computeChainHash(first.Payload, "")
	require.NoError(t, err)
	assert.Equal(t, wantHash, first.Hash)

	second, err := store.Append(ctx, AppendRequest{EventType: "test.a", Payload: map[string]interface{}{"n": 2}})
	require.NoError(t, err)
	assert.Equal(t, first.Hash, second.PrevHash)
}

func TestAppendIdempotentFastPath(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first, err := store.Append(ctx, AppendRequest{EventType: "kernel.sign", Payload: map[string]interface{}{"id": "m1"}})
	require.NoError(t, err)

	second, err := store.Append(ctx, AppendRequest{EventType: "kernel.sign", Payload: map[string]interface{}{"id": "m1"}})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, store.Events(), 1)
}

func TestAppendSignatureVerifies(t *testing.T) {
	store, signer := newTestStore(t)
	ctx := context.Background()

	event, err := store.Append(ctx, AppendRequest{EventType: "test.sig", Payload: map[string]interface{}{"x": 1}})
	require.NoError(t, err)

	ok, err := signer.Verify(ctx, []byte(event.Hash), event.Signature, event.SignerID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStreamBatchClaimTransitionsAndRetryBudget(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	event, err := store.Append(ctx, AppendRequest{EventType: "test.a", Payload: map[string]interface{}{"n": 1}})
	require.NoError(t, err)

	claimed, err := store.ClaimStreamBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, StreamInProgress, claimed[0].StreamStatus)

	for i := 0; i < MaxStreamAttempts; i++ {
		require.NoError(t, store.MarkStreamRetry(ctx, event.ID, i+1))
	}
	got, err := store.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, StreamFailed, got.StreamStatus)
}

func TestGetUnknownEventReturnsNotFound(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
