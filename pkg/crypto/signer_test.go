package crypto

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalEd25519SignerSignAndVerify(t *testing.T) {
	signer, err := NewLocalEd25519SignerGenerated()
	require.NoError(t, err)

	sig, signerID, err := signer.Sign(context.Background(), []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, signer.SignerID(), signerID)

	ok, err := signer.Verify(context.Background(), []byte("payload"), sig, signerID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = signer.Verify(context.Background(), []byte("tampered"), sig, signerID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalEd25519SignerRejectsUnknownSignerID(t *testing.T) {
	signer, err := NewLocalEd25519SignerGenerated()
	require.NoError(t, err)

	sig, _, err := signer.Sign(context.Background(), []byte("payload"))
	require.NoError(t, err)

	ok, err := signer.Verify(context.Background(), []byte("payload"), sig, "some-other-signer")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHMACDevSignerSignAndVerify(t *testing.T) {
	signer := NewHMACDevSigner("dev-secret")

	sig, signerID, err := signer.Sign(context.Background(), []byte("payload"))
	require.NoError(t, err)

	ok, err := signer.Verify(context.Background(), []byte("payload"), sig, signerID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHMACDevSignerDeterministic(t *testing.T) {
	signer := NewHMACDevSigner("dev-secret")
	sig1, _, _ := signer.Sign(context.Background(), []byte("payload"))
	sig2, _, _ := signer.Sign(context.Background(), []byte("payload"))
	assert.Equal(t, sig1, sig2)
}

func TestSelectFailClosedWithoutEndpoint(t *testing.T) {
	_, err := Select(SelectConfig{RequireSigningProxy: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSignerUnavailable)
}

func TestSelectFallsBackToGeneratedLocalSigner(t *testing.T) {
	signer, err := Select(SelectConfig{})
	require.NoError(t, err)
	assert.NotNil(t, signer)
}

func TestSelectUsesHMACFallbackWhenConfiguredAndNoProxy(t *testing.T) {
	signer, err := Select(SelectConfig{DevHMACSecret: "dev-secret"})
	require.NoError(t, err)
	_, ok := signer.(*HMACDevSigner)
	assert.True(t, ok)
}
