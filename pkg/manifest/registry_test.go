package manifest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegistryInsertAndList(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	_, err := reg.Insert(ctx, Signature{ManifestID: "m1", SignerID: "s1", Signature: "sig1"})
	require.NoError(t, err)
	_, err = reg.Insert(ctx, Signature{ManifestID: "m1", SignerID: "s1", Signature: "sig2"})
	require.NoError(t, err)

	sigs, err := reg.List(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, sigs, 2)
}

func TestMemoryRegistryListUnknownManifestIsEmpty(t *testing.T) {
	reg := NewMemoryRegistry()
	sigs, err := reg.List(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, sigs)
}

func TestMemoryRegistryAssignsID(t *testing.T) {
	reg := NewMemoryRegistry()
	sig, err := reg.Insert(context.Background(), Signature{ManifestID: "m2"})
	require.NoError(t, err)
	assert.NotEmpty(t, sig.ID)
}

func TestMemoryRegistryRejectsMalformedVersion(t *testing.T) {
	reg := NewMemoryRegistry()
	_, err := reg.Insert(context.Background(), Signature{ManifestID: "m3", Version: "not-semver"})
	assert.ErrorIs(t, err, ErrInvalidVersion)
}

func TestMemoryRegistryAcceptsValidVersion(t *testing.T) {
	reg := NewMemoryRegistry()
	sig, err := reg.Insert(context.Background(), Signature{ManifestID: "m4", Version: "2.1.0"})
	require.NoError(t, err)
	assert.Equal(t, "2.1.0", sig.Version)
}

func TestLatestVersionPicksHighestSemver(t *testing.T) {
	sigs := []*Signature{
		{Version: "1.0.0"},
		{Version: "1.2.0"},
		{Version: "not-semver"},
		{Version: "1.1.5"},
	}
	latest, ok := LatestVersion(sigs)
	require.True(t, ok)
	assert.Equal(t, "1.2.0", latest.String())
}

func TestLatestVersionNoneParseable(t *testing.T) {
	_, ok := LatestVersion([]*Signature{{Version: "bogus"}, {}})
	assert.False(t, ok)
}
