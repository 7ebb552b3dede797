package api

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/kernel/pkg/canonicalize"
)

// testApprover mirrors the upgrade package's own test helper, kept local
// here since it is unexported there.
type testApprover struct {
	id   string
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

func mustApprover(t *testing.T, id string) testApprover {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return testApprover{id: id, priv: priv, pub: pub}
}

func mustMarshalRegistry(t *testing.T, approvers ...testApprover) []byte {
	t.Helper()
	raw := map[string]map[string]string{}
	for _, a := range approvers {
		raw[a.id] = map[string]string{
			"publicKey": base64.StdEncoding.EncodeToString(a.pub),
			"algorithm": "Ed25519",
		}
	}
	data, err := json.Marshal(raw)
	require.NoError(t, err)
	return data
}

func (a testApprover) sign(t *testing.T, manifestBody map[string]interface{}) string {
	t.Helper()
	canonical, err := canonicalize.Canonicalize(manifestBody)
	require.NoError(t, err)
	sig := ed25519.Sign(a.priv, canonical)
	return base64.StdEncoding.EncodeToString(sig)
}
