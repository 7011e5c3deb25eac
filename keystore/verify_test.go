package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/projecteru2/vmcpd/types"
)

func TestSigningInputCanonicalForm(t *testing.T) {
	payload := types.Payload{
		"Name":      "my vm/1",
		"cpus":      json.Number("2"),
		"memory":    float64(512),
		"ratio":     1.5,
		"flags":     true,
		"nested":    map[string]any{"a": 1},
		"signature": "ignored",
		"a-b":       "x",
		"a":         "~y+z",
	}
	got := string(SigningInput(payload, "SALT"))
	assert.Equal(t, "a=~y%2Bz\na-b=x\ncpus=2\nmemory=512\nname=my%20vm%2F1\nSALT", got)
}

func TestGenerateSalt(t *testing.T) {
	seen := map[string]bool{}
	for range 50 {
		s := GenerateSalt()
		require.Len(t, s, 64)
		for _, c := range s {
			assert.Contains(t, saltChars, string(c))
		}
		assert.False(t, seen[s])
		seen[s] = true
	}
}

func TestParseBundle(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	authorized := string(ssh.MarshalAuthorizedKey(sshPub))

	entries, err := ParseBundle("Ed.Example=ed25519:" + authorized)
	require.NoError(t, err)
	entry := entries["ed.example"]
	assert.Equal(t, SchemeEd25519, entry.Scheme)

	data := SigningInput(types.Payload{"name": "demo"}, "salt")
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, data))
	require.NoError(t, verifyWith(entry.Scheme, entry.pub, data, sig))
	assert.ErrorIs(t, verifyWith(entry.Scheme, entry.pub, append(data, '!'), sig), ErrBadSignature)
}

func TestParseBundleErrors(t *testing.T) {
	_, err := ParseBundle("\n# only comments\n")
	assert.ErrorIs(t, err, ErrEmptyBundle)

	_, err = ParseBundle("no-separator-line")
	assert.Error(t, err)

	_, err = ParseBundle("example.org=rsa-sha512:bm90IGEga2V5")
	assert.ErrorIs(t, err, ErrMalformedKey)

	_, err = ParseBundle("example.org=ed25519:ssh-ed25519 garbage")
	assert.ErrorIs(t, err, ErrMalformedKey)
}
