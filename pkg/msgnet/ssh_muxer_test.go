package msgnet

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func fingerprintPEM(t *testing.T, key []byte) string {
	t.Helper()
	signer, err := ssh.ParsePrivateKey(key)
	require.NoError(t, err)
	return FingerprintKey(signer.PublicKey())
}

func TestDetermRandIsDeterministic(t *testing.T) {
	read := func(seed string, n int) []byte {
		b := make([]byte, n)
		_, err := io.ReadFull(NewDetermRand([]byte(seed)), b)
		require.NoError(t, err)
		return b
	}
	a := read("seed", 100)
	assert.Equal(t, a, read("seed", 100))
	assert.NotEqual(t, a, read("other", 100))
	assert.True(t, bytes.HasPrefix(read("seed", 200), a[:96]))
}

func TestGenerateKeyFromSeed(t *testing.T) {
	k1, err := GenerateKey("my seed")
	require.NoError(t, err)
	k2, err := GenerateKey("my seed")
	require.NoError(t, err)
	k3, err := GenerateKey("other seed")
	require.NoError(t, err)
	assert.Equal(t, fingerprintPEM(t, k1), fingerprintPEM(t, k2))
	assert.NotEqual(t, fingerprintPEM(t, k1), fingerprintPEM(t, k3))

	r1, err := GenerateKey("")
	require.NoError(t, err)
	r2, err := GenerateKey("")
	require.NoError(t, err)
	assert.NotEqual(t, fingerprintPEM(t, r1), fingerprintPEM(t, r2))
}

func TestFingerprintFormat(t *testing.T) {
	k, err := GenerateKey("fmt")
	require.NoError(t, err)
	fp := fingerprintPEM(t, k)
	assert.Len(t, fp, 16*3-1)
	assert.Equal(t, byte(':'), fp[2])
}

func TestParseAuth(t *testing.T) {
	user, pass := ParseAuth("bob:a:b")
	assert.Equal(t, "bob", user)
	assert.Equal(t, "a:b", pass)
	user, pass = ParseAuth("nobody")
	assert.Empty(t, user)
	assert.Empty(t, pass)
}
