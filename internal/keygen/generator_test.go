package keygen

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	taoerrors "github.com/snowops/taokey/internal/errors"
)

func TestNewRejectsUnsupportedKeySize(t *testing.T) {
	t.Parallel()

	for _, size := range []int{0, 1024, 3072, 8192} {
		_, err := New(size)
		require.Error(t, err, "size %d", size)
		var gerr taoerrors.GenerationError
		require.ErrorAs(t, err, &gerr)
		assert.Equal(t, size, gerr.KeySize)
	}
}

func TestGenerateProducesUsableKeyPair(t *testing.T) {
	t.Parallel()

	gen, err := New(KeySize2048)
	require.NoError(t, err)
	assert.Equal(t, KeySize2048, gen.KeySize())

	material, err := gen.Generate()
	require.NoError(t, err)
	defer material.Destroy()

	block, rest := pem.Decode([]byte(material.PublicKeyPEM))
	require.NotNil(t, block)
	assert.Equal(t, "PUBLIC KEY", block.Type)
	assert.Empty(t, rest)
	_, err = x509.ParsePKIXPublicKey(block.Bytes)
	require.NoError(t, err)

	locked, err := material.Private.Open()
	require.NoError(t, err)
	defer locked.Destroy()

	privBlock, _ := pem.Decode(locked.Bytes())
	require.NotNil(t, privBlock)
	assert.Equal(t, "PRIVATE KEY", privBlock.Type)
	_, err = x509.ParsePKCS8PrivateKey(privBlock.Bytes)
	require.NoError(t, err)
}

func TestSnowflakePublicKeyStripsArmor(t *testing.T) {
	t.Parallel()

	gen, err := New(KeySize2048)
	require.NoError(t, err)
	material, err := gen.Generate()
	require.NoError(t, err)
	defer material.Destroy()

	clean := material.SnowflakePublicKey()
	assert.NotContains(t, clean, "BEGIN")
	assert.NotContains(t, clean, "\n")

	// The cleaned form must round-trip back to the same DER bytes.
	der, err := base64.StdEncoding.DecodeString(clean)
	require.NoError(t, err)
	block, _ := pem.Decode([]byte(material.PublicKeyPEM))
	require.NotNil(t, block)
	assert.Equal(t, block.Bytes, der)
}

func TestCleanPublicKey(t *testing.T) {
	t.Parallel()

	armored := "-----BEGIN PUBLIC KEY-----\r\nMIIBIjAN\r\nBgkqhkiG\r\n-----END PUBLIC KEY-----\r\n"
	assert.Equal(t, "MIIBIjANBgkqhkiG", CleanPublicKey(armored))
	assert.Equal(t, "MIIBIjAN", CleanPublicKey("MIIBIjAN"))
	assert.Equal(t, "", CleanPublicKey(strings.Repeat("\n", 3)))
}
