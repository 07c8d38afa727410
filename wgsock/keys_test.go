package wgsock

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPair(t *testing.T) {
	engine := new(engineMock)
	privateKey := bytes.Repeat([]byte{0x21}, KeySize)
	publicKey := bytes.Repeat([]byte{0x42}, KeySize)

	engine.On("GeneratePrivateKey").Return(privateKey, nil)
	engine.On("DerivePublicKey", privateKey).Return(publicKey, nil)

	gotPriv, gotPub, err := GenerateKeyPair(engine)
	require.NoError(t, err)
	assert.Equal(t, privateKey, gotPriv)
	assert.Equal(t, publicKey, gotPub)
}

func TestGenerateKeyPairEngineFailure(t *testing.T) {
	engine := new(engineMock)
	engine.On("GeneratePrivateKey").Return(nil, errors.New("entropy exhausted"))

	_, _, err := GenerateKeyPair(engine)
	assert.Error(t, err)
	engine.AssertNotCalled(t, "DerivePublicKey")
}

func TestDerivePublicKeyRejectsWrongLengthWithoutEngineCall(t *testing.T) {
	engine := new(engineMock)

	_, err := DerivePublicKey(engine, []byte{0x01, 0x02, 0x03})
	assert.Error(t, err)
	engine.AssertNotCalled(t, "DerivePublicKey")
}

func TestKeyEncodingRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x5A}, KeySize)
	decoded, err := DecodeKey(EncodeKey(key))
	require.NoError(t, err)
	assert.Equal(t, key, decoded)
}

func TestDecodeKeyMalformedInput(t *testing.T) {
	_, err := DecodeKey("!!! definitely not base64 !!!")
	assert.Error(t, err)
}
