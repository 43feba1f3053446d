package session

import (
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Known-answer test for the documented exchange: prime=11, generator=2,
// clientPublic=5, server exponent 3. The shared value is 5^3 mod 11 = 4,
// so key = MD5(00 00 00 04) and iv = MD5(key).
func TestHandshakeKnownAnswer(t *testing.T) {
	serverPublic, shared := respond(11, 2, 5, 3)
	assert.Equal(t, uint32(8), serverPublic)
	assert.Equal(t, uint32(4), shared)

	key, iv := deriveKeys(shared)
	assert.Equal(t, "ea4959eb64a1f09be580d950964f3843", hex.EncodeToString(key[:]))
	assert.Equal(t, "4c8799773cc1a0fac081b0029bd5fb97", hex.EncodeToString(iv[:]))
}

func TestHandshakeRejectsMalformedHello(t *testing.T) {
	tests := []struct {
		name  string
		hello []byte
	}{
		{"short", make([]byte, 11)},
		{"long", make([]byte, 13)},
		{"empty", nil},
		{"tiny prime", helloBytes(4, 2, 3)},
		{"zero prime", helloBytes(0, 2, 3)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Handshake(tt.hello)
			assert.ErrorIs(t, err, ErrBadHandshake)
		})
	}
}

// Both sides must derive the same record cipher from the same exchange,
// whatever group the client picked.
func TestHandshakeKeyAgreement(t *testing.T) {
	groups := []struct {
		prime     uint32
		generator uint32
	}{
		{11, 2},
		{65521, 17},
		{4294967291, 2}, // largest 32-bit prime
		{7919, 7919 + 13},
	}

	for _, g := range groups {
		client, err := NewClientHandshake(g.prime, g.generator)
		require.NoError(t, err)

		reply, server, err := Handshake(client.Hello())
		require.NoError(t, err)
		require.Len(t, reply, ReplySize)

		gateway, err := client.Finish(reply)
		require.NoError(t, err)

		// Server encrypts, client decrypts, and back again.
		msg := []byte(`{"uniqueId":"gw-1","token":"abef"}`)
		plain, err := gateway.Decrypt(server.Encrypt(msg))
		require.NoError(t, err)
		assert.Equal(t, msg, plain)

		plain, err = server.Decrypt(gateway.Encrypt(msg))
		require.NoError(t, err)
		assert.Equal(t, msg, plain)
	}
}

func TestRandomExponentRange(t *testing.T) {
	for i := 0; i < 200; i++ {
		priv, err := randomExponent(11)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, priv, uint32(2))
		assert.LessOrEqual(t, priv, uint32(9))
	}
}

func TestModExp(t *testing.T) {
	tests := []struct {
		base, exp, mod uint64
		want           uint32
	}{
		{2, 3, 11, 8},
		{5, 3, 11, 4},
		{0, 5, 11, 0},
		{7, 0, 11, 1},
		{4294967290, 2, 4294967291, 1}, // (p-1)^2 mod p
		{10, 10, 1, 0},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, modExp(tt.base, tt.exp, tt.mod), "base=%d exp=%d mod=%d", tt.base, tt.exp, tt.mod)
	}
}

func helloBytes(prime, generator, clientPublic uint32) []byte {
	hello := make([]byte, HelloSize)
	binary.BigEndian.PutUint32(hello[0:4], prime)
	binary.BigEndian.PutUint32(hello[4:8], generator)
	binary.BigEndian.PutUint32(hello[8:12], clientPublic)
	return hello
}
