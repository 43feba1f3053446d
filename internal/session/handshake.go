// Package session implements the gateway session cryptography: the
// client-parameter Diffie-Hellman exchange and the AES-128-CBC record
// cipher derived from it.
//
// The gateway chooses the DH group (prime, generator) each session and the
// moduli are 32-bit. The derivation below is bit-exact with deployed gateway
// firmware and must not be "improved"; see the cipher notes in cipher.go.
package session

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
)

// Wire sizes of the handshake exchange.
const (
	HelloSize = 12 // prime | generator | clientPublic, uint32 big-endian each
	ReplySize = 4  // serverPublic, uint32 big-endian
)

var (
	// ErrBadHandshake means the client hello is malformed or the prime is
	// too small to draw a private exponent from [2, prime-2].
	ErrBadHandshake = errors.New("session: malformed handshake")
)

// Handshake consumes the 12-byte client hello and returns the 4-byte reply
// together with the record cipher for the rest of the session.
func Handshake(hello []byte) (reply []byte, c *Cipher, err error) {
	if len(hello) != HelloSize {
		return nil, nil, fmt.Errorf("%w: %d bytes, want %d", ErrBadHandshake, len(hello), HelloSize)
	}

	prime := binary.BigEndian.Uint32(hello[0:4])
	generator := binary.BigEndian.Uint32(hello[4:8])
	clientPublic := binary.BigEndian.Uint32(hello[8:12])

	if prime < 5 {
		return nil, nil, fmt.Errorf("%w: prime %d leaves no exponent range", ErrBadHandshake, prime)
	}

	priv, err := randomExponent(prime)
	if err != nil {
		return nil, nil, fmt.Errorf("draw private exponent: %w", err)
	}

	serverPublic, shared := respond(prime, generator, clientPublic, priv)

	reply = make([]byte, ReplySize)
	binary.BigEndian.PutUint32(reply, serverPublic)

	c, err = newCipherFromShared(shared)
	if err != nil {
		return nil, nil, err
	}
	return reply, c, nil
}

// respond computes the server half of the exchange with a fixed exponent.
// Split out so tests can pin the private exponent.
func respond(prime, generator, clientPublic, priv uint32) (serverPublic, shared uint32) {
	serverPublic = modExp(uint64(generator), uint64(priv), uint64(prime))
	shared = modExp(uint64(clientPublic), uint64(priv), uint64(prime))
	return serverPublic, shared
}

// randomExponent draws uniformly from [2, prime-2].
func randomExponent(prime uint32) (uint32, error) {
	span := big.NewInt(int64(prime) - 3) // rand.Int yields [0, span-1]... span must be > 0
	if span.Sign() <= 0 {
		span = big.NewInt(1)
	}
	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		return 0, err
	}
	return uint32(n.Uint64()) + 2, nil
}

// modExp is square-and-multiply on uint64. Operands are below 2^32, so the
// intermediate products cannot overflow.
func modExp(base, exp, mod uint64) uint32 {
	if mod == 1 {
		return 0
	}
	result := uint64(1)
	base %= mod
	for exp > 0 {
		if exp&1 == 1 {
			result = result * base % mod
		}
		base = base * base % mod
		exp >>= 1
	}
	return uint32(result)
}

// deriveKeys turns the shared value into the session key and IV:
// key = MD5(be32(shared)), iv = MD5(key).
func deriveKeys(shared uint32) (key, iv [16]byte) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], shared)
	key = md5.Sum(buf[:])
	iv = md5.Sum(key[:])
	return key, iv
}

// ClientHandshake is the gateway side of the exchange, used by the simulator
// and by end-to-end tests.
type ClientHandshake struct {
	prime     uint32
	generator uint32
	priv      uint32
}

// NewClientHandshake picks a random private exponent for the given group.
func NewClientHandshake(prime, generator uint32) (*ClientHandshake, error) {
	if prime < 5 {
		return nil, fmt.Errorf("%w: prime %d", ErrBadHandshake, prime)
	}
	priv, err := randomExponent(prime)
	if err != nil {
		return nil, err
	}
	return &ClientHandshake{prime: prime, generator: generator, priv: priv}, nil
}

// Hello returns the 12-byte client hello.
func (h *ClientHandshake) Hello() []byte {
	hello := make([]byte, HelloSize)
	binary.BigEndian.PutUint32(hello[0:4], h.prime)
	binary.BigEndian.PutUint32(hello[4:8], h.generator)
	binary.BigEndian.PutUint32(hello[8:12], modExp(uint64(h.generator), uint64(h.priv), uint64(h.prime)))
	return hello
}

// Finish consumes the 4-byte server reply and derives the record cipher.
func (h *ClientHandshake) Finish(reply []byte) (*Cipher, error) {
	if len(reply) != ReplySize {
		return nil, fmt.Errorf("%w: reply %d bytes, want %d", ErrBadHandshake, len(reply), ReplySize)
	}
	serverPublic := binary.BigEndian.Uint32(reply)
	shared := modExp(uint64(serverPublic), uint64(h.priv), uint64(h.prime))
	return newCipherFromShared(shared)
}
