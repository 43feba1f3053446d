package session

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

var (
	// ErrBadPadding means a decrypted record carried invalid PKCS#7 padding.
	ErrBadPadding = errors.New("session: bad record padding")

	// ErrBadCiphertext means a record is empty or not block-aligned.
	ErrBadCiphertext = errors.New("session: ciphertext not block-aligned")
)

// Cipher is the per-session record cipher: AES-128-CBC with PKCS#7 padding
// and an IV fixed for the whole session (iv = MD5(key)). The fixed IV means
// identical plaintexts encrypt identically within a session; that is a
// property of the deployed gateway protocol, not a choice this package makes.
//
// Encrypt and Decrypt are safe for concurrent use: each call constructs its
// own CBC stream over the shared (read-only) block cipher.
type Cipher struct {
	block cipher.Block
	iv    [aes.BlockSize]byte
}

func newCipherFromShared(shared uint32) (*Cipher, error) {
	key, iv := deriveKeys(shared)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("init record cipher: %w", err)
	}
	return &Cipher{block: block, iv: iv}, nil
}

// Encrypt pads plain to a block multiple and encrypts it.
func (c *Cipher) Encrypt(plain []byte) []byte {
	padded := pad(plain)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, c.iv[:]).CryptBlocks(out, padded)
	return out
}

// Decrypt decrypts a record and strips its padding.
func (c *Cipher) Decrypt(ct []byte) ([]byte, error) {
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadCiphertext, len(ct))
	}
	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(c.block, c.iv[:]).CryptBlocks(out, ct)
	return unpad(out)
}

// pad appends PKCS#7 padding up to the next block boundary. Input that is
// already block-aligned gains a full block of padding.
func pad(p []byte) []byte {
	n := aes.BlockSize - len(p)%aes.BlockSize
	out := make([]byte, len(p)+n)
	copy(out, p)
	for i := len(p); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func unpad(p []byte) ([]byte, error) {
	if len(p) == 0 {
		return nil, ErrBadPadding
	}
	n := int(p[len(p)-1])
	if n == 0 || n > aes.BlockSize || n > len(p) {
		return nil, ErrBadPadding
	}
	for _, b := range p[len(p)-n:] {
		if int(b) != n {
			return nil, ErrBadPadding
		}
	}
	return p[:len(p)-n], nil
}
