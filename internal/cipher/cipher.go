// Package cipher implements the AES-128-CBC payload cipher PakBus uses to
// protect BMP5 message bodies when a shared secret is configured.
//
// Grounded on original_source/coratools/Csi.PakBus.AesCipher.h and
// original_source/Csi.PakBus.AesCipher.cpp: the key is MD5(shared
// secret), the IV is MD5(nonce), and the plaintext is zero-padded to a
// whole number of 16-byte blocks before CBC encryption. There is no
// pack example that reaches for a third-party crypto library in place
// of crypto/aes+crypto/cipher+crypto/md5 for this kind of block cipher
// work (DESIGN.md), so this package is stdlib-only by necessity, not
// convenience.
package cipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"errors"
	"fmt"
)

// BlockSize is the AES block size and the unit padding is rounded up to.
const BlockSize = aes.BlockSize // 16

// NonceLen is the length in bytes of the nonce used to derive the IV.
const NonceLen = 4

// ErrCiphertextNotBlockAligned is returned by Decrypt when the input is
// not a whole number of AES blocks.
var ErrCiphertextNotBlockAligned = errors.New("pakbus: ciphertext is not block-aligned")

// ErrShortCiphertext is returned by Decrypt when the input is shorter
// than one block.
var ErrShortCiphertext = errors.New("pakbus: ciphertext shorter than one block")

// Cipher encrypts and decrypts BMP5 message bodies with a key derived
// from a shared secret string.
type Cipher struct {
	key [16]byte
}

// New derives a Cipher's key from the given shared secret (MD5(secret)).
// An empty secret is legal and yields MD5 of the empty string as the
// key, like any other secret; callers should consult
// Message.ShouldEncrypt/the configured secret before reaching for this
// type at all.
func New(secret string) *Cipher {
	return &Cipher{key: md5.Sum([]byte(secret))}
}

// deriveIV computes MD5(nonce) truncated to BlockSize, used as the CBC IV.
func deriveIV(nonce []byte) [16]byte {
	return md5.Sum(nonce)
}

// PadCapacity returns the number of plaintext bytes that fit within
// maxCiphertextLen once zero-padded to a block boundary, i.e. the largest
// multiple of BlockSize that is <= maxCiphertextLen (spec.md §4.3:
// "Bmp5MaxBodyLen - header_overhead - 16"). No other package in this
// repository calls it.
func PadCapacity(maxCiphertextLen int) int {
	if maxCiphertextLen < BlockSize {
		return 0
	}
	return (maxCiphertextLen / BlockSize) * BlockSize
}

func pad(plaintext []byte) []byte {
	padLen := BlockSize - len(plaintext)%BlockSize
	if padLen == BlockSize {
		return plaintext
	}
	out := make([]byte, len(plaintext)+padLen)
	copy(out, plaintext)
	return out
}

// Encrypt zero-pads plaintext to a block boundary and encrypts it with
// AES-128-CBC under an IV derived from nonce. nonce is opaque bytes;
// internal/port supplies NonceLen bytes taken from the current clock
// and carries them in the encrypted envelope.
func (c *Cipher) Encrypt(nonce, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("pakbus: aes.NewCipher: %w", err)
	}
	iv := deriveIV(nonce)
	padded := pad(plaintext)
	out := make([]byte, len(padded))
	mode := cipher.NewCBCEncrypter(block, iv[:])
	mode.CryptBlocks(out, padded)
	return out, nil
}

// Decrypt reverses Encrypt. The caller is responsible for stripping
// trailing zero padding from the plaintext; PakBus message bodies carry
// their own explicit length so this is unambiguous at the message layer.
func (c *Cipher) Decrypt(nonce, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, ErrShortCiphertext
	}
	if len(ciphertext)%BlockSize != 0 {
		return nil, ErrCiphertextNotBlockAligned
	}
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("pakbus: aes.NewCipher: %w", err)
	}
	iv := deriveIV(nonce)
	out := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, iv[:])
	mode.CryptBlocks(out, ciphertext)
	return out, nil
}
