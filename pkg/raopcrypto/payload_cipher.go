package raopcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// PayloadCipher encrypts ALAC-framed audio payloads for the RAOP
// "rsaaeskey" profile: AES-128-CBC with a zeroed IV, full 16-byte blocks
// only. A final partial block shorter than 16 bytes is left in the clear —
// this is protocol-specified (SPEC_FULL.md §4.2 step 3), not a bug.
type PayloadCipher struct {
	block cipher.Block
}

// NewPayloadCipher builds a PayloadCipher from a 16-byte AES key.
func NewPayloadCipher(key []byte) (*PayloadCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("raopcrypto: build payload cipher: %w", err)
	}
	return &PayloadCipher{block: block}, nil
}

// Encrypt returns an encrypted copy of plaintext (plaintext itself is left
// unchanged), block by block, with a zeroed IV re-derived for every call
// (RAOP resets the CBC chain per packet).
func (c *PayloadCipher) Encrypt(plaintext []byte) []byte {
	out := make([]byte, len(plaintext))
	copy(out, plaintext)

	blockSize := c.block.BlockSize()
	fullBlocks := len(out) - (len(out) % blockSize)

	iv := make([]byte, blockSize)
	mode := cipher.NewCBCEncrypter(c.block, iv)
	mode.CryptBlocks(out[:fullBlocks], out[:fullBlocks])

	return out
}
