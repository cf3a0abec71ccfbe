// Package raopcrypto implements the Curve25519/Ed25519/AES key-agreement
// steps RAOP's Apple-TV pairing extensions require (pair-verify and
// auth-setup), and the AES-128-CBC audio payload cipher used by the
// "rsaaeskey" encryption profile.
//
// Grounded in original_source/src/rtsp_client.rs's pair_verify/auth_setup
// (the Rust reference this client was distilled from), reimplemented with
// Go's crypto/ed25519, crypto/sha512 and golang.org/x/crypto/curve25519 in
// place of the original's openssl bindings.
package raopcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// ErrPairingFailure is SPEC_FULL.md's PairingFailure error kind: any
// Curve25519/AES step failed and the caller must re-pair.
var ErrPairingFailure = errors.New("raopcrypto: pairing failed")

const (
	publicKeySize = 32
	secretKeySize = 32
	signatureSize = ed25519.SignatureSize
)

// Identity is the long-term Ed25519 identity derived from a shared secret,
// used to sign the pair-verify challenge.
type Identity struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// DeriveIdentity derives a long-term Ed25519 identity from a hex-encoded
// 32-byte shared secret via a SHA-512-based KDF: the first 32 bytes of the
// digest become the Ed25519 seed.
func DeriveIdentity(secretHex string) (Identity, error) {
	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: decode secret: %v", ErrPairingFailure, err)
	}
	if len(secret) != secretKeySize {
		return Identity{}, fmt.Errorf("%w: secret must be %d bytes, got %d", ErrPairingFailure, secretKeySize, len(secret))
	}

	digest := sha512.Sum512(secret)
	seed := digest[:ed25519.SeedSize]

	priv := ed25519.NewKeyFromSeed(seed)
	return Identity{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// PairVerifyStep1 is the first half of the pair-verify exchange: it
// generates a fresh Curve25519 verify key and returns the POST body for
// `/pair-verify` (0x01 00 00 00 || verify_pub || auth_pub) along with the
// verify secret needed to complete step 2.
func PairVerifyStep1(id Identity) (body, verifyPub []byte, verifySecret [secretKeySize]byte, err error) {
	if _, err = rand.Read(verifySecret[:]); err != nil {
		return nil, nil, verifySecret, fmt.Errorf("%w: generate verify key: %v", ErrPairingFailure, err)
	}

	verifyPub, err = curve25519.X25519(verifySecret[:], curve25519.Basepoint)
	if err != nil {
		return nil, nil, verifySecret, fmt.Errorf("%w: derive verify public key: %v", ErrPairingFailure, err)
	}

	body = make([]byte, 0, 4+publicKeySize*2)
	body = append(body, 0x01, 0x00, 0x00, 0x00)
	body = append(body, verifyPub...)
	body = append(body, id.pub...)

	return body, verifyPub, verifySecret, nil
}

// PairVerifyStep2 consumes the step-1 response body (atv_pub || atv_data),
// derives the shared AES key/IV, signs verify_pub||atv_pub with the
// identity's Ed25519 key, and returns the POST body for the second
// `/pair-verify` request.
func PairVerifyStep2(id Identity, verifySecret [secretKeySize]byte, verifyPub, step1Response []byte) ([]byte, error) {
	if len(step1Response) < publicKeySize {
		return nil, fmt.Errorf("%w: step1 response too short (%d bytes)", ErrPairingFailure, len(step1Response))
	}

	atvPub := step1Response[:publicKeySize]
	atvData := step1Response[publicKeySize:]

	shared, err := curve25519.X25519(verifySecret[:], atvPub)
	if err != nil {
		return nil, fmt.Errorf("%w: derive shared secret: %v", ErrPairingFailure, err)
	}

	aesKey := kdf("Pair-Verify-AES-Key", shared)
	aesIV := kdf("Pair-Verify-AES-IV", shared)

	message := make([]byte, 0, publicKeySize*2)
	message = append(message, verifyPub...)
	message = append(message, atvPub...)
	signature := ed25519.Sign(id.priv, message)

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("%w: build AES cipher: %v", ErrPairingFailure, err)
	}
	stream := cipher.NewCTR(block, aesIV)

	// Advance the CTR keystream over atv_data, discarding the output, then
	// encrypt the signature with the advanced stream. Matches the
	// original's two sequential Crypter::update calls into one buffer.
	discard := make([]byte, len(atvData))
	stream.XORKeyStream(discard, atvData)

	encSignature := make([]byte, signatureSize)
	stream.XORKeyStream(encSignature, signature)

	body := make([]byte, 4, 4+signatureSize)
	body = append(body, encSignature...)

	return body, nil
}

// kdf derives a 16-byte AES key/IV as SHA512(label || shared)[0:16].
func kdf(label string, shared []byte) []byte {
	h := sha512.New()
	h.Write([]byte(label))
	h.Write(shared)
	return h.Sum(nil)[:16]
}

// AuthSetupBody builds the POST body for `/auth-setup`: 0x01 followed by a
// fresh Curve25519 public key.
func AuthSetupBody() ([]byte, error) {
	var secret [secretKeySize]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return nil, fmt.Errorf("%w: generate auth-setup key: %v", ErrPairingFailure, err)
	}

	pub, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: derive auth-setup public key: %v", ErrPairingFailure, err)
	}

	body := make([]byte, 0, 1+publicKeySize)
	body = append(body, 0x01)
	body = append(body, pub...)
	return body, nil
}
