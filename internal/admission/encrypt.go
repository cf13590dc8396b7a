package admission

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// Envelope is the ciphertext record bundled with an order's code, plus a
// list of the source paths that fed it (no values), for audit — per §4.3
// step 3.f.
type Envelope struct {
	EphemeralPublicKey []byte   `json:"ephemeral_public_key"`
	Nonce              []byte   `json:"nonce"`
	Ciphertext         []byte   `json:"ciphertext"`
	SourcePaths        []string `json:"source_paths"`
}

// KeyPair is an ephemeral X25519 key pair generated for a single order when
// the submitter did not supply a pre-existing encryption_key_ref. The
// private half is persisted to the key store under keys/<run_id>/<order_num>
// and referenced from the order; the public half encrypts.
type KeyPair struct {
	Private *ecdh.PrivateKey
	Public  *ecdh.PublicKey
}

// GenerateKeyPair creates a fresh X25519 key pair. Envelope encryption uses
// stdlib crypto/ecdh + crypto/aes: no asymmetric-encryption library
// (golang.org/x/crypto/nacl/box, age, curve25519) appears anywhere in the
// retrieval pack, so there is no ecosystem dependency to ground this on —
// this is the one component of the admission pipeline built on the standard
// library rather than a third-party import.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	return &KeyPair{Private: priv, Public: priv.PublicKey()}, nil
}

// Encrypt performs envelope encryption of plaintext env map JSON under
// recipientPub: an ephemeral sender key is generated, an X25519 shared
// secret is derived and hashed into an AES-256-GCM key, and the plaintext is
// sealed. sourcePaths lists the config/secret paths that were merged into
// the plaintext, recorded on the envelope for audit without their values.
func Encrypt(recipientPub *ecdh.PublicKey, plaintext []byte, sourcePaths []string) (*Envelope, error) {
	ephemeral, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}

	shared, err := ephemeral.ECDH(recipientPub)
	if err != nil {
		return nil, fmt.Errorf("derive shared secret: %w", err)
	}
	aesKey := sha256.Sum256(shared)

	block, err := aes.NewCipher(aesKey[:])
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	return &Envelope{
		EphemeralPublicKey: ephemeral.PublicKey().Bytes(),
		Nonce:              nonce,
		Ciphertext:         ciphertext,
		SourcePaths:        sourcePaths,
	}, nil
}

// Decrypt reverses Encrypt given the recipient's private key. It is the
// worker-side counterpart, adapted into internal/worker.
func Decrypt(recipientPriv *ecdh.PrivateKey, env *Envelope) ([]byte, error) {
	curve := ecdh.X25519()
	ephemeralPub, err := curve.NewPublicKey(env.EphemeralPublicKey)
	if err != nil {
		return nil, fmt.Errorf("parse ephemeral public key: %w", err)
	}

	shared, err := recipientPriv.ECDH(ephemeralPub)
	if err != nil {
		return nil, fmt.Errorf("derive shared secret: %w", err)
	}
	aesKey := sha256.Sum256(shared)

	block, err := aes.NewCipher(aesKey[:])
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	plaintext, err := gcm.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// MarshalEnvelope serialises an Envelope for bundling.
func MarshalEnvelope(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// UnmarshalEnvelope parses a bundled Envelope.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}
