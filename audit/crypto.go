package audit

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"time"
)

// AlgorithmID identifies the signing algorithm used for an entry, carried
// alongside every signature so keys can rotate without invalidating the
// ability to verify older entries.
type AlgorithmID string

const (
	AlgEd25519 AlgorithmID = "Ed25519"
	AlgRSAPSS  AlgorithmID = "RSA-PSS-SHA256"
)

func isSupportedAlgorithm(alg AlgorithmID) bool {
	switch alg {
	case AlgEd25519, AlgRSAPSS:
		return true
	default:
		return false
	}
}

// canonicalHash computes the SHA-256 hash of data.
func canonicalHash(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// canonicalJSON serializes v deterministically; json.Marshal sorts map
// keys, which is sufficient determinism for our struct-typed entries.
func canonicalJSON(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Signer produces a signature and identifies the key and algorithm used,
// so a SignatureRecord is self-describing for verification.
type Signer interface {
	Sign(data []byte) ([]byte, error)
	KeyID() string
	Algorithm() AlgorithmID
}

// Verifier checks a signature produced by the Signer with the matching
// KeyID and Algorithm.
type Verifier interface {
	Verify(data, signature []byte) error
	KeyID() string
	Algorithm() AlgorithmID
}

// SignatureRecord is the envelope attached to every audit entry and every
// signed Task outcome.
type SignatureRecord struct {
	Algorithm AlgorithmID `json:"algorithm"`
	KeyID     string      `json:"key_id"`
	Signature []byte      `json:"signature"`
	SignedAt  time.Time   `json:"signed_at"`
	DataHash  []byte      `json:"data_hash"`
}

// Ed25519Signer signs with a raw Ed25519 private key.
type Ed25519Signer struct {
	keyID      string
	privateKey ed25519.PrivateKey
}

// NewEd25519Signer wraps privateKey under keyID.
func NewEd25519Signer(keyID string, privateKey ed25519.PrivateKey) (*Ed25519Signer, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("audit: invalid ed25519 key size %d", len(privateKey))
	}
	return &Ed25519Signer{keyID: keyID, privateKey: privateKey}, nil
}

func (s *Ed25519Signer) Sign(data []byte) ([]byte, error) { return ed25519.Sign(s.privateKey, data), nil }
func (s *Ed25519Signer) KeyID() string                    { return s.keyID }
func (s *Ed25519Signer) Algorithm() AlgorithmID           { return AlgEd25519 }

// Ed25519Verifier verifies signatures from the matching Ed25519Signer.
type Ed25519Verifier struct {
	keyID     string
	publicKey ed25519.PublicKey
}

// NewEd25519Verifier wraps publicKey under keyID.
func NewEd25519Verifier(keyID string, publicKey ed25519.PublicKey) (*Ed25519Verifier, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("audit: invalid ed25519 public key size %d", len(publicKey))
	}
	return &Ed25519Verifier{keyID: keyID, publicKey: publicKey}, nil
}

func (v *Ed25519Verifier) Verify(data, signature []byte) error {
	if !ed25519.Verify(v.publicKey, data, signature) {
		return errSignatureInvalid
	}
	return nil
}
func (v *Ed25519Verifier) KeyID() string          { return v.keyID }
func (v *Ed25519Verifier) Algorithm() AlgorithmID { return AlgEd25519 }

// RSAPSSSigner signs SHA-256 digests with RSA-PSS, kept alongside Ed25519
// as the second supported algorithm so a deployment constrained to FIPS
// validated RSA can still run the chain.
type RSAPSSSigner struct {
	keyID      string
	privateKey *rsa.PrivateKey
}

// NewRSAPSSSigner wraps privateKey under keyID.
func NewRSAPSSSigner(keyID string, privateKey *rsa.PrivateKey) *RSAPSSSigner {
	return &RSAPSSSigner{keyID: keyID, privateKey: privateKey}
}

func (s *RSAPSSSigner) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	return rsa.SignPSS(rand.Reader, s.privateKey, cryptoSHA256, digest[:], nil)
}
func (s *RSAPSSSigner) KeyID() string          { return s.keyID }
func (s *RSAPSSSigner) Algorithm() AlgorithmID { return AlgRSAPSS }

// RSAPSSVerifier verifies signatures from the matching RSAPSSSigner.
type RSAPSSVerifier struct {
	keyID     string
	publicKey *rsa.PublicKey
}

// NewRSAPSSVerifier wraps publicKey under keyID.
func NewRSAPSSVerifier(keyID string, publicKey *rsa.PublicKey) *RSAPSSVerifier {
	return &RSAPSSVerifier{keyID: keyID, publicKey: publicKey}
}

func (v *RSAPSSVerifier) Verify(data, signature []byte) error {
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPSS(v.publicKey, cryptoSHA256, digest[:], signature, nil); err != nil {
		return errSignatureInvalid
	}
	return nil
}
func (v *RSAPSSVerifier) KeyID() string          { return v.keyID }
func (v *RSAPSSVerifier) Algorithm() AlgorithmID { return AlgRSAPSS }

// MarshalPKIXPublicKey exposes the stdlib helper so callers building a key
// rotation record don't need to import crypto/x509 themselves.
func MarshalPKIXPublicKey(pub interface{}) ([]byte, error) {
	return x509.MarshalPKIXPublicKey(pub)
}
