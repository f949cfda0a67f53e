package audit

import (
	"crypto"
	"errors"
	"sync"
	"time"
)

// cryptoSHA256 pins the hash used for RSA-PSS digests.
const cryptoSHA256 = crypto.SHA256

var errSignatureInvalid = errors.New("audit: signature verification failed")

// KeyRecord is one generation of signing key. Old keys stay in the ring
// as verifiers only, so entries signed before a rotation still verify.
type KeyRecord struct {
	KeyID     string
	Algorithm AlgorithmID
	Signer    Signer // nil for retired keys kept for verification only
	Verifier  Verifier
	CreatedAt time.Time
	RetiredAt *time.Time
}

// KeyRing holds the active signing key plus every retired key still
// needed to verify historical entries.
type KeyRing struct {
	mu      sync.RWMutex
	active  string
	records map[string]*KeyRecord
}

// NewKeyRing builds an empty ring; call Add with the first key before use.
func NewKeyRing() *KeyRing {
	return &KeyRing{records: make(map[string]*KeyRecord)}
}

// Add registers rec and, if it is the first key added, makes it active.
func (kr *KeyRing) Add(rec *KeyRecord) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	kr.records[rec.KeyID] = rec
	if kr.active == "" {
		kr.active = rec.KeyID
	}
}

// Rotate retires the current active key and makes newKeyID active.
// newKeyID must already be registered via Add.
func (kr *KeyRing) Rotate(newKeyID string, now time.Time) error {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	if _, ok := kr.records[newKeyID]; !ok {
		return errors.New("audit: rotate to unknown key id")
	}
	if old, ok := kr.records[kr.active]; ok {
		retiredAt := now
		old.RetiredAt = &retiredAt
	}
	kr.active = newKeyID
	return nil
}

// ActiveSigner returns the current signer, or an error if none is set.
func (kr *KeyRing) ActiveSigner() (Signer, error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	rec, ok := kr.records[kr.active]
	if !ok || rec.Signer == nil {
		return nil, errors.New("audit: no active signing key")
	}
	return rec.Signer, nil
}

// Verifier looks up the verifier for keyID, active or retired.
func (kr *KeyRing) Verifier(keyID string) (Verifier, error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	rec, ok := kr.records[keyID]
	if !ok {
		return nil, errors.New("audit: unknown signing key id " + keyID)
	}
	return rec.Verifier, nil
}
