package audit

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/argon2"
)

// encryptedKeyFile is the on-disk format for a passphrase-protected
// signing key: the private key never touches disk in the clear.
type encryptedKeyFile struct {
	KeyID      string `json:"key_id"`
	Algorithm  AlgorithmID `json:"algorithm"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
)

// deriveKeyEncryptionKey stretches passphrase into an AES-256 key using
// Argon2id, the memory-hard KDF recommended for passphrase-derived keys.
func deriveKeyEncryptionKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// SealEd25519KeyToFile encrypts priv under a key derived from passphrase
// and writes it to path, so an operator's audit signing key can be
// rotated onto disk without ever being stored unencrypted.
func SealEd25519KeyToFile(path, keyID, passphrase string, priv ed25519.PrivateKey) error {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("audit: generate salt: %w", err)
	}
	kek := deriveKeyEncryptionKey(passphrase, salt)

	block, err := aes.NewCipher(kek)
	if err != nil {
		return fmt.Errorf("audit: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("audit: init gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("audit: generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, priv, nil)
	out := encryptedKeyFile{KeyID: keyID, Algorithm: AlgEd25519, Salt: salt, Nonce: nonce, Ciphertext: ciphertext}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("audit: marshal key file: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// OpenEd25519KeyFromFile reverses SealEd25519KeyToFile.
func OpenEd25519KeyFromFile(path, passphrase string) (keyID string, priv ed25519.PrivateKey, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("audit: read key file: %w", err)
	}
	var in encryptedKeyFile
	if err := json.Unmarshal(data, &in); err != nil {
		return "", nil, fmt.Errorf("audit: parse key file: %w", err)
	}

	kek := deriveKeyEncryptionKey(passphrase, in.Salt)
	block, err := aes.NewCipher(kek)
	if err != nil {
		return "", nil, fmt.Errorf("audit: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", nil, fmt.Errorf("audit: init gcm: %w", err)
	}
	plaintext, err := gcm.Open(nil, in.Nonce, in.Ciphertext, nil)
	if err != nil {
		return "", nil, fmt.Errorf("audit: decrypt key file (wrong passphrase?): %w", err)
	}
	return in.KeyID, ed25519.PrivateKey(plaintext), nil
}
