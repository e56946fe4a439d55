package database

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"

	"spacechat/internal/constants"

	"golang.org/x/crypto/pbkdf2"
)

// EncryptionSecretEnv names the variable whose presence turns on at-rest encryption
const EncryptionSecretEnv = "SPACECHAT_ENCRYPTION_SECRET"

const minSecretLength = 32

// encryptor seals cached message content with AES-GCM. A nil gcm passes values through unchanged.
type encryptor struct {
	gcm cipher.AEAD
}

func newEncryptorFromEnv() (*encryptor, error) {
	return newEncryptor(os.Getenv(EncryptionSecretEnv))
}

func newEncryptor(secret string) (*encryptor, error) {
	if secret == "" {
		return &encryptor{}, nil
	}
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("encryption secret must be at least %d characters long", minSecretLength)
	}

	key := pbkdf2.Key([]byte(secret), []byte(constants.EncryptionSalt), constants.EncryptionIterations, constants.EncryptionKeySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &encryptor{gcm: gcm}, nil
}

func (e *encryptor) enabled() bool {
	return e.gcm != nil
}

func (e *encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" || e.gcm == nil {
		return plaintext, nil
	}

	nonce := make([]byte, constants.EncryptionNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := e.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (e *encryptor) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" || e.gcm == nil {
		return ciphertext, nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}
	if len(data) < constants.EncryptionNonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, body := data[:constants.EncryptionNonceSize], data[constants.EncryptionNonceSize:]
	plaintext, err := e.gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}
