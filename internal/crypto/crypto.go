package crypto

import (
	"errors"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
)

var ErrInvalidToken = errors.New("decrypt: invalid token")

// Encryptor seals stored SSH secrets with a fernet key.
type Encryptor struct {
	key *fernet.Key
}

// NewEncryptor decodes a base64 fernet key. An empty key generates a fresh
// one, which is only useful for tests and throwaway sqlite databases.
func NewEncryptor(encoded string) (*Encryptor, error) {
	if encoded == "" {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		return &Encryptor{key: &k}, nil
	}

	key, err := fernet.DecodeKey(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return &Encryptor{key: key}, nil
}

// Key returns the encoded key so a generated one can be logged once and persisted by the operator.
func (e *Encryptor) Key() string {
	return e.key.Encode()
}

func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), e.key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0*time.Second, []*fernet.Key{e.key})
	if msg == nil {
		return "", ErrInvalidToken
	}
	return string(msg), nil
}
