package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"

	"github.com/fernet/fernet-go"
)

// Cipher seals message content at rest. New writes use AES-256-GCM with a key
// derived from the configured secret; rows written under older Fernet keys
// still open.
type Cipher struct {
	aead       cipher.AEAD
	fernetKeys []*fernet.Key
}

func NewCipher(secret []byte, legacyKeys []string) (*Cipher, error) {
	if len(secret) == 0 {
		return nil, errors.New("encryption key must not be empty")
	}
	sum := sha256.Sum256(secret)
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	c := &Cipher{aead: aead}
	for _, raw := range append([]string{string(secret)}, legacyKeys...) {
		if k, err := fernet.DecodeKey(strings.TrimSpace(raw)); err == nil {
			c.fernetKeys = append(c.fernetKeys, k)
		}
	}
	return c, nil
}

func (c *Cipher) Seal(plain string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(c.aead.Seal(nonce, nonce, []byte(plain), nil)), nil
}

func (c *Cipher) Open(sealed string) (string, error) {
	if raw, err := base64.StdEncoding.DecodeString(sealed); err == nil && len(raw) >= c.aead.NonceSize() {
		n := c.aead.NonceSize()
		if plain, err := c.aead.Open(nil, raw[:n], raw[n:], nil); err == nil {
			return string(plain), nil
		}
	}
	if len(c.fernetKeys) > 0 {
		if plain := fernet.VerifyAndDecrypt([]byte(sealed), 0, c.fernetKeys); plain != nil {
			return string(plain), nil
		}
	}
	return "", errors.New("failed to open message payload")
}

// Plaintext stores content as-is. Used when no encryption key is configured.
type Plaintext struct{}

func (Plaintext) Seal(plain string) (string, error)  { return plain, nil }
func (Plaintext) Open(sealed string) (string, error) { return sealed, nil }
