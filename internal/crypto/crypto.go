// Package crypto encrypts persisted connection credentials at rest using
// fernet tokens. The fernet key itself is persisted through caller-supplied
// load/save functions (backed by the store's settings table) so that
// credentials survive restarts without a key file on disk.
package crypto

import (
	"fmt"
	"sync"
	"time"

	"github.com/fernet/fernet-go"
)

// Cipher encrypts and decrypts short secrets with a lazily generated,
// persisted fernet key.
type Cipher struct {
	mu   sync.Mutex
	key  *fernet.Key
	load func() (string, error)
	save func(string) error
}

// New creates a Cipher whose key is loaded via load and, when absent,
// generated and written back via save.
func New(load func() (string, error), save func(string) error) *Cipher {
	return &Cipher{load: load, save: save}
}

func (c *Cipher) getKey() (*fernet.Key, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.key != nil {
		return c.key, nil
	}

	keyStr, err := c.load()
	if err != nil || keyStr == "" {
		// Generate new key
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		if err := c.save(k.Encode()); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		c.key = &k
		return c.key, nil
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	c.key = key
	return c.key, nil
}

func (c *Cipher) Encrypt(plaintext string) (string, error) {
	key, err := c.getKey()
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	key, err := c.getKey()
	if err != nil {
		return "", err
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0*time.Second, []*fernet.Key{key})
	if msg == nil {
		return "", fmt.Errorf("decrypt: invalid token")
	}
	return string(msg), nil
}

// Mask returns a redacted form of a secret suitable for status responses.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
