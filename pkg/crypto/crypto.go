package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
)

var ErrMalformed = errors.New("sealed value is malformed")

// Box seals and opens values with AES-256-GCM. A Box built from an empty
// secret passes values through unchanged.
type Box struct {
	key []byte
}

// NewBox derives a 32-byte key from secret.
func NewBox(secret string) *Box {
	if secret == "" {
		return &Box{}
	}
	sum := sha256.Sum256([]byte(secret))
	return &Box{key: sum[:]}
}

func (b *Box) Enabled() bool { return b != nil && len(b.key) > 0 }

// Seal encrypts plainText and returns it base64 encoded with the nonce prepended.
func (b *Box) Seal(plainText string) (string, error) {
	if !b.Enabled() {
		return plainText, nil
	}

	gcm, err := b.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plainText), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (b *Box) Open(sealed string) (string, error) {
	if !b.Enabled() {
		return sealed, nil
	}

	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrMalformed
	}

	gcm, err := b.gcm()
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", ErrMalformed
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// SealJSON marshals v and seals the result.
func (b *Box) SealJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return b.Seal(string(raw))
}

// OpenJSON opens sealed and unmarshals it into v. An empty input leaves v untouched.
func (b *Box) OpenJSON(sealed string, v any) error {
	if sealed == "" {
		return nil
	}
	plain, err := b.Open(sealed)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(plain), v)
}

func (b *Box) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
