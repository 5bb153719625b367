package credential

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/assistant-harness/backend/internal/model/media"
)

// Handshake unlocks media-session tokens. It holds only the configured salt;
// keys are derived per call and never cached.
type Handshake struct {
	salt string
}

// NewHandshake creates a handshake bound to the configured salt.
func NewHandshake(salt string) *Handshake {
	return &Handshake{salt: strings.TrimSpace(salt)}
}

// DecryptToken validates the request, derives the key and decrypts the token.
// Validation problems wrap ErrMissingField; everything after that is ErrAuthentication.
func (h *Handshake) DecryptToken(req media.DecryptRequest) (string, error) {
	salt := strings.TrimSpace(req.Salt)
	if salt == "" {
		salt = h.salt
	}

	switch {
	case strings.TrimSpace(req.RotatingID) == "":
		return "", fmt.Errorf("%w: rotatingId", ErrMissingField)
	case salt == "":
		return "", fmt.Errorf("%w: salt", ErrMissingField)
	case strings.TrimSpace(req.NonceB64) == "":
		return "", fmt.Errorf("%w: nonceB64", ErrMissingField)
	case strings.TrimSpace(req.EncryptedTokenB64) == "":
		return "", fmt.Errorf("%w: encryptedTokenB64", ErrMissingField)
	}

	nonce, err := base64.StdEncoding.DecodeString(req.NonceB64)
	if err != nil {
		return "", ErrAuthentication
	}
	blob, err := base64.StdEncoding.DecodeString(req.EncryptedTokenB64)
	if err != nil {
		return "", ErrAuthentication
	}

	key, err := DeriveKey(req.RotatingID, salt)
	if err != nil {
		return "", ErrAuthentication
	}

	plaintext, err := Decrypt(key, nonce, blob)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// IssueToken plays the issuer side for local testing: it generates a fresh
// rotating id and nonce and seals token under the configured salt.
func (h *Handshake) IssueToken(token string) (media.IssuedToken, error) {
	if h.salt == "" {
		return media.IssuedToken{}, fmt.Errorf("%w: salt", ErrMissingField)
	}
	if token == "" {
		token = uuid.NewString()
	}

	rotatingID := uuid.NewString()
	nonce := make([]byte, defaultNonce)
	if _, err := rand.Read(nonce); err != nil {
		return media.IssuedToken{}, fmt.Errorf("failed to generate nonce: %w", err)
	}

	key, err := DeriveKey(rotatingID, h.salt)
	if err != nil {
		return media.IssuedToken{}, err
	}

	sealed, err := Encrypt(key, nonce, []byte(token))
	if err != nil {
		return media.IssuedToken{}, fmt.Errorf("failed to seal token: %w", err)
	}

	return media.IssuedToken{
		RotatingID:        rotatingID,
		NonceB64:          base64.StdEncoding.EncodeToString(nonce),
		EncryptedTokenB64: base64.StdEncoding.EncodeToString(sealed),
		IssuedAt:          time.Now().UTC(),
	}, nil
}
