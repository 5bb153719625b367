package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

const (
	// scrypt 参数与签发方保持一致
	scryptN      = 1 << 14
	scryptR      = 8
	scryptP      = 1
	keyLength    = 32
	tagLength    = 16
	defaultNonce = 12
)

var (
	// ErrAuthentication covers every decrypt failure. Tag mismatch, bad key and
	// malformed input are deliberately indistinguishable.
	ErrAuthentication = errors.New("token authentication failed")
	// ErrMissingField marks a request that lacks required input.
	ErrMissingField = errors.New("missing required field")
)

// DeriveKey 使用 scrypt 从 rotatingID 与 salt 派生 32 字节密钥
func DeriveKey(rotatingID, salt string) ([]byte, error) {
	if rotatingID == "" {
		return nil, fmt.Errorf("%w: rotatingId", ErrMissingField)
	}
	if salt == "" {
		return nil, fmt.Errorf("%w: salt", ErrMissingField)
	}

	key, err := scrypt.Key([]byte(rotatingID), []byte(salt), scryptN, scryptR, scryptP, keyLength)
	if err != nil {
		return nil, fmt.Errorf("scrypt derive failed: %w", err)
	}
	return key, nil
}

// Decrypt 校验 blob 末尾 16 字节的 GCM tag 并解密，校验失败时不返回任何明文
func Decrypt(key, nonce, blob []byte) ([]byte, error) {
	if len(blob) < tagLength {
		return nil, ErrAuthentication
	}

	gcm, err := newGCM(key, len(nonce))
	if err != nil {
		return nil, ErrAuthentication
	}

	// cipher.AEAD expects ciphertext||tag, which is exactly the issuer layout.
	plaintext, err := gcm.Open(nil, nonce, blob, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// Encrypt seals plaintext and appends the 16-byte tag, mirroring the issuer.
func Encrypt(key, nonce, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key, len(nonce))
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nil
}

func newGCM(key []byte, nonceSize int) (cipher.AEAD, error) {
	if len(key) != keyLength {
		return nil, fmt.Errorf("key must be %d bytes", keyLength)
	}
	if nonceSize == 0 {
		return nil, fmt.Errorf("nonce is required")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if nonceSize == defaultNonce {
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCM: %w", err)
		}
		return gcm, nil
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
