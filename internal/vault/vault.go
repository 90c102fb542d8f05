// Package vault encrypts destination credentials at rest and authenticates
// inbound webhook signatures.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/scrypt"

	"eventrelay/internal/domain"
)

const (
	ivLength  = 16
	tagLength = 16
	keyLength = 32

	// scrypt cost parameters
	scryptN = 1 << 14
	scryptR = 8
	scryptP = 1

	DefaultSalt = "salt"
	aad         = "eventrelay"
)

// Vault derives AES-256 keys from passphrases with scrypt and a fixed salt.
// Derived keys are kept in a small LRU keyed by the passphrase digest.
type Vault struct {
	salt []byte
	keys *lru.Cache[string, []byte]
}

func New(salt string) *Vault {
	if salt == "" {
		salt = DefaultSalt
	}
	keys, _ := lru.New[string, []byte](64)
	return &Vault{salt: []byte(salt), keys: keys}
}

func (v *Vault) key(passphrase string) ([]byte, error) {
	sum := sha256.Sum256([]byte(passphrase))
	id := hex.EncodeToString(sum[:])
	if k, ok := v.keys.Get(id); ok {
		return k, nil
	}
	k, err := scrypt.Key([]byte(passphrase), v.salt, scryptN, scryptR, scryptP, keyLength)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	v.keys.Add(id, k)
	return k, nil
}

func (v *Vault) gcm(passphrase string) (cipher.AEAD, error) {
	k, err := v.key(passphrase)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, ivLength)
}

// Encrypt returns plaintext sealed as ivHex:tagHex:cipherHex.
func (v *Vault) Encrypt(plaintext, passphrase string) (string, error) {
	aead, err := v.gcm(passphrase)
	if err != nil {
		return "", err
	}
	iv := make([]byte, ivLength)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	sealed := aead.Seal(nil, iv, []byte(plaintext), []byte(aad))
	ct, tag := sealed[:len(sealed)-tagLength], sealed[len(sealed)-tagLength:]

	return strings.Join([]string{
		hex.EncodeToString(iv),
		hex.EncodeToString(tag),
		hex.EncodeToString(ct),
	}, ":"), nil
}

// Decrypt opens a token produced by Encrypt. Any malformed input or
// authentication failure returns domain.ErrCrypto and no plaintext.
func (v *Vault) Decrypt(token, passphrase string) (string, error) {
	parts := strings.Split(token, ":")
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: invalid encrypted data format", domain.ErrCrypto)
	}
	iv, err1 := hex.DecodeString(parts[0])
	tag, err2 := hex.DecodeString(parts[1])
	ct, err3 := hex.DecodeString(parts[2])
	if err1 != nil || err2 != nil || err3 != nil || len(iv) != ivLength || len(tag) != tagLength {
		return "", fmt.Errorf("%w: invalid encrypted data format", domain.ErrCrypto)
	}

	aead, err := v.gcm(passphrase)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrCrypto, err)
	}
	pt, err := aead.Open(nil, iv, append(ct, tag...), []byte(aad))
	if err != nil {
		return "", fmt.Errorf("%w: failed to decrypt data", domain.ErrCrypto)
	}
	return string(pt), nil
}
