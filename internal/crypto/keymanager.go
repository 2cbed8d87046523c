// Package crypto handles wallet key material and request authentication for
// the exchange API: encrypted key storage, EIP-712 order signing, and HMAC
// request headers.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyfileVersion  = 1
	kdfIterations   = 480_000
	kdfSaltBytes    = 16
	derivedKeyBytes = 32
	walletKeyBytes  = 32
)

// keyfile is the on-disk JSON layout for an encrypted wallet key.
type keyfile struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeySource tells ResolveKey where the trading wallet's private key lives.
type KeySource struct {
	// PrivateKeyHex is the raw hex key, with or without a 0x prefix. When
	// set it wins over the keyfile.
	PrivateKeyHex string
	// KeyfilePath points at a JSON blob written by SealKey.
	KeyfilePath string
	// KeyfilePassword decrypts KeyfilePath.
	KeyfilePassword string
}

// SealKey encrypts a hex wallet key under a password. The key is derived
// with PBKDF2-HMAC-SHA256 and the payload sealed with AES-256-GCM.
func SealKey(privateKeyHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: empty password")
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: private key is not hex: %w", err)
	}
	if len(raw) != walletKeyBytes {
		return nil, fmt.Errorf("crypto: want %d key bytes, got %d", walletKeyBytes, len(raw))
	}

	salt := make([]byte, kdfSaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: salt: %w", err)
	}
	gcm, err := gcmFor(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}

	kf := keyfile{
		Version:    keyfileVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, raw, nil)),
	}
	return json.MarshalIndent(kf, "", "  ")
}

// OpenKey decrypts a SealKey blob and returns the hex key without a prefix.
func OpenKey(blob []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: empty password")
	}
	var kf keyfile
	if err := json.Unmarshal(blob, &kf); err != nil {
		return "", fmt.Errorf("crypto: parse keyfile: %w", err)
	}
	if kf.Version != keyfileVersion {
		return "", fmt.Errorf("crypto: keyfile version %d not supported", kf.Version)
	}
	salt, err := base64.StdEncoding.DecodeString(kf.Salt)
	if err != nil {
		return "", fmt.Errorf("crypto: decode salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(kf.Nonce)
	if err != nil {
		return "", fmt.Errorf("crypto: decode nonce: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(kf.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("crypto: decode ciphertext: %w", err)
	}
	gcm, err := gcmFor(password, salt)
	if err != nil {
		return "", err
	}
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decrypt keyfile (wrong password?): %w", err)
	}
	return hex.EncodeToString(plain), nil
}

// ResolveKey returns the wallet key for a KeySource, preferring the raw key
// over the encrypted file.
func ResolveKey(src KeySource) (string, error) {
	if src.PrivateKeyHex != "" {
		k := strings.TrimPrefix(src.PrivateKeyHex, "0x")
		if _, err := hex.DecodeString(k); err != nil {
			return "", fmt.Errorf("crypto: configured key is not hex: %w", err)
		}
		return k, nil
	}
	if src.KeyfilePath != "" {
		blob, err := os.ReadFile(src.KeyfilePath)
		if err != nil {
			return "", fmt.Errorf("crypto: read keyfile: %w", err)
		}
		return OpenKey(blob, src.KeyfilePassword)
	}
	return "", errors.New("crypto: no key source configured")
}

func gcmFor(password string, salt []byte) (cipher.AEAD, error) {
	dk := pbkdf2.Key([]byte(password), salt, kdfIterations, derivedKeyBytes, sha256.New)
	block, err := aes.NewCipher(dk)
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm: %w", err)
	}
	return gcm, nil
}
