package environment

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
)

// EncryptedMarker prefixes settings files whose body is an RSA+AES envelope.
const EncryptedMarker = "PWENC:"

const envelopeSeparator = "::"

var (
	errNoPrivateKey   = errors.New("environment: no decryption key available")
	errBadEnvelope    = errors.New("environment: malformed encrypted settings envelope")
	errBadPadding     = errors.New("environment: invalid ciphertext padding")
	errBadKeyMaterial = errors.New("environment: unwrapped key material has wrong length")
)

// IsEncrypted reports whether a settings body carries the envelope marker.
func IsEncrypted(body []byte) bool {
	return strings.HasPrefix(string(body), EncryptedMarker)
}

// DecryptSettings opens a PWENC envelope: the marker is followed by
// base64(RSA-OAEP-SHA256(key||iv)), "::", and base64(AES-256-CBC ciphertext).
func DecryptSettings(body []byte, key *rsa.PrivateKey) ([]byte, error) {
	if key == nil {
		return nil, errNoPrivateKey
	}
	payload := strings.TrimPrefix(strings.TrimSpace(string(body)), EncryptedMarker)
	sections := strings.SplitN(payload, envelopeSeparator, 2)
	if len(sections) != 2 {
		return nil, errBadEnvelope
	}
	wrapped, err := base64.StdEncoding.DecodeString(sections[0])
	if err != nil {
		return nil, fmt.Errorf("environment: decode wrapped key: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(sections[1])
	if err != nil {
		return nil, fmt.Errorf("environment: decode ciphertext: %w", err)
	}

	material, err := rsa.DecryptOAEP(sha256.New(), nil, key, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("environment: unwrap key: %w", err)
	}
	if len(material) != 32+aes.BlockSize {
		return nil, errBadKeyMaterial
	}
	aesKey, iv := material[:32], material[32:]

	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errBadEnvelope
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("environment: aes cipher: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return stripPKCS7(plaintext)
}

// EncryptSettings produces the envelope DecryptSettings opens. Used by tests
// and tooling; the gateway itself only decrypts.
func EncryptSettings(plaintext []byte, pub *rsa.PublicKey) ([]byte, error) {
	material := make([]byte, 32+aes.BlockSize)
	if _, err := rand.Read(material); err != nil {
		return nil, fmt.Errorf("environment: key material: %w", err)
	}
	aesKey, iv := material[:32], material[32:]

	padded := padPKCS7(plaintext, aes.BlockSize)
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("environment: aes cipher: %w", err)
	}
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, material, nil)
	if err != nil {
		return nil, fmt.Errorf("environment: wrap key: %w", err)
	}

	out := EncryptedMarker +
		base64.StdEncoding.EncodeToString(wrapped) +
		envelopeSeparator +
		base64.StdEncoding.EncodeToString(ciphertext)
	return []byte(out), nil
}

// LoadPrivateKey resolves the decryption key from PORTWAY_ENCRYPTION_KEY,
// which may hold either PEM content or a path to a PEM file. A nil key with
// a nil error means encryption is simply not configured.
func LoadPrivateKey(value string) (*rsa.PrivateKey, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	data := []byte(trimmed)
	if !strings.Contains(trimmed, "-----BEGIN") {
		fileData, err := os.ReadFile(trimmed)
		if err != nil {
			return nil, fmt.Errorf("environment: read key file: %w", err)
		}
		data = fileData
	}
	blockPEM, _ := pem.Decode(data)
	if blockPEM == nil {
		return nil, errors.New("environment: encryption key is not valid PEM")
	}
	if key, err := x509.ParsePKCS8PrivateKey(blockPEM.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("environment: encryption key is not RSA")
		}
		return rsaKey, nil
	}
	key, err := x509.ParsePKCS1PrivateKey(blockPEM.Bytes)
	if err != nil {
		return nil, fmt.Errorf("environment: parse encryption key: %w", err)
	}
	return key, nil
}

func stripPKCS7(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errBadPadding
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(data) {
		return nil, errBadPadding
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, errBadPadding
		}
	}
	return data[:len(data)-pad], nil
}

func padPKCS7(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+pad)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(pad)
	}
	return padded
}
