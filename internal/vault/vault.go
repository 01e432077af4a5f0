// Package vault encrypts channel credentials at rest.
//
// Sealed values look like
//
//	enc:<key version>:<nonce>:<tag>:<ciphertext>
//
// with base64 fields. Each record names the key version that sealed it, so a
// rotation only changes which key seals new records; old records still open
// with their own version until Reencrypt moves them forward.
//
// The per-record key is derived with HKDF from the version's master key and
// the caller's context (the tenant id), and the context is also bound as
// additional data. Opening under the wrong context fails authentication.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hkdf"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	scheme   = "enc"
	keySize  = 32
	tagSize  = 16
	infoBase = "wagate/credential/v1:"
)

var (
	ErrMalformed       = errors.New("vault: malformed sealed value")
	ErrUnknownVersion  = errors.New("vault: unknown key version")
	ErrDecrypt         = errors.New("vault: decryption failed")
	ErrNoActiveKey     = errors.New("vault: no active key")
	errInvalidKeyBytes = errors.New("vault: key must be 32 bytes")
)

// Keyring maps key versions to 32-byte master keys.
type Keyring struct {
	active string
	keys   map[string][]byte
}

// NewKeyring copies keys; active must be present.
func NewKeyring(active string, keys map[string][]byte) (*Keyring, error) {
	kr := &Keyring{active: active, keys: make(map[string][]byte, len(keys))}
	for ver, k := range keys {
		if ver == "" || strings.Contains(ver, ":") {
			return nil, fmt.Errorf("vault: invalid key version %q", ver)
		}
		if len(k) != keySize {
			return nil, fmt.Errorf("%w (version %s)", errInvalidKeyBytes, ver)
		}
		kr.keys[ver] = append([]byte(nil), k...)
	}
	if _, ok := kr.keys[active]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoActiveKey, active)
	}
	return kr, nil
}

// ParseKeyring decodes base64 keys as they appear in config.
func ParseKeyring(active string, b64 map[string]string) (*Keyring, error) {
	keys := make(map[string][]byte, len(b64))
	for ver, s := range b64 {
		k, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("vault: key %s: not base64", ver)
		}
		keys[ver] = k
	}
	return NewKeyring(active, keys)
}

func (k *Keyring) Active() string { return k.active }

func (k *Keyring) aead(version, context string) (cipher.AEAD, error) {
	master, ok := k.keys[version]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVersion, version)
	}
	dk, err := hkdf.Key(sha256.New, master, nil, infoBase+context, keySize)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(dk)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals secret under the active key for context.
func (k *Keyring) Encrypt(secret []byte, context string) (string, error) {
	return k.seal(k.active, secret, context)
}

func (k *Keyring) seal(version string, secret []byte, context string) (string, error) {
	gcm, err := k.aead(version, context)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	out := gcm.Seal(nil, nonce, secret, []byte(context))
	ct, tag := out[:len(out)-tagSize], out[len(out)-tagSize:]
	enc := base64.StdEncoding
	return strings.Join([]string{
		scheme, version, enc.EncodeToString(nonce), enc.EncodeToString(tag), enc.EncodeToString(ct),
	}, ":"), nil
}

// Sealed is a parsed sealed value.
type Sealed struct {
	Version    string
	Nonce      []byte
	Tag        []byte
	Ciphertext []byte
}

func Parse(s string) (Sealed, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 5 || parts[0] != scheme || parts[1] == "" {
		return Sealed{}, ErrMalformed
	}
	enc := base64.StdEncoding
	nonce, err1 := enc.DecodeString(parts[2])
	tag, err2 := enc.DecodeString(parts[3])
	ct, err3 := enc.DecodeString(parts[4])
	if err := errors.Join(err1, err2, err3); err != nil || len(tag) != tagSize {
		return Sealed{}, ErrMalformed
	}
	return Sealed{Version: parts[1], Nonce: nonce, Tag: tag, Ciphertext: ct}, nil
}

// Decrypt opens s with the key named in it. Any tampering, or a context that
// differs from the one used to seal, returns ErrDecrypt.
func (k *Keyring) Decrypt(s, context string) ([]byte, error) {
	sealed, err := Parse(s)
	if err != nil {
		return nil, err
	}
	gcm, err := k.aead(sealed.Version, context)
	if err != nil {
		return nil, err
	}
	if len(sealed.Nonce) != gcm.NonceSize() {
		return nil, ErrMalformed
	}
	buf := make([]byte, 0, len(sealed.Ciphertext)+tagSize)
	buf = append(append(buf, sealed.Ciphertext...), sealed.Tag...)
	pt, err := gcm.Open(nil, sealed.Nonce, buf, []byte(context))
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}

// NeedsRotation reports whether s was sealed under a non-active key.
func (k *Keyring) NeedsRotation(s string) bool {
	sealed, err := Parse(s)
	return err == nil && sealed.Version != k.active
}

// Reencrypt moves s to the active key. It is idempotent: a value already under
// the active key is returned unchanged with changed=false.
func (k *Keyring) Reencrypt(s, context string) (out string, changed bool, err error) {
	if !k.NeedsRotation(s) {
		if _, err := Parse(s); err != nil {
			return "", false, err
		}
		return s, false, nil
	}
	pt, err := k.Decrypt(s, context)
	if err != nil {
		return "", false, err
	}
	defer clear(pt)
	out, err = k.Encrypt(pt, context)
	if err != nil {
		return "", false, err
	}
	return out, true, nil
}
