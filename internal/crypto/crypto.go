// Package crypto holds the primitives behind encrypted archives: the
// per-profile encryption state derived from a recovery code, the chunk
// encryptor and decryptor used by the archive codec, and BLAKE3 checksums.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	saltSize   = 16
	secretSize = 32

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4

	authInfo = "pbak backup auth"
	wrapInfo = "pbak backup wrap"
)

var b64 = base64.StdEncoding

// BLAKE3File computes the BLAKE3 hash of a file
func BLAKE3File(filename string) (string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}

	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

// deriveKeys stretches the recovery code with argon2id and splits the result
// into an authentication key and a key that wraps the state secrets.
func deriveKeys(recoveryCode string, salt []byte) (authKey, wrapKey []byte, err error) {
	master := argon2.IDKey([]byte(recoveryCode), salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)

	authKey, err = expand(master, salt, authInfo)
	if err != nil {
		return nil, nil, err
	}
	wrapKey, err = expand(master, salt, wrapInfo)
	if err != nil {
		return nil, nil, err
	}
	return authKey, wrapKey, nil
}

func expand(master, salt []byte, info string) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, salt, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("failed to derive %q key: %w", info, err)
	}
	return key, nil
}
