package crypto

import (
	"bytes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"pbak/internal/backuperr"

	"filippo.io/age"
	"golang.org/x/crypto/chacha20poly1305"
)

const fileKeySize = chacha20poly1305.KeySize

var (
	errStreamFinished  = errors.New("stream already received its final chunk")
	errCounterOverflow = errors.New("chunk counter overflow")
)

// streamNonce builds the STREAM construction nonce: an 11-byte big-endian
// chunk counter followed by a flag byte set on the final chunk.
func streamNonce(counter uint64, last bool) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[3:11], counter)
	if last {
		nonce[11] = 1
	}
	return nonce
}

func equalKeys(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}

// ArchiveEncryptor seals snapshot chunks under a fresh file key that is
// wrapped to the state's public key.
type ArchiveEncryptor struct {
	aead     cipher.AEAD
	counter  uint64
	finished bool
	config   EncConfig
}

func NewArchiveEncryptor(state *State) (*ArchiveEncryptor, error) {
	if state == nil || state.recipient == nil {
		return nil, errors.New("encryption state has no recipient")
	}

	fileKey, err := randomBytes(fileKeySize)
	if err != nil {
		return nil, err
	}

	var wrapped bytes.Buffer
	w, err := age.Encrypt(&wrapped, state.recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap file key: %w", err)
	}
	if _, err := w.Write(fileKey); err != nil {
		return nil, fmt.Errorf("failed to wrap file key: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to wrap file key: %w", err)
	}

	aead, err := chacha20poly1305.New(fileKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	return &ArchiveEncryptor{
		aead: aead,
		config: EncConfig{
			Serialized:     state.Serialized,
			WrappedFileKey: b64.EncodeToString(wrapped.Bytes()),
		},
	}, nil
}

// Config returns the parameters an archive needs to record.
func (e *ArchiveEncryptor) Config() EncConfig {
	return e.config
}

func (e *ArchiveEncryptor) Seal(chunk []byte, last bool) ([]byte, error) {
	if e.finished {
		return nil, errStreamFinished
	}
	if e.counter >= 1<<63 {
		return nil, errCounterOverflow
	}
	out := e.aead.Seal(nil, streamNonce(e.counter, last), chunk, nil)
	e.counter++
	e.finished = last
	return out, nil
}

// ArchiveDecryptor opens chunks produced by an ArchiveEncryptor, in order.
type ArchiveDecryptor struct {
	aead     cipher.AEAD
	counter  uint64
	done     bool
	osSecret []byte
}

// NewArchiveDecryptor checks recoveryCode against cfg and unwraps the file
// key. A wrong code is reported as Unauthorized.
func NewArchiveDecryptor(recoveryCode string, cfg EncConfig) (*ArchiveDecryptor, error) {
	if recoveryCode == "" {
		return nil, backuperr.New(backuperr.Unauthorized, "recovery code is required")
	}

	identity, osSecret, err := cfg.unwrap(recoveryCode)
	if err != nil {
		return nil, err
	}

	wrapped, err := b64.DecodeString(cfg.WrappedFileKey)
	if err != nil {
		return nil, backuperr.Wrap(backuperr.CorruptedArchive, err, "invalid wrapped file key")
	}
	r, err := age.Decrypt(bytes.NewReader(wrapped), identity)
	if err != nil {
		return nil, backuperr.Wrap(backuperr.CorruptedArchive, err, "failed to unwrap file key")
	}
	fileKey, err := io.ReadAll(r)
	if err != nil || len(fileKey) != fileKeySize {
		return nil, backuperr.New(backuperr.CorruptedArchive, "malformed file key")
	}

	aead, err := chacha20poly1305.New(fileKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &ArchiveDecryptor{aead: aead, osSecret: osSecret}, nil
}

func (d *ArchiveDecryptor) Decrypt(chunk []byte, last bool) ([]byte, error) {
	if d.done {
		return nil, errStreamFinished
	}
	plain, err := d.aead.Open(nil, streamNonce(d.counter, last), chunk, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk %d: %w", d.counter, err)
	}
	d.counter++
	d.done = last
	return plain, nil
}

// Done reports whether the final chunk has been opened.
func (d *ArchiveDecryptor) Done() bool {
	return d.done
}

// OSSecret is the secret the archive's state was created with.
func (d *ArchiveDecryptor) OSSecret() []byte {
	return d.osSecret
}
