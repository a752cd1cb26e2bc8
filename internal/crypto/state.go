package crypto

import (
	"errors"
	"fmt"
	"pbak/internal/backuperr"

	"filippo.io/age"
	"github.com/goccy/go-json"
	"golang.org/x/crypto/chacha20poly1305"
)

// StateVersion is the newest encryption state layout this build writes.
const StateVersion = 1

// Serialized is the public half of an encryption state. Nothing in it can
// decrypt an archive without the recovery code.
type Serialized struct {
	Version        int    `json:"version"`
	PublicKey      string `json:"publicKey"`
	Salt           string `json:"salt"`
	Nonce          string `json:"nonce"`
	BackupAuthKey  string `json:"backupAuthKey"`
	WrappedSecrets string `json:"wrappedSecrets"`
}

// EncConfig is what an encrypted archive records about its encryption.
type EncConfig struct {
	Serialized
	WrappedFileKey string `json:"wrappedFileKey"`
}

type State struct {
	Serialized
	recipient *age.X25519Recipient
	osSecret  []byte
}

type wrappedSecrets struct {
	Identity string `json:"identity"`
	OSSecret string `json:"osSecret"`
}

// NewState generates fresh key material protected by recoveryCode.
func NewState(recoveryCode string) (*State, error) {
	if recoveryCode == "" {
		return nil, backuperr.New(backuperr.InvalidPassword, "recovery code is required")
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity: %w", err)
	}
	osSecret, err := randomBytes(secretSize)
	if err != nil {
		return nil, err
	}
	salt, err := randomBytes(saltSize)
	if err != nil {
		return nil, err
	}
	nonce, err := randomBytes(chacha20poly1305.NonceSize)
	if err != nil {
		return nil, err
	}

	authKey, wrapKey, err := deriveKeys(recoveryCode, salt)
	if err != nil {
		return nil, err
	}

	plain, err := json.Marshal(wrappedSecrets{
		Identity: identity.String(),
		OSSecret: b64.EncodeToString(osSecret),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal secrets: %w", err)
	}

	aead, err := chacha20poly1305.New(wrapKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	publicKey := identity.Recipient().String()
	sealed := aead.Seal(nil, nonce, plain, []byte(publicKey))

	return &State{
		Serialized: Serialized{
			Version:        StateVersion,
			PublicKey:      publicKey,
			Salt:           b64.EncodeToString(salt),
			Nonce:          b64.EncodeToString(nonce),
			BackupAuthKey:  b64.EncodeToString(authKey),
			WrappedSecrets: b64.EncodeToString(sealed),
		},
		recipient: identity.Recipient(),
		osSecret:  osSecret,
	}, nil
}

// LoadState rebuilds a state from its serialized form.
func LoadState(s Serialized) (*State, error) {
	if s.Version == 0 {
		return nil, errors.New("encryption state has no version")
	}
	if s.Version > StateVersion {
		return nil, backuperr.New(backuperr.UnsupportedBackupVersion,
			"encryption state version %d is newer than %d", s.Version, StateVersion)
	}

	recipient, err := age.ParseX25519Recipient(s.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	for name, v := range map[string]string{
		"salt": s.Salt, "nonce": s.Nonce, "backupAuthKey": s.BackupAuthKey, "wrappedSecrets": s.WrappedSecrets,
	} {
		if _, err := b64.DecodeString(v); err != nil || v == "" {
			return nil, fmt.Errorf("invalid %s in encryption state", name)
		}
	}

	return &State{Serialized: s, recipient: recipient}, nil
}

func (s *State) Serialize() Serialized {
	return s.Serialized
}

func (s *State) Recipient() age.Recipient {
	return s.recipient
}

// OSSecret returns the secret generated with the state. Loaded states do not
// carry it and return nil.
func (s *State) OSSecret() []byte {
	return s.osSecret
}

// Verify reports whether recoveryCode unlocks the state.
func (s Serialized) Verify(recoveryCode string) error {
	_, _, err := s.unwrap(recoveryCode)
	return err
}

// unwrap checks recoveryCode against the state and opens its secrets. A code
// that does not match is reported as Unauthorized.
func (s Serialized) unwrap(recoveryCode string) (*age.X25519Identity, []byte, error) {
	salt, err := b64.DecodeString(s.Salt)
	if err != nil {
		return nil, nil, backuperr.Wrap(backuperr.CorruptedArchive, err, "invalid salt")
	}
	nonce, err := b64.DecodeString(s.Nonce)
	if err != nil || len(nonce) != chacha20poly1305.NonceSize {
		return nil, nil, backuperr.New(backuperr.CorruptedArchive, "invalid nonce")
	}
	wantAuth, err := b64.DecodeString(s.BackupAuthKey)
	if err != nil {
		return nil, nil, backuperr.Wrap(backuperr.CorruptedArchive, err, "invalid auth key")
	}
	sealed, err := b64.DecodeString(s.WrappedSecrets)
	if err != nil {
		return nil, nil, backuperr.Wrap(backuperr.CorruptedArchive, err, "invalid wrapped secrets")
	}

	authKey, wrapKey, err := deriveKeys(recoveryCode, salt)
	if err != nil {
		return nil, nil, err
	}
	if !equalKeys(authKey, wantAuth) {
		return nil, nil, backuperr.New(backuperr.Unauthorized, "recovery code does not match")
	}

	aead, err := chacha20poly1305.New(wrapKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	plain, err := aead.Open(nil, nonce, sealed, []byte(s.PublicKey))
	if err != nil {
		return nil, nil, backuperr.Wrap(backuperr.CorruptedArchive, err, "failed to open wrapped secrets")
	}

	var secrets wrappedSecrets
	if err := json.Unmarshal(plain, &secrets); err != nil {
		return nil, nil, backuperr.Wrap(backuperr.CorruptedArchive, err, "malformed wrapped secrets")
	}
	identity, err := age.ParseX25519Identity(secrets.Identity)
	if err != nil {
		return nil, nil, backuperr.Wrap(backuperr.CorruptedArchive, err, "malformed identity")
	}
	if identity.Recipient().String() != s.PublicKey {
		return nil, nil, backuperr.New(backuperr.CorruptedArchive, "identity does not match public key")
	}
	osSecret, err := b64.DecodeString(secrets.OSSecret)
	if err != nil {
		return nil, nil, backuperr.Wrap(backuperr.CorruptedArchive, err, "malformed secret")
	}
	return identity, osSecret, nil
}
