package backuperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	None Kind = iota
	Uninitialized
	FileSystem
	CorruptedArchive
	UnsupportedBackupVersion
	UnsupportedApplication
	EncryptionAlreadyEnabled
	EncryptionAlreadyDisabled
	InvalidPassword
	Unauthorized
	Unknown
)

var kindNames = map[Kind]string{
	None:                      "NONE",
	Uninitialized:             "UNINITIALIZED",
	FileSystem:                "FILE_SYSTEM_ERROR",
	CorruptedArchive:          "CORRUPTED_ARCHIVE",
	UnsupportedBackupVersion:  "UNSUPPORTED_BACKUP_VERSION",
	UnsupportedApplication:    "UNSUPPORTED_APPLICATION",
	EncryptionAlreadyEnabled:  "ENCRYPTION_ALREADY_ENABLED",
	EncryptionAlreadyDisabled: "ENCRYPTION_ALREADY_DISABLED",
	InvalidPassword:           "INVALID_PASSWORD",
	Unauthorized:              "UNAUTHORIZED",
	Unknown:                   "UNKNOWN",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func ParseKind(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return Unknown
}

// Error is a failure tagged with the Kind reported to callers and persisted
// as the last error code.
type Error struct {
	Kind Kind
	Msg  string
	Err  error

	// Unremovable lists paths left behind by a staging cleanup that gave up.
	Unremovable []string
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Kind, so errors.Is(err, backuperr.New(k, ""))
// works as a kind check.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, Unknown for
// foreign errors and None for nil.
func KindOf(err error) Kind {
	if err == nil {
		return None
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
