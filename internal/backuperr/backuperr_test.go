package backuperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: None},
		{name: "foreign error", err: errors.New("boom"), want: Unknown},
		{name: "direct", err: New(CorruptedArchive, "bad"), want: CorruptedArchive},
		{
			name: "wrapped by fmt",
			err:  fmt.Errorf("failed to extract: %w", New(Unauthorized, "no code")),
			want: Unauthorized,
		},
		{
			name: "outermost kind wins",
			err:  Wrap(FileSystem, New(CorruptedArchive, "inner"), "outer"),
			want: FileSystem,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("restore: %w", New(UnsupportedBackupVersion, "version %d", 2))

	assert.True(t, errors.Is(err, New(UnsupportedBackupVersion, "")))
	assert.False(t, errors.Is(err, New(CorruptedArchive, "")))
}

func TestKindStringRoundTrip(t *testing.T) {
	for k := None; k <= Unknown; k++ {
		assert.Equal(t, k, ParseKind(k.String()))
	}
	assert.Equal(t, Unknown, ParseKind("NOT_A_KIND"))
	assert.Equal(t, "Kind(99)", Kind(99).String())
}

func TestErrorMessage(t *testing.T) {
	err := Wrap(FileSystem, errors.New("permission denied"), "failed to remove %s", "/x")
	assert.Equal(t, "FILE_SYSTEM_ERROR: failed to remove /x: permission denied", err.Error())
	assert.Equal(t, "INVALID_PASSWORD: too short", New(InvalidPassword, "too short").Error())
}
