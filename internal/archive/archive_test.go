package archive

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"pbak/internal/backuperr"
	"pbak/internal/crypto"
	"pbak/internal/logging"
	"pbak/internal/manifest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCode = "a recovery code for tests"

func testMeta() manifest.Meta {
	return manifest.Build(manifest.Env{
		App:         manifest.AppIdentity{Name: "firefox", Version: "128.0", BuildID: "20240701000000"},
		System:      manifest.SystemInfo{Hostname: "laptop", OSName: "linux", OSVersion: "6.8"},
		ProfileName: "default",
		Now:         time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC),
	}).Meta
}

func writeSnapshot(t *testing.T, dir string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	path := filepath.Join(dir, "snapshot.zip")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

func buildArchive(t *testing.T, dir string, enc *crypto.ArchiveEncryptor, size, chunkSize int) (string, []byte) {
	t.Helper()
	compressed, data := writeSnapshot(t, dir, size)
	out := filepath.Join(dir, "archive.html")
	require.NoError(t, Build(context.Background(), BuildOptions{
		OutputPath:     out,
		CompressedPath: compressed,
		Encryptor:      enc,
		Meta:           testMeta(),
		ChunkSize:      chunkSize,
		DownloadLink:   "https://example.com/download",
		Logger:         logging.Discard(),
	}))
	return out, data
}

func newEncryptor(t *testing.T) *crypto.ArchiveEncryptor {
	t.Helper()
	state, err := crypto.NewState(testCode)
	require.NoError(t, err)
	enc, err := crypto.NewArchiveEncryptor(state)
	require.NoError(t, err)
	return enc
}

func TestBuildLayout(t *testing.T) {
	dir := t.TempDir()
	out, _ := buildArchive(t, dir, nil, 100, 64)

	content, err := os.ReadFile(out)
	require.NoError(t, err)
	text := string(content)

	assert.True(t, strings.HasPrefix(text, "<!DOCTYPE html>"))
	assert.Contains(t, text, `href="https://example.com/download"`)
	assert.Contains(t, text, "Not encrypted")
	assert.Contains(t, text, headerMarker+"Content-Type: multipart/mixed; boundary=")
	assert.Contains(t, text, "Content-Type: application/json; charset=utf-8")
	assert.Contains(t, text, "Content-Transfer-Encoding: base64")
	assert.True(t, strings.HasSuffix(text, "--\r\n-->\n"))
}

func TestSampleUnencrypted(t *testing.T) {
	dir := t.TempDir()
	out, _ := buildArchive(t, dir, nil, 1000, 128)

	sample, err := SampleFile(out, logging.Discard())
	require.NoError(t, err)
	assert.False(t, sample.IsEncrypted)
	assert.Positive(t, sample.StartByteOffset)
	assert.True(t, strings.HasPrefix(sample.ContentType, "multipart/mixed"))
	assert.Equal(t, manifest.ArchiveJSONSchemaVersion, sample.ArchiveJSON.Version)
	assert.Equal(t, "default", sample.ArchiveJSON.Meta.ProfileName)
	assert.Len(t, sample.ArchiveJSON.SnapshotBlake3, 64)
	assert.Nil(t, sample.ArchiveJSON.EncConfig)
}

func TestExtractRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		encrypted bool
		size      int
		chunkSize int
	}{
		{name: "plain single chunk", size: 100, chunkSize: 1024},
		{name: "plain many chunks", size: 10_000, chunkSize: 333},
		{name: "plain empty", size: 0, chunkSize: 64},
		{name: "encrypted many chunks", encrypted: true, size: 10_000, chunkSize: 512},
		{name: "encrypted exact multiple", encrypted: true, size: 2048, chunkSize: 512},
		{name: "encrypted empty", encrypted: true, size: 0, chunkSize: 64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			var enc *crypto.ArchiveEncryptor
			code := ""
			if tt.encrypted {
				enc = newEncryptor(t)
				code = testCode
			}
			out, data := buildArchive(t, dir, enc, tt.size, tt.chunkSize)

			r := NewReader(out, logging.Discard())
			sample, err := r.Sample()
			require.NoError(t, err)
			assert.Equal(t, tt.encrypted, sample.IsEncrypted)
			assert.Equal(t, Sampled, r.State())

			dest := filepath.Join(dir, "recovery.zip")
			dec, err := r.Extract(context.Background(), dest, code)
			require.NoError(t, err)
			assert.Equal(t, Extracted, r.State())
			if tt.encrypted {
				require.NotNil(t, dec)
				assert.True(t, dec.Done())
				assert.Len(t, dec.OSSecret(), 32)
			} else {
				assert.Nil(t, dec)
			}

			got, err := os.ReadFile(dest)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(data, got))
		})
	}
}

func TestExtractEncryptedNeedsCode(t *testing.T) {
	dir := t.TempDir()
	out, _ := buildArchive(t, dir, newEncryptor(t), 500, 100)
	dest := filepath.Join(dir, "recovery.zip")

	tests := []struct {
		name string
		code string
	}{
		{name: "no code", code: ""},
		{name: "wrong code", code: "not the code"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReader(out, logging.Discard())
			_, err := r.Extract(context.Background(), dest, tt.code)
			assert.Equal(t, backuperr.Unauthorized, backuperr.KindOf(err))
			assert.Equal(t, Failed, r.State())
			assert.NoFileExists(t, dest)

			_, err = r.Sample()
			assert.Error(t, err)
		})
	}
}

func TestSampleErrors(t *testing.T) {
	dir := t.TempDir()
	good, _ := buildArchive(t, dir, nil, 100, 64)
	goodText, err := os.ReadFile(good)
	require.NoError(t, err)

	tests := []struct {
		name     string
		content  func() string
		wantKind backuperr.Kind
	}{
		{
			name:     "no marker",
			content:  func() string { return "<html>just a page</html>\n" },
			wantKind: backuperr.CorruptedArchive,
		},
		{
			name: "bad json",
			content: func() string {
				return strings.Replace(string(goodText), `{"version":1`, `{"version":1,,`, 1)
			},
			wantKind: backuperr.CorruptedArchive,
		},
		{
			name: "missing version",
			content: func() string {
				return strings.Replace(string(goodText), `{"version":1,`, `{`, 1)
			},
			wantKind: backuperr.CorruptedArchive,
		},
		{
			name: "newer version",
			content: func() string {
				return strings.Replace(string(goodText), `{"version":1,`, `{"version":99,`, 1)
			},
			wantKind: backuperr.UnsupportedBackupVersion,
		},
		{
			name: "schema violation",
			content: func() string {
				return strings.Replace(string(goodText), `"appName":"firefox"`, `"appName":""`, 1)
			},
			wantKind: backuperr.CorruptedArchive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "archive.html")
			require.NoError(t, os.WriteFile(path, []byte(tt.content()), 0o644))
			_, err := SampleFile(path, logging.Discard())
			assert.Equal(t, tt.wantKind, backuperr.KindOf(err))
		})
	}

	_, err = SampleFile(filepath.Join(dir, "missing.html"), logging.Discard())
	assert.Equal(t, backuperr.Unknown, backuperr.KindOf(err))
}

func TestExtractTamperedSnapshot(t *testing.T) {
	for _, encrypted := range []bool{false, true} {
		name := "plain"
		if encrypted {
			name = "encrypted"
		}
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			var enc *crypto.ArchiveEncryptor
			code := ""
			if encrypted {
				enc = newEncryptor(t)
				code = testCode
			}
			out, _ := buildArchive(t, dir, enc, 3000, 1000)

			content, err := os.ReadFile(out)
			require.NoError(t, err)
			text := string(content)
			start := strings.Index(text, "Content-Transfer-Encoding: base64\r\n\r\n") + len("Content-Transfer-Encoding: base64\r\n\r\n")
			require.Greater(t, start, 40)
			// Swap one base64 character for another valid one.
			c := text[start+10]
			repl := byte('A')
			if c == 'A' {
				repl = 'B'
			}
			text = text[:start+10] + string(repl) + text[start+11:]
			require.NoError(t, os.WriteFile(out, []byte(text), 0o644))

			dest := filepath.Join(dir, "recovery.zip")
			_, err = ExtractFile(context.Background(), out, dest, code, logging.Discard())
			assert.Equal(t, backuperr.CorruptedArchive, backuperr.KindOf(err))
			assert.NoFileExists(t, dest)
		})
	}
}

func TestExtractTruncatedEncryptedSnapshot(t *testing.T) {
	dir := t.TempDir()
	out, _ := buildArchive(t, dir, newEncryptor(t), 3000, 1000)

	content, err := os.ReadFile(out)
	require.NoError(t, err)
	text := string(content)
	start := strings.Index(text, "Content-Transfer-Encoding: base64\r\n\r\n") + len("Content-Transfer-Encoding: base64\r\n\r\n")
	end := strings.Index(text[start:], "\r\n--") + start
	lines := strings.Split(strings.TrimRight(text[start:end], "\n"), "\n")
	require.Len(t, lines, 3)

	truncated := text[:start] + strings.Join(lines[:2], "\n") + "\n" + text[end:]
	require.NoError(t, os.WriteFile(out, []byte(truncated), 0o644))

	dest := filepath.Join(dir, "recovery.zip")
	_, err = ExtractFile(context.Background(), out, dest, testCode, logging.Discard())
	assert.Equal(t, backuperr.CorruptedArchive, backuperr.KindOf(err))
	assert.NoFileExists(t, dest)
}

func TestBuildFailureLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "archive.html")
	err := Build(context.Background(), BuildOptions{
		OutputPath:     out,
		CompressedPath: filepath.Join(dir, "missing.zip"),
		Meta:           testMeta(),
		Logger:         logging.Discard(),
	})
	assert.Equal(t, backuperr.FileSystem, backuperr.KindOf(err))
	assert.NoFileExists(t, out)

	compressed, _ := writeSnapshot(t, dir, 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = Build(ctx, BuildOptions{OutputPath: out, CompressedPath: compressed, Meta: testMeta()})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, out)
}

func TestNames(t *testing.T) {
	ts := time.Date(2024, 7, 1, 9, 5, 0, 0, time.Local)
	assert.Equal(t, "20240701-0905", DateSuffix(ts))
	assert.Equal(t, "Backup_default_20240701-0905.html", FileName("Backup", "default", ts))
	assert.Equal(t, "Backup_a-b_20240701-0905.html", FileName("Backup", "a/b", ts))
	assert.Equal(t, "Backup_default_", NamePrefix("Backup", "default"))

	assert.Equal(t, "https://nightly.example", ResolveDownloadLink("nightly", map[string]string{"nightly": "https://nightly.example"}))
	assert.Equal(t, DefaultDownloadURL, ResolveDownloadLink("release", map[string]string{"nightly": "https://nightly.example"}))
	assert.Equal(t, DefaultDownloadURL, ResolveDownloadLink("release", nil))
}
