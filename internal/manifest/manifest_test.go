package manifest

import (
	"os"
	"path/filepath"
	"pbak/internal/backuperr"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testApp = AppIdentity{Name: "firefox", Version: "128.0", BuildID: "20240701000000"}

func testEnv() Env {
	return Env{
		App:         testApp,
		System:      SystemInfo{Hostname: "laptop", OSName: "linux", OSVersion: "6.8"},
		ProfileName: "default-release",
		Now:         time.Date(2024, 7, 1, 12, 30, 45, 123000000, time.UTC),
	}
}

func writeRaw(t *testing.T, dir string, doc any) {
	t.Helper()
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), data, 0o644))
}

func TestBuild(t *testing.T) {
	m := Build(testEnv())

	assert.Equal(t, SchemaVersion, m.Version)
	assert.Equal(t, "2024-07-01T12:30:45.123Z", m.Meta.Date)
	assert.Equal(t, "firefox", m.Meta.AppName)
	assert.Equal(t, "laptop", m.Meta.DeviceName)
	assert.Equal(t, "laptop", m.Meta.MachineName)
	assert.Equal(t, "default-release", m.Meta.ProfileName)
	assert.NotNil(t, m.Resources)
	assert.Empty(t, m.Resources)
	assert.Equal(t, testEnv().Now, m.Meta.CreatedAt())
}

func TestBuiltManifestIsValid(t *testing.T) {
	m := Build(testEnv())
	m.Resources["prefs"] = json.RawMessage(`{"size":12}`)
	m.Resources["cookies"] = json.RawMessage(`null`)

	res, err := Validate(m, BackupManifest, SchemaVersion)
	require.NoError(t, err)
	assert.True(t, res.Valid, res.Errors)
}

func TestValidateReportsErrors(t *testing.T) {
	m := Build(testEnv())
	m.Meta.AppName = ""
	m.Resources["Bad Key"] = json.RawMessage(`{}`)

	res, err := Validate(m, BackupManifest, SchemaVersion)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.NotEmpty(t, res.Errors)
}

func TestSchemaFor(t *testing.T) {
	_, err := SchemaFor(BackupManifest, SchemaVersion)
	require.NoError(t, err)
	_, err = SchemaFor(ArchiveJSONBlock, SchemaVersion)
	require.NoError(t, err)

	_, err = SchemaFor(BackupManifest, SchemaVersion+1)
	assert.Equal(t, backuperr.UnsupportedBackupVersion, backuperr.KindOf(err))

	_, err = SchemaFor(SchemaKind(99), SchemaVersion)
	assert.Equal(t, backuperr.Unknown, backuperr.KindOf(err))
}

func TestWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	m := Build(testEnv())
	m.Resources["bookmarks"] = json.RawMessage(`{"count":3}`)

	require.NoError(t, Write(path, m))
	got, err := Read(path)
	require.NoError(t, err)

	assert.Equal(t, m.Version, got.Version)
	assert.Equal(t, m.Meta, got.Meta)
	assert.JSONEq(t, `{"count":3}`, string(got.Resources["bookmarks"]))
}

func TestReadAndValidate(t *testing.T) {
	valid := func() map[string]any {
		m := Build(testEnv())
		data, _ := json.Marshal(m)
		var doc map[string]any
		_ = json.Unmarshal(data, &doc)
		return doc
	}

	tests := []struct {
		name     string
		mutate   func(doc map[string]any)
		app      AppIdentity
		wantKind backuperr.Kind
	}{
		{
			name:     "valid",
			mutate:   func(map[string]any) {},
			app:      testApp,
			wantKind: backuperr.None,
		},
		{
			name:     "newer app can restore older backup",
			mutate:   func(map[string]any) {},
			app:      AppIdentity{Name: "firefox", Version: "130.0.1"},
			wantKind: backuperr.None,
		},
		{
			name:     "missing version",
			mutate:   func(doc map[string]any) { delete(doc, "version") },
			app:      testApp,
			wantKind: backuperr.CorruptedArchive,
		},
		{
			name:     "newer schema version",
			mutate:   func(doc map[string]any) { doc["version"] = SchemaVersion + 1 },
			app:      testApp,
			wantKind: backuperr.UnsupportedBackupVersion,
		},
		{
			name:     "schema violation",
			mutate:   func(doc map[string]any) { delete(doc, "resources") },
			app:      testApp,
			wantKind: backuperr.CorruptedArchive,
		},
		{
			name:     "other application",
			mutate:   func(map[string]any) {},
			app:      AppIdentity{Name: "thunderbird", Version: "128.0"},
			wantKind: backuperr.UnsupportedApplication,
		},
		{
			name:     "backup from newer app version",
			mutate:   func(map[string]any) {},
			app:      AppIdentity{Name: "firefox", Version: "127.0"},
			wantKind: backuperr.UnsupportedBackupVersion,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			doc := valid()
			tt.mutate(doc)
			writeRaw(t, dir, doc)

			m, err := ReadAndValidate(dir, tt.app)
			if tt.wantKind == backuperr.None {
				require.NoError(t, err)
				assert.Equal(t, "default-release", m.Meta.ProfileName)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, backuperr.KindOf(err))
			assert.Nil(t, m)
		})
	}
}

func TestReadAndValidateUnreadable(t *testing.T) {
	dir := t.TempDir()
	_, err := ReadAndValidate(dir, testApp)
	assert.Equal(t, backuperr.CorruptedArchive, backuperr.KindOf(err))

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("{not json"), 0o644))
	_, err = ReadAndValidate(dir, testApp)
	assert.Equal(t, backuperr.CorruptedArchive, backuperr.KindOf(err))
}

func TestVersionOf(t *testing.T) {
	tests := []struct {
		name     string
		doc      map[string]any
		max      int
		want     int
		wantKind backuperr.Kind
	}{
		{name: "current", doc: map[string]any{"version": float64(1)}, max: 1, want: 1},
		{name: "older", doc: map[string]any{"version": float64(1)}, max: 3, want: 1},
		{name: "newer", doc: map[string]any{"version": float64(2)}, max: 1, want: 2, wantKind: backuperr.UnsupportedBackupVersion},
		{name: "missing", doc: map[string]any{}, max: 1, wantKind: backuperr.CorruptedArchive},
		{name: "zero", doc: map[string]any{"version": float64(0)}, max: 1, wantKind: backuperr.CorruptedArchive},
		{name: "fraction", doc: map[string]any{"version": 1.5}, max: 1, wantKind: backuperr.CorruptedArchive},
		{name: "string", doc: map[string]any{"version": "1"}, max: 1, wantKind: backuperr.CorruptedArchive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := VersionOf(tt.doc, tt.max)
			if tt.wantKind == backuperr.None {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
				return
			}
			assert.Equal(t, tt.wantKind, backuperr.KindOf(err))
		})
	}
}

func TestValidResourceKey(t *testing.T) {
	for _, key := range []string{"prefs", "storage", "logins.json", "a_b-c", "0day"} {
		assert.True(t, ValidResourceKey(key), key)
	}
	for _, key := range []string{"", "Bookmarks", "../x", "a/b", ".", "..", "-x", "_x", "has space"} {
		assert.False(t, ValidResourceKey(key), key)
	}
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"128.0", "128.0", 0},
		{"128.0", "128", 0},
		{"128.0.1", "128.0", 1},
		{"127.9", "128.0", -1},
		{"129.0a1", "129.0", -1},
		{"129.0b2", "129.0a1", 1},
		{"10.0", "9.0", 1},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_vs_"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.want, CompareVersions(tt.a, tt.b))
		})
	}
}

func TestGetSystemInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "os-release")
	require.NoError(t, os.WriteFile(path, []byte("NAME=\"Debian\"\nID=debian\nVERSION_ID=\"12\"\n"), 0o644))

	orig := osReleasePath
	osReleasePath = path
	t.Cleanup(func() { osReleasePath = orig })

	info := GetSystemInfo()
	assert.NotEmpty(t, info.Hostname)
	assert.Equal(t, "12", info.OSVersion)
	assert.Contains(t, info.OSName, "debian")
}
