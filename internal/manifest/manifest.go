package manifest

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"pbak/internal/backuperr"
	"runtime"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

var osReleasePath = "/etc/os-release"

func GetSystemInfo() SystemInfo {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	info := SystemInfo{
		Hostname:  hostname,
		OSName:    runtime.GOOS,
		OSVersion: "unknown",
	}

	f, err := os.Open(osReleasePath)
	if err != nil {
		return info
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"`)
		switch key {
		case "VERSION_ID":
			info.OSVersion = value
		case "ID":
			if value != "" {
				info.OSName = runtime.GOOS + "/" + value
			}
		}
	}
	return info
}

func Build(env Env) *Manifest {
	now := env.Now
	if now.IsZero() {
		now = time.Now()
	}
	deviceName := env.System.Hostname
	machineName := env.MachineName
	if machineName == "" {
		machineName = deviceName
	}

	return &Manifest{
		Version: SchemaVersion,
		Meta: Meta{
			Date:                   now.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
			AppName:                env.App.Name,
			AppVersion:             env.App.Version,
			BuildID:                env.App.BuildID,
			ProfileName:            env.ProfileName,
			DeviceName:             deviceName,
			MachineName:            machineName,
			OSName:                 env.System.OSName,
			OSVersion:              env.System.OSVersion,
			LegacyClientID:         env.LegacyClientID,
			ProfileGroupID:         env.ProfileGroupID,
			HealthTelemetryEnabled: env.HealthTelemetryEnabled,
			UsageTelemetryEnabled:  env.UsageTelemetryEnabled,
			AccountID:              env.AccountID,
			AccountEmail:           env.AccountEmail,
		},
		Resources: map[string]json.RawMessage{},
	}
}

func Write(filename string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return os.WriteFile(filename, data, 0o644)
}

func Read(filename string) (*Manifest, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", filename, err)
	}
	return &m, nil
}

// ReadAndValidate loads the manifest from a decompressed snapshot folder and
// refuses anything this build cannot restore. It must run before the
// destination profile is touched.
func ReadAndValidate(dir string, app AppIdentity) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, backuperr.Wrap(backuperr.CorruptedArchive, err, "failed to read backup manifest")
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, backuperr.Wrap(backuperr.CorruptedArchive, err, "failed to parse backup manifest")
	}

	version, err := VersionOf(doc, SchemaVersion)
	if err != nil {
		return nil, err
	}

	res, err := Validate(doc, BackupManifest, version)
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		return nil, backuperr.New(backuperr.CorruptedArchive,
			"backup manifest does not conform to schema version %d: %s", version, strings.Join(res.Errors, "; "))
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, backuperr.Wrap(backuperr.CorruptedArchive, err, "failed to decode backup manifest")
	}

	if m.Meta.AppName != app.Name {
		return nil, backuperr.New(backuperr.UnsupportedApplication,
			"cannot recover a backup from %s in %s", m.Meta.AppName, app.Name)
	}
	if CompareVersions(app.Version, m.Meta.AppVersion) < 0 {
		return nil, backuperr.New(backuperr.UnsupportedBackupVersion,
			"cannot recover a backup created on version %s in %s", m.Meta.AppVersion, app.Version)
	}

	return &m, nil
}

// VersionOf extracts the schema version from a decoded JSON document and
// checks it against max, the newest version the caller supports.
func VersionOf(doc map[string]any, max int) (int, error) {
	var version int
	switch v := doc["version"].(type) {
	case nil:
		return 0, backuperr.New(backuperr.CorruptedArchive, "missing version")
	case float64:
		if v != math.Trunc(v) {
			return 0, backuperr.New(backuperr.CorruptedArchive, "malformed version %v", v)
		}
		version = int(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, backuperr.Wrap(backuperr.CorruptedArchive, err, "malformed version")
		}
		version = int(n)
	default:
		return 0, backuperr.New(backuperr.CorruptedArchive, "malformed version %v", v)
	}

	if version < 1 {
		return 0, backuperr.New(backuperr.CorruptedArchive, "missing version")
	}
	if version > max {
		return version, backuperr.New(backuperr.UnsupportedBackupVersion,
			"version %d is newer than supported version %d", version, max)
	}
	return version, nil
}
