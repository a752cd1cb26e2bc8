package manifest

import (
	"time"

	"github.com/goccy/go-json"
)

// SchemaVersion is the newest backup manifest schema this build can read
// and the one it writes.
const SchemaVersion = 1

// ArchiveJSONSchemaVersion is numbered independently of SchemaVersion and
// covers the JSON block embedded in archive files.
const ArchiveJSONSchemaVersion = 1

const FileName = "backup-manifest.json"

type SchemaKind int

const (
	BackupManifest SchemaKind = iota + 1
	ArchiveJSONBlock
)

func (k SchemaKind) String() string {
	switch k {
	case BackupManifest:
		return "BackupManifest"
	case ArchiveJSONBlock:
		return "ArchiveJSONBlock"
	}
	return "unknown"
}

type Meta struct {
	Date                   string `json:"date"`
	AppName                string `json:"appName"`
	AppVersion             string `json:"appVersion"`
	BuildID                string `json:"buildID"`
	ProfileName            string `json:"profileName"`
	DeviceName             string `json:"deviceName"`
	MachineName            string `json:"machineName,omitempty"`
	OSName                 string `json:"osName"`
	OSVersion              string `json:"osVersion"`
	LegacyClientID         string `json:"legacyClientID,omitempty"`
	ProfileGroupID         string `json:"profileGroupID,omitempty"`
	HealthTelemetryEnabled bool   `json:"healthTelemetryEnabled"`
	UsageTelemetryEnabled  bool   `json:"usageTelemetryEnabled"`
	AccountID              string `json:"accountID,omitempty"`
	AccountEmail           string `json:"accountEmail,omitempty"`
}

// CreatedAt parses Date, returning the zero time when it is malformed.
func (m Meta) CreatedAt() time.Time {
	t, err := time.Parse(time.RFC3339Nano, m.Date)
	if err != nil {
		return time.Time{}
	}
	return t
}

type Manifest struct {
	Version   int                        `json:"version"`
	Meta      Meta                       `json:"meta"`
	Resources map[string]json.RawMessage `json:"resources"`
}

type AppIdentity struct {
	Name    string
	Version string
	BuildID string
}

type SystemInfo struct {
	Hostname  string
	OSName    string
	OSVersion string
}

// Env is the environment a manifest describes.
type Env struct {
	App                    AppIdentity
	System                 SystemInfo
	ProfileName            string
	MachineName            string
	LegacyClientID         string
	ProfileGroupID         string
	HealthTelemetryEnabled bool
	UsageTelemetryEnabled  bool
	AccountID              string
	AccountEmail           string
	Now                    time.Time
}

type Result struct {
	Valid  bool
	Errors []string
}
