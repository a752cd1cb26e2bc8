// Package list discovers archives in a destination folder.
package list

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"pbak/internal/archive"
	"pbak/internal/logging"
	"regexp"
	"sort"
	"time"

	"github.com/goccy/go-json"
)

var dateSuffix = regexp.MustCompile(`_(\d{8}-\d{4})\.html$`)

type Info struct {
	Path        string `json:"path"`
	Name        string `json:"name"`
	Datetime    int64  `json:"datetime,omitempty"`
	DatetimeStr string `json:"datetime_str,omitempty"`
	SizeBytes   int64  `json:"size_bytes"`

	// Filled in when the archive was sampled.
	Valid       *bool  `json:"valid,omitempty"`
	Encrypted   bool   `json:"encrypted,omitempty"`
	DeviceName  string `json:"device_name,omitempty"`
	AppVersion  string `json:"app_version,omitempty"`
	SampleError string `json:"sample_error,omitempty"`

	stamp time.Time
}

type Output struct {
	Destination string `json:"destination"`
	Prefix      string `json:"prefix"`
	Backups     []Info `json:"backups"`
	Summary     struct {
		TotalBackups   int   `json:"total_backups"`
		ValidBackups   int   `json:"valid_backups"`
		TotalSizeBytes int64 `json:"total_size_bytes"`
	} `json:"summary"`
}

type Options struct {
	// Validate samples each candidate and drops the ones that cannot be read.
	Validate bool
	Logger   *slog.Logger
}

// Result is the outcome of FindBackups.
type Result struct {
	Selected string
	Multiple bool
	Backups  []Info
}

// Scan returns every file in dir named like an archive for prefix, newest
// first. Files without a parsable date sort last, by name. A missing dir
// yields no backups.
func Scan(dir, prefix string, opts Options) ([]Info, error) {
	log := logging.OrDefault(opts.Logger)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	pattern, err := regexp.Compile("^" + regexp.QuoteMeta(prefix) + `_.*\.html$`)
	if err != nil {
		return nil, err
	}

	var infos []Info
	for _, e := range entries {
		if e.IsDir() || !pattern.MatchString(e.Name()) {
			continue
		}
		info := Info{Path: filepath.Join(dir, e.Name()), Name: e.Name()}
		if fi, err := e.Info(); err == nil {
			info.SizeBytes = fi.Size()
		}
		if m := dateSuffix.FindStringSubmatch(e.Name()); m != nil {
			if ts, err := time.ParseInLocation("20060102-1504", m[1], time.Local); err == nil {
				info.stamp = ts
				info.Datetime = ts.Unix()
				info.DatetimeStr = ts.Format("2006-01-02 15:04")
			}
		}

		if opts.Validate {
			valid := true
			sample, err := archive.SampleFile(info.Path, log)
			if err != nil {
				valid = false
				info.SampleError = err.Error()
				log.Debug("Skipping unreadable archive", "path", info.Path, "error", err)
			} else {
				info.Encrypted = sample.IsEncrypted
				info.DeviceName = sample.ArchiveJSON.Meta.DeviceName
				info.AppVersion = sample.ArchiveJSON.Meta.AppVersion
			}
			info.Valid = &valid
		}
		infos = append(infos, info)
	}

	sort.SliceStable(infos, func(i, j int) bool {
		a, b := infos[i].stamp, infos[j].stamp
		switch {
		case a.IsZero() && b.IsZero():
			return infos[i].Name < infos[j].Name
		case a.IsZero():
			return false
		case b.IsZero():
			return true
		case !a.Equal(b):
			return a.After(b)
		}
		return infos[i].Name > infos[j].Name
	})
	return infos, nil
}

// FindBackups selects the newest usable archive in dir.
func FindBackups(dir, prefix string, opts Options) (*Result, error) {
	infos, err := Scan(dir, prefix, opts)
	if err != nil {
		return nil, err
	}

	res := &Result{Backups: infos}
	usable := 0
	for _, info := range infos {
		if info.Valid != nil && !*info.Valid {
			continue
		}
		usable++
		if res.Selected == "" {
			res.Selected = info.Path
		}
	}
	res.Multiple = usable > 1
	return res, nil
}

func NewOutput(dir, prefix string, infos []Info) Output {
	out := Output{Destination: dir, Prefix: prefix, Backups: infos}
	if out.Backups == nil {
		out.Backups = []Info{}
	}
	out.Summary.TotalBackups = len(out.Backups)
	for _, b := range out.Backups {
		if b.Valid == nil || *b.Valid {
			out.Summary.ValidBackups++
		}
		out.Summary.TotalSizeBytes += b.SizeBytes
	}
	return out
}

func Print(w io.Writer, out Output) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(out); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}
