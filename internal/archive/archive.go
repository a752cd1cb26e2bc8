// Package archive writes and reads the single-file backup archive: an HTML
// page followed by a commented-out multipart/mixed body that carries the
// archive JSON block and the base64-encoded compressed snapshot.
package archive

import (
	"bufio"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"mime/multipart"
	"net/textproto"
	"os"
	"pbak/internal/backuperr"
	"pbak/internal/codec"
	"pbak/internal/crypto"
	"pbak/internal/logging"
	"pbak/internal/manifest"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	headerMarker    = "<!-- Begin inline MIME --- "
	JSONContentType = "application/json; charset=utf-8"
	BinaryType      = "application/octet-stream"

	// DefaultDownloadURL is used when no link is configured for the channel.
	DefaultDownloadURL = "https://www.mozilla.org/firefox/download/?utm_medium=pbak&utm_source=html-backup"
)

//go:embed templates/archive.html
var templateFS embed.FS

// DefaultTemplate renders the readable part of an archive.
var DefaultTemplate = template.Must(template.ParseFS(templateFS, "templates/archive.html"))

// JSONBlock is the first part of the multipart body.
type JSONBlock struct {
	Version        int               `json:"version"`
	Meta           manifest.Meta     `json:"meta"`
	EncConfig      *crypto.EncConfig `json:"encConfig,omitempty"`
	SnapshotBlake3 string            `json:"snapshotBlake3,omitempty"`
}

type BuildOptions struct {
	OutputPath     string
	CompressedPath string
	// Encryptor seals the snapshot when set.
	Encryptor    *crypto.ArchiveEncryptor
	Meta         manifest.Meta
	ChunkSize    int
	DownloadLink string
	Template     *template.Template
	Logger       *slog.Logger
}

type templateData struct {
	AppName      string
	CreatedAt    string
	DeviceName   string
	Encrypted    bool
	DownloadLink string
}

// Build writes a single-file archive for the compressed snapshot. A failed
// build leaves nothing at OutputPath.
func Build(ctx context.Context, opts BuildOptions) (err error) {
	log := logging.OrDefault(opts.Logger)

	if opts.ChunkSize <= 0 {
		opts.ChunkSize = codec.DefaultChunkSize
	}
	tmpl := opts.Template
	if tmpl == nil {
		tmpl = DefaultTemplate
	}

	checksum, err := crypto.BLAKE3File(opts.CompressedPath)
	if err != nil {
		return backuperr.Wrap(backuperr.FileSystem, err, "failed to hash compressed snapshot")
	}

	block := JSONBlock{
		Version:        manifest.ArchiveJSONSchemaVersion,
		Meta:           opts.Meta,
		SnapshotBlake3: checksum,
	}
	var enc codec.ChunkEncryptor
	if opts.Encryptor != nil {
		cfg := opts.Encryptor.Config()
		block.EncConfig = &cfg
		enc = opts.Encryptor
	}

	res, err := manifest.Validate(block, manifest.ArchiveJSONBlock, manifest.ArchiveJSONSchemaVersion)
	if err != nil {
		return err
	}
	if !res.Valid {
		log.Warn("Archive JSON block failed validation", "errors", res.Errors)
	}

	blockData, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("failed to marshal archive JSON block: %w", err)
	}

	src, err := os.Open(opts.CompressedPath)
	if err != nil {
		return backuperr.Wrap(backuperr.FileSystem, err, "failed to open compressed snapshot")
	}
	defer src.Close()

	out, err := os.OpenFile(opts.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return backuperr.Wrap(backuperr.FileSystem, err, "failed to create archive %s", opts.OutputPath)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = backuperr.Wrap(backuperr.FileSystem, cerr, "failed to close archive")
		}
		if err != nil {
			_ = os.Remove(opts.OutputPath)
		}
	}()

	w := bufio.NewWriterSize(out, 256*1024)

	createdAt := opts.Meta.CreatedAt()
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	if err := tmpl.Execute(w, templateData{
		AppName:      opts.Meta.AppName,
		CreatedAt:    createdAt.Local().Format("January 2, 2006 15:04"),
		DeviceName:   opts.Meta.MachineName,
		Encrypted:    opts.Encryptor != nil,
		DownloadLink: opts.DownloadLink,
	}); err != nil {
		return fmt.Errorf("failed to render archive template: %w", err)
	}

	mw := multipart.NewWriter(w)
	if _, err := fmt.Fprintf(w, "\n%sContent-Type: multipart/mixed; boundary=%q\n\n", headerMarker, mw.Boundary()); err != nil {
		return backuperr.Wrap(backuperr.FileSystem, err, "failed to write archive header")
	}

	jsonPart, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {JSONContentType}})
	if err != nil {
		return backuperr.Wrap(backuperr.FileSystem, err, "failed to write archive JSON block")
	}
	if _, err := jsonPart.Write(blockData); err != nil {
		return backuperr.Wrap(backuperr.FileSystem, err, "failed to write archive JSON block")
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	binPart, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {BinaryType},
		"Content-Transfer-Encoding": {"base64"},
	})
	if err != nil {
		return backuperr.Wrap(backuperr.FileSystem, err, "failed to write binary block")
	}
	chunks, err := codec.Encode(src, binPart, opts.ChunkSize, enc)
	if err != nil {
		return backuperr.Wrap(backuperr.FileSystem, err, "failed to write binary block")
	}

	if err := mw.Close(); err != nil {
		return backuperr.Wrap(backuperr.FileSystem, err, "failed to close multipart body")
	}
	if _, err := w.WriteString("-->\n"); err != nil {
		return backuperr.Wrap(backuperr.FileSystem, err, "failed to close archive")
	}
	if err := w.Flush(); err != nil {
		return backuperr.Wrap(backuperr.FileSystem, err, "failed to flush archive")
	}

	log.Debug("Archive written", "path", opts.OutputPath, "chunks", chunks, "encrypted", opts.Encryptor != nil)
	return nil
}

// ResolveDownloadLink picks the download link for an update channel.
func ResolveDownloadLink(channel string, links map[string]string) string {
	if link, ok := links[channel]; ok && link != "" {
		return link
	}
	return DefaultDownloadURL
}

// DateSuffix is the local-time stamp used in archive file names.
func DateSuffix(t time.Time) string {
	return t.Local().Format("20060102-1504")
}

func FileName(prefix, profileName string, t time.Time) string {
	return NamePrefix(prefix, profileName) + DateSuffix(t) + ".html"
}

// NamePrefix is the part of an archive name shared by every archive of one
// profile.
func NamePrefix(prefix, profileName string) string {
	return fmt.Sprintf("%s_%s_", prefix, sanitize(profileName))
}

func sanitize(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			return '-'
		}
		return r
	}, name)
	if name == "" {
		return "profile"
	}
	return name
}

var errNoMarker = errors.New("archive header not found")
