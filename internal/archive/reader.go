package archive

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"mime/multipart"
	"os"
	"pbak/internal/backuperr"
	"pbak/internal/codec"
	"pbak/internal/crypto"
	"pbak/internal/logging"
	"pbak/internal/manifest"
	"strings"

	"github.com/goccy/go-json"
)

// maxHeaderScan bounds how far into a file the MIME marker is searched for.
const maxHeaderScan = 1 << 20

type ReaderState int

const (
	Unsampled ReaderState = iota
	Sampled
	Extracting
	Extracted
	Failed
)

func (s ReaderState) String() string {
	switch s {
	case Unsampled:
		return "unsampled"
	case Sampled:
		return "sampled"
	case Extracting:
		return "extracting"
	case Extracted:
		return "extracted"
	case Failed:
		return "failed"
	}
	return "unknown"
}

type Sample struct {
	IsEncrypted     bool
	StartByteOffset int64
	ContentType     string
	ArchiveJSON     *JSONBlock
}

// ParseHeader finds the inline MIME marker and returns the offset of the
// first byte after the marker line together with the declared content type.
func ParseHeader(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	br := bufio.NewReader(io.LimitReader(f, maxHeaderScan))
	var offset int64
	for {
		line, err := br.ReadString('\n')
		offset += int64(len(line))
		if idx := strings.Index(line, headerMarker); idx >= 0 && strings.HasSuffix(line, "\n") {
			rest := strings.TrimSpace(line[idx+len(headerMarker):])
			value, ok := strings.CutPrefix(rest, "Content-Type:")
			if !ok {
				return 0, "", fmt.Errorf("archive header has no content type")
			}
			return offset, strings.TrimSpace(value), nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, "", errNoMarker
			}
			return 0, "", err
		}
	}
}

// Reader walks one archive file through sampling and extraction. Once it
// fails it stays failed.
type Reader struct {
	path   string
	logger *slog.Logger
	state  ReaderState
	sample *Sample
}

func NewReader(path string, logger *slog.Logger) *Reader {
	return &Reader{path: path, logger: logging.OrDefault(logger)}
}

func (r *Reader) State() ReaderState {
	return r.state
}

func (r *Reader) fail(err error) error {
	r.state = Failed
	return err
}

// Sample reads the archive JSON block without reading the snapshot.
func (r *Reader) Sample() (*Sample, error) {
	switch r.state {
	case Failed:
		return nil, backuperr.New(backuperr.Unknown, "archive reader already failed")
	case Unsampled:
	default:
		return r.sample, nil
	}

	if _, err := os.Stat(r.path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, r.fail(backuperr.Wrap(backuperr.Unknown, err, "archive %s does not exist", r.path))
		}
		return nil, r.fail(backuperr.Wrap(backuperr.FileSystem, err, "cannot access archive %s", r.path))
	}

	offset, contentType, err := ParseHeader(r.path)
	if err != nil {
		return nil, r.fail(backuperr.Wrap(backuperr.CorruptedArchive, err, "could not parse archive header"))
	}

	part, closer, err := r.openPart(offset, contentType, 0)
	if err != nil {
		return nil, r.fail(err)
	}
	defer closer.Close()

	data, err := io.ReadAll(part)
	if err != nil {
		return nil, r.fail(backuperr.Wrap(backuperr.CorruptedArchive, err, "failed to read archive JSON block"))
	}

	block, err := decodeBlock(data)
	if err != nil {
		return nil, r.fail(err)
	}

	r.sample = &Sample{
		IsEncrypted:     block.EncConfig != nil,
		StartByteOffset: offset,
		ContentType:     contentType,
		ArchiveJSON:     block,
	}
	r.state = Sampled
	return r.sample, nil
}

func decodeBlock(data []byte) (*JSONBlock, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, backuperr.Wrap(backuperr.CorruptedArchive, err, "archive JSON block is not valid JSON")
	}

	version, err := manifest.VersionOf(doc, manifest.ArchiveJSONSchemaVersion)
	if err != nil {
		return nil, err
	}

	res, err := manifest.Validate(doc, manifest.ArchiveJSONBlock, version)
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		return nil, backuperr.New(backuperr.CorruptedArchive,
			"archive JSON block does not conform to schema: %s", strings.Join(res.Errors, "; "))
	}

	var block JSONBlock
	if err := json.Unmarshal(data, &block); err != nil {
		return nil, backuperr.Wrap(backuperr.CorruptedArchive, err, "failed to decode archive JSON block")
	}
	return &block, nil
}

// openPart returns part n (0-based) of the multipart body and the file that
// backs it.
func (r *Reader) openPart(offset int64, contentType string, n int) (*multipart.Part, io.Closer, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "multipart/mixed" || params["boundary"] == "" {
		return nil, nil, backuperr.New(backuperr.CorruptedArchive, "unexpected archive content type %q", contentType)
	}

	f, err := os.Open(r.path)
	if err != nil {
		return nil, nil, backuperr.Wrap(backuperr.FileSystem, err, "failed to open archive")
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, nil, backuperr.Wrap(backuperr.FileSystem, err, "failed to seek archive")
	}

	mr := multipart.NewReader(f, params["boundary"])
	var part *multipart.Part
	for i := 0; i <= n; i++ {
		part, err = mr.NextPart()
		if err != nil {
			f.Close()
			if n == 0 {
				return nil, nil, backuperr.Wrap(backuperr.CorruptedArchive, err, "could not find JSON block")
			}
			return nil, nil, backuperr.Wrap(backuperr.CorruptedArchive, err, "could not find binary block")
		}
	}

	want := JSONContentType
	if n > 0 {
		want = BinaryType
	}
	got, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
	wantType, _, _ := mime.ParseMediaType(want)
	if got != wantType {
		f.Close()
		if n == 0 {
			return nil, nil, backuperr.New(backuperr.CorruptedArchive, "could not find JSON block")
		}
		return nil, nil, backuperr.New(backuperr.CorruptedArchive, "could not find binary block")
	}
	return part, f, nil
}

// Extract decodes the snapshot into destPath. Encrypted archives need the
// recovery code; the returned decryptor is nil for unencrypted ones.
func (r *Reader) Extract(ctx context.Context, destPath, recoveryCode string) (*crypto.ArchiveDecryptor, error) {
	sample, err := r.Sample()
	if err != nil {
		return nil, err
	}
	if r.state != Sampled {
		return nil, backuperr.New(backuperr.Unknown, "archive reader is %s", r.state)
	}

	var (
		dec     *crypto.ArchiveDecryptor
		chunkDx codec.ChunkDecryptor
	)
	if sample.IsEncrypted {
		if recoveryCode == "" {
			return nil, r.fail(backuperr.New(backuperr.Unauthorized, "archive is encrypted and no recovery code was given"))
		}
		dec, err = crypto.NewArchiveDecryptor(recoveryCode, *sample.ArchiveJSON.EncConfig)
		if err != nil {
			return nil, r.fail(err)
		}
		chunkDx = dec
	}

	r.state = Extracting
	if err := r.extract(ctx, sample, destPath, chunkDx); err != nil {
		_ = os.Remove(destPath)
		return nil, r.fail(err)
	}
	r.state = Extracted
	r.logger.Debug("Archive extracted", "archive", r.path, "dest", destPath)
	return dec, nil
}

func (r *Reader) extract(ctx context.Context, sample *Sample, destPath string, dec codec.ChunkDecryptor) error {
	if err := os.RemoveAll(destPath); err != nil {
		return backuperr.Wrap(backuperr.FileSystem, err, "failed to clear %s", destPath)
	}

	part, closer, err := r.openPart(sample.StartByteOffset, sample.ContentType, 1)
	if err != nil {
		return err
	}
	defer closer.Close()

	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return backuperr.Wrap(backuperr.FileSystem, err, "failed to create %s", destPath)
	}
	bw := bufio.NewWriterSize(out, 256*1024)

	decodeErr := codec.DecodeStream(ctx, part, bw, dec)
	if decodeErr == nil {
		decodeErr = bw.Flush()
	}
	if err := out.Close(); err != nil && decodeErr == nil {
		decodeErr = err
	}
	if decodeErr != nil {
		if backuperr.KindOf(decodeErr) == backuperr.Unknown && !errors.Is(decodeErr, context.Canceled) {
			return backuperr.Wrap(backuperr.CorruptedArchive, decodeErr, "failed to decode snapshot")
		}
		return decodeErr
	}

	if want := sample.ArchiveJSON.SnapshotBlake3; want != "" {
		got, err := crypto.BLAKE3File(destPath)
		if err != nil {
			return backuperr.Wrap(backuperr.FileSystem, err, "failed to hash extracted snapshot")
		}
		if got != want {
			return backuperr.New(backuperr.CorruptedArchive, "snapshot checksum mismatch")
		}
	}
	return nil
}

// SampleFile is a one-shot Sample of path.
func SampleFile(path string, logger *slog.Logger) (*Sample, error) {
	return NewReader(path, logger).Sample()
}

// ExtractFile is a one-shot Extract of path into destPath.
func ExtractFile(ctx context.Context, path, destPath, recoveryCode string, logger *slog.Logger) (*crypto.ArchiveDecryptor, error) {
	return NewReader(path, logger).Extract(ctx, destPath, recoveryCode)
}
