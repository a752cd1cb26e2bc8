// Package codec converts between raw snapshot bytes and the newline-delimited
// base64 text stored in the binary block of a single-file archive.
package codec

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"pbak/internal/backuperr"
)

// DefaultChunkSize is the maximum number of raw bytes carried by one line.
const DefaultChunkSize = 32 * 1024 * 1024

const readSize = 64 * 1024

// ChunkDecryptor opens chunks in stream order. last is true only for the
// final chunk, which is where truncation is detected.
type ChunkDecryptor interface {
	Decrypt(chunk []byte, last bool) ([]byte, error)
	Done() bool
}

type ChunkEncryptor interface {
	Seal(chunk []byte, last bool) ([]byte, error)
}

var errClosed = errors.New("decoder is closed")

// Decoder accepts base64 text in arbitrary pieces and writes decoded (and
// optionally decrypted) bytes to out. Segment boundaries are newlines; the
// most recent complete segment is held back until more input or Close shows
// whether it is the last one.
type Decoder struct {
	out     io.Writer
	dec     ChunkDecryptor
	partial []byte
	pending []byte
	chunks  int
	err     error
	closed  bool
}

func NewDecoder(out io.Writer, dec ChunkDecryptor) *Decoder {
	return &Decoder{out: out, dec: dec}
}

func (d *Decoder) Write(p []byte) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	if d.closed {
		return 0, errClosed
	}

	d.partial = append(d.partial, p...)
	idx := bytes.LastIndexByte(d.partial, '\n')
	if idx < 0 {
		return len(p), nil
	}

	complete := d.partial[:idx]
	for _, seg := range bytes.Split(complete, []byte{'\n'}) {
		seg = bytes.TrimSpace(seg)
		if len(seg) == 0 {
			continue
		}
		if err := d.push(seg); err != nil {
			return 0, err
		}
	}

	rest := d.partial[idx+1:]
	d.partial = append(make([]byte, 0, len(rest)), rest...)
	return len(p), nil
}

func (d *Decoder) WriteString(s string) (int, error) {
	return d.Write([]byte(s))
}

// push queues seg and processes the previously queued segment, which is now
// known not to be the last.
func (d *Decoder) push(seg []byte) error {
	if d.pending != nil {
		if err := d.process(d.pending, false); err != nil {
			return err
		}
	}
	d.pending = append(make([]byte, 0, len(seg)), seg...)
	return nil
}

// Close treats any buffered text as the final segment and processes it with
// the last flag set.
func (d *Decoder) Close() error {
	if d.err != nil {
		return d.err
	}
	if d.closed {
		return nil
	}
	d.closed = true

	if tail := bytes.TrimSpace(d.partial); len(tail) > 0 {
		if err := d.push(tail); err != nil {
			return err
		}
	}
	d.partial = nil

	if d.pending != nil {
		if err := d.process(d.pending, true); err != nil {
			return err
		}
		d.pending = nil
	}

	if d.dec != nil && !d.dec.Done() {
		d.err = backuperr.New(backuperr.CorruptedArchive, "stream ended before the final encrypted chunk")
		return d.err
	}
	return nil
}

func (d *Decoder) process(seg []byte, last bool) error {
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(seg)))
	n, err := base64.StdEncoding.Decode(raw, seg)
	if err != nil {
		d.err = backuperr.Wrap(backuperr.CorruptedArchive, err, "failed to decode chunk %d", d.chunks)
		return d.err
	}
	raw = raw[:n]

	if d.dec != nil {
		raw, err = d.dec.Decrypt(raw, last)
		if err != nil {
			d.err = backuperr.Wrap(backuperr.CorruptedArchive, err, "failed to decrypt chunk %d", d.chunks)
			return d.err
		}
	}

	if _, err := d.out.Write(raw); err != nil {
		d.err = fmt.Errorf("failed to write decoded chunk %d: %w", d.chunks, err)
		return d.err
	}
	d.chunks++
	return nil
}

// DecodeStream pumps base64 text from r through a Decoder into w. ctx is
// checked between reads.
func DecodeStream(ctx context.Context, r io.Reader, w io.Writer, dec ChunkDecryptor) error {
	d := NewDecoder(w, dec)
	buf := make([]byte, readSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := d.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read encoded stream: %w", err)
		}
	}
	return d.Close()
}

// Encode reads src in pieces of at most chunkSize bytes, seals each piece
// when enc is set, and writes one base64 line per piece. At least one chunk
// is always written so encrypted streams carry a final chunk.
func Encode(src io.Reader, dst io.Writer, chunkSize int, enc ChunkEncryptor) (int, error) {
	if chunkSize <= 0 {
		return 0, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}

	br := bufio.NewReaderSize(src, readSize)
	buf := make([]byte, chunkSize)
	var line []byte
	chunks := 0

	for {
		n, err := io.ReadFull(br, buf)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return chunks, fmt.Errorf("failed to read snapshot: %w", err)
		}
		last := err != nil
		if !last {
			if _, perr := br.Peek(1); perr == io.EOF {
				last = true
			} else if perr != nil {
				return chunks, fmt.Errorf("failed to read snapshot: %w", perr)
			}
		}

		chunk := buf[:n]
		if enc != nil {
			sealed, serr := enc.Seal(chunk, last)
			if serr != nil {
				return chunks, fmt.Errorf("failed to encrypt chunk %d: %w", chunks, serr)
			}
			chunk = sealed
		}

		line = base64.StdEncoding.AppendEncode(line[:0], chunk)
		line = append(line, '\n')
		if _, err := dst.Write(line); err != nil {
			return chunks, fmt.Errorf("failed to write chunk %d: %w", chunks, err)
		}
		chunks++

		if last {
			return chunks, nil
		}
	}
}
