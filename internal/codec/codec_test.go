package codec

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"pbak/internal/backuperr"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flagCipher marks each chunk with a trailing last-flag byte and checks it on
// the way back, which is enough to observe the ordering contract.
type flagCipher struct {
	done   bool
	opened int
}

func (f *flagCipher) Seal(chunk []byte, last bool) ([]byte, error) {
	out := append([]byte{}, chunk...)
	if last {
		return append(out, 1), nil
	}
	return append(out, 0), nil
}

func (f *flagCipher) Decrypt(chunk []byte, last bool) ([]byte, error) {
	if f.done {
		return nil, errors.New("chunk after final chunk")
	}
	if len(chunk) == 0 {
		return nil, errors.New("empty chunk")
	}
	flag := chunk[len(chunk)-1]
	if (flag == 1) != last {
		return nil, errors.New("last flag mismatch")
	}
	f.done = last
	f.opened++
	return chunk[:len(chunk)-1], nil
}

func (f *flagCipher) Done() bool { return f.done }

func encode(t *testing.T, data []byte, chunkSize int, enc ChunkEncryptor) string {
	t.Helper()
	var buf bytes.Buffer
	_, err := Encode(bytes.NewReader(data), &buf, chunkSize, enc)
	require.NoError(t, err)
	return buf.String()
}

func splitRandomly(s string, n int, rng *rand.Rand) []string {
	if n <= 1 || len(s) < 2 {
		return []string{s}
	}
	cuts := map[int]bool{}
	for len(cuts) < n-1 && len(cuts) < len(s)-1 {
		cuts[1+rng.Intn(len(s)-1)] = true
	}
	var parts []string
	prev := 0
	for i := 1; i < len(s); i++ {
		if cuts[i] {
			parts = append(parts, s[prev:i])
			prev = i
		}
	}
	return append(parts, s[prev:])
}

func TestEncodeChunking(t *testing.T) {
	tests := []struct {
		name      string
		size      int
		chunkSize int
		wantLines int
	}{
		{name: "empty input", size: 0, chunkSize: 4, wantLines: 1},
		{name: "smaller than chunk", size: 3, chunkSize: 4, wantLines: 1},
		{name: "exact multiple", size: 8, chunkSize: 4, wantLines: 2},
		{name: "remainder", size: 9, chunkSize: 4, wantLines: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := bytes.Repeat([]byte{'x'}, tt.size)
			var buf bytes.Buffer
			n, err := Encode(bytes.NewReader(data), &buf, tt.chunkSize, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.wantLines, n)
			assert.Equal(t, tt.wantLines, strings.Count(buf.String(), "\n"))
			assert.True(t, strings.HasSuffix(buf.String(), "\n"))
		})
	}
}

func TestEncodeRejectsBadChunkSize(t *testing.T) {
	_, err := Encode(strings.NewReader("abc"), &bytes.Buffer{}, 0, nil)
	assert.ErrorContains(t, err, "chunk size must be positive")
}

func TestChunkBoundaryInvariance(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	data := make([]byte, 1000)
	rng.Read(data)

	for _, withCipher := range []bool{false, true} {
		for _, chunkSize := range []int{1, 7, 64, 999, 1000, 4096} {
			var enc ChunkEncryptor
			if withCipher {
				enc = &flagCipher{}
			}
			text := encode(t, data, chunkSize, enc)

			for _, n := range []int{1, 2, 3, 17, 256, len(text)} {
				var out bytes.Buffer
				var dec ChunkDecryptor
				if withCipher {
					dec = &flagCipher{}
				}
				d := NewDecoder(&out, dec)
				for _, part := range splitRandomly(text, n, rng) {
					_, err := d.WriteString(part)
					require.NoError(t, err)
				}
				require.NoError(t, d.Close())
				assert.Equal(t, data, out.Bytes(), "cipher=%v chunkSize=%d parts=%d", withCipher, chunkSize, n)
			}
		}
	}
}

func TestDecoderSplitsExactlyAtNewline(t *testing.T) {
	text := encode(t, []byte("hello world, this is a test"), 5, &flagCipher{})
	lines := strings.SplitAfter(text, "\n")

	var out bytes.Buffer
	dec := &flagCipher{}
	d := NewDecoder(&out, dec)
	for _, line := range lines {
		_, err := d.WriteString(line)
		require.NoError(t, err)
	}
	require.NoError(t, d.Close())
	assert.Equal(t, "hello world, this is a test", out.String())
	assert.Equal(t, strings.Count(text, "\n"), dec.opened)
}

func TestDecoderIgnoresExtraNewlines(t *testing.T) {
	text := encode(t, []byte("abcdef"), 2, nil)
	text = "\n\n" + strings.ReplaceAll(text, "\n", "\n\n") + "\r\n"

	var out bytes.Buffer
	require.NoError(t, DecodeStream(context.Background(), strings.NewReader(text), &out, nil))
	assert.Equal(t, "abcdef", out.String())
}

func TestDecoderMalformedBase64(t *testing.T) {
	var out bytes.Buffer
	d := NewDecoder(&out, nil)
	_, err := d.WriteString("Zm9v\n!!!notbase64\nYmFy\n")
	require.Error(t, err)
	assert.Equal(t, backuperr.CorruptedArchive, backuperr.KindOf(err))

	_, err = d.WriteString("more")
	assert.Error(t, err)
	assert.Error(t, d.Close())
}

func TestDecoderDetectsTruncatedEncryptedStream(t *testing.T) {
	text := encode(t, []byte("0123456789"), 3, &flagCipher{})
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	truncated := strings.Join(lines[:len(lines)-1], "\n") + "\n"

	var out bytes.Buffer
	err := DecodeStream(context.Background(), strings.NewReader(truncated), &out, &flagCipher{})
	require.Error(t, err)
	assert.Equal(t, backuperr.CorruptedArchive, backuperr.KindOf(err))
}

func TestDecoderEmptyEncryptedStreamIsCorrupt(t *testing.T) {
	err := DecodeStream(context.Background(), strings.NewReader(""), &bytes.Buffer{}, &flagCipher{})
	assert.Equal(t, backuperr.CorruptedArchive, backuperr.KindOf(err))
}

func TestDecodeStreamPlainRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("profile-data;"), 10000)
	text := encode(t, data, 4096, nil)

	var out bytes.Buffer
	require.NoError(t, DecodeStream(context.Background(), strings.NewReader(text), &out, nil))
	assert.Equal(t, data, out.Bytes())
}
