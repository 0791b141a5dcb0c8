package backup

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"ledgerd/internal/storage"
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	cborEnc, err = opts.EncMode()
	if err != nil {
		panic("backup: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("backup: CBOR decoder initialization failed: " + err.Error())
	}
}

// recordEncoder writes one record at a time.
type recordEncoder interface {
	Encode(v any) error
}

func newRecordEncoder(f Format, w io.Writer) recordEncoder {
	if f == FormatCBOR {
		return cborEnc.NewEncoder(w)
	}
	return json.NewEncoder(w)
}

// compressWriter wraps w. Close flushes the compressor but not w.
func compressWriter(c Compression, w io.Writer) (io.WriteCloser, error) {
	switch c {
	case CompressionGzip:
		return gzip.NewWriterLevel(w, gzip.DefaultCompression)
	case CompressionZstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	case CompressionNone, "":
		return nopCloser{w}, nil
	default:
		return nil, fmt.Errorf("unsupported compression: %q", c)
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// ReadFile decodes a backup written by Exporter. Format and compression are
// taken from the file name.
func ReadFile(path string) ([]storage.Transaction, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	name := path
	var r io.Reader = bufio.NewReader(f)
	switch {
	case strings.HasSuffix(name, CompressionGzip.Ext()):
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer zr.Close()
		r = zr
		name = strings.TrimSuffix(name, CompressionGzip.Ext())
	case strings.HasSuffix(name, CompressionZstd.Ext()):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer zr.Close()
		r = zr
		name = strings.TrimSuffix(name, CompressionZstd.Ext())
	}

	var out []storage.Transaction
	switch {
	case strings.HasSuffix(name, "."+string(FormatCBOR)):
		dec := cborDec.NewDecoder(r)
		for {
			var tx storage.Transaction
			if err := dec.Decode(&tx); err != nil {
				if errors.Is(err, io.EOF) {
					return out, nil
				}
				return nil, fmt.Errorf("cbor: %w", err)
			}
			out = append(out, tx)
		}
	case strings.HasSuffix(name, "."+string(FormatJSON)):
		dec := json.NewDecoder(r)
		for {
			var tx storage.Transaction
			if err := dec.Decode(&tx); err != nil {
				if errors.Is(err, io.EOF) {
					return out, nil
				}
				return nil, fmt.Errorf("json: %w", err)
			}
			out = append(out, tx)
		}
	default:
		return nil, fmt.Errorf("unrecognized backup file name: %s", path)
	}
}

// fileName returns "<book>_<yyyymmdd_hhmmss>.<fmt>[.gz|.zst]".
func fileName(book string, at time.Time, p Params) string {
	safe := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ';', ' ':
			return '_'
		}
		return r
	}, book)
	if safe == "" {
		safe = "book"
	}
	return safe + "_" + at.Format("20060102_150405") + "." + string(p.Format) + p.Compression.Ext()
}
