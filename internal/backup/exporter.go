package backup

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"ledgerd/internal/storage"
	"ledgerd/internal/task/engine"
	"ledgerd/pkg/logx"
)

// ChecksumExt is the suffix of the BLAKE3 sidecar written next to each
// backup. The sidecar uses the b3sum line format: "<hex>  <file name>".
const ChecksumExt = ".b3"

// Exporter writes the records of a book modified since the previous backup.
type Exporter struct {
	store    storage.Store
	log      logx.Logger
	defaults Params
}

var _ engine.Exporter = (*Exporter)(nil)

// NewExporter returns an Exporter. def supplies the format, target and
// compression for actions whose tag leaves them empty.
func NewExporter(st storage.Store, def Params, log logx.Logger) *Exporter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Exporter{store: st, defaults: def, log: log.With(logx.String("comp", "backup"))}
}

// Export writes one backup file. It reports produced=false when no record
// changed since req.Since.
func (x *Exporter) Export(ctx context.Context, req engine.ExportRequest) (bool, error) {
	p, err := ParseParams(req.Tag)
	if err != nil {
		return false, engine.NoRetry(err)
	}
	p = p.WithDefaults(x.defaults)
	if p.Target == "" {
		return false, engine.NoRetry(ErrNoTarget)
	}

	txs, err := x.store.ListTransactionsModifiedSince(ctx, req.BookUID, req.Since)
	if err != nil {
		return false, fmt.Errorf("list records of %s: %w", req.BookUID, err)
	}
	if len(txs) == 0 {
		return false, nil
	}

	if err := os.MkdirAll(p.Target, 0o755); err != nil {
		return false, err
	}
	path, err := uniquePath(filepath.Join(p.Target, fileName(req.BookUID, req.At, p)))
	if err != nil {
		return false, err
	}
	sum, err := writeAtomic(path, func(w io.Writer) error {
		cw, err := compressWriter(p.Compression, w)
		if err != nil {
			return err
		}
		enc := newRecordEncoder(p.Format, cw)
		for _, tx := range txs {
			if err := enc.Encode(tx); err != nil {
				_ = cw.Close()
				return err
			}
		}
		return cw.Close()
	})
	if err != nil {
		return false, fmt.Errorf("write backup %s: %w", path, err)
	}
	line := hex.EncodeToString(sum) + "  " + filepath.Base(path) + "\n"
	if _, err := writeAtomic(path+ChecksumExt, func(w io.Writer) error {
		_, err := io.WriteString(w, line)
		return err
	}); err != nil {
		return false, fmt.Errorf("write checksum: %w", err)
	}

	x.log.Info("backup written",
		logx.String("book", req.BookUID),
		logx.String("path", path),
		logx.Int("records", len(txs)),
		logx.Time("since", req.Since),
	)
	return true, nil
}

// writeAtomic writes via a temp file in the same directory and renames it
// into place. It returns the BLAKE3 digest of the bytes written.
func writeAtomic(path string, write func(w io.Writer) error) ([]byte, error) {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, err
	}
	tmp := f.Name()
	defer func() {
		if tmp != "" {
			_ = os.Remove(tmp)
		}
	}()

	h := blake3.New()
	if err := write(io.MultiWriter(f, h)); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, err
	}
	tmp = ""
	return h.Sum(nil), nil
}

func uniquePath(path string) (string, error) {
	ext := ""
	base := path
	for _, suffix := range []string{CompressionGzip.Ext(), CompressionZstd.Ext()} {
		if strings.HasSuffix(base, suffix) {
			ext = suffix
			base = strings.TrimSuffix(base, suffix)
		}
	}
	ext = filepath.Ext(base) + ext
	base = strings.TrimSuffix(base, filepath.Ext(base))

	candidate := path
	for i := 1; i < 1000; i++ {
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		} else if err != nil {
			return "", err
		}
		candidate = fmt.Sprintf("%s_%d%s", base, i, ext)
	}
	return "", fmt.Errorf("backup: too many files named %s", path)
}

var ErrChecksumMismatch = errors.New("backup: checksum mismatch")

// Verify checks a backup file against its BLAKE3 sidecar.
func Verify(path string) error {
	b, err := os.ReadFile(path + ChecksumExt)
	if err != nil {
		return err
	}
	want, _, _ := strings.Cut(strings.TrimSpace(string(b)), " ")

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != want {
		return fmt.Errorf("%w: %s", ErrChecksumMismatch, filepath.Base(path))
	}
	return nil
}
