// Package backup writes book exports for BACKUP scheduled actions.
//
// The export configuration travels in the action's tag as
// "format;target[;compression]", for example "json;/var/backups/ledgerd;gzip".
package backup

import (
	"errors"
	"fmt"
	"strings"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatCBOR Format = "cbor"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatCBOR:
		return f, nil
	case "jsonl", "ndjson":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown backup format: %q", s)
	}
}

type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

func ParseCompression(s string) (Compression, error) {
	switch c := Compression(strings.ToLower(strings.TrimSpace(s))); c {
	case CompressionNone, CompressionGzip, CompressionZstd:
		return c, nil
	case "gz":
		return CompressionGzip, nil
	case "zst":
		return CompressionZstd, nil
	default:
		return "", fmt.Errorf("unknown backup compression: %q", s)
	}
}

// Ext is the file suffix added by the compression, including the dot.
func (c Compression) Ext() string {
	switch c {
	case CompressionGzip:
		return ".gz"
	case CompressionZstd:
		return ".zst"
	}
	return ""
}

var ErrNoTarget = errors.New("backup: no target directory")

// Params is the parsed export configuration of one BACKUP action.
type Params struct {
	Format      Format
	Target      string
	Compression Compression
}

// ParseParams parses a tag. Empty fields are left zero so they can be filled
// from configured defaults with WithDefaults.
func ParseParams(tag string) (Params, error) {
	var p Params
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return p, nil
	}
	parts := strings.Split(tag, ";")
	if len(parts) > 3 {
		return p, fmt.Errorf("backup tag %q: expected format;target[;compression]", tag)
	}
	var err error
	if s := strings.TrimSpace(parts[0]); s != "" {
		if p.Format, err = ParseFormat(s); err != nil {
			return Params{}, err
		}
	}
	if len(parts) > 1 {
		p.Target = strings.TrimSpace(parts[1])
	}
	if len(parts) > 2 {
		if s := strings.TrimSpace(parts[2]); s != "" {
			if p.Compression, err = ParseCompression(s); err != nil {
				return Params{}, err
			}
		}
	}
	return p, nil
}

// WithDefaults fills empty fields from def, then from the built-in defaults
// (json, gzip).
func (p Params) WithDefaults(def Params) Params {
	if p.Format == "" {
		p.Format = def.Format
	}
	if p.Format == "" {
		p.Format = FormatJSON
	}
	if p.Target == "" {
		p.Target = def.Target
	}
	if p.Compression == "" {
		p.Compression = def.Compression
	}
	if p.Compression == "" {
		p.Compression = CompressionGzip
	}
	return p
}

// Tag renders p in the form ParseParams accepts.
func (p Params) Tag() string {
	s := string(p.Format) + ";" + p.Target
	if p.Compression != "" {
		s += ";" + string(p.Compression)
	}
	return s
}
