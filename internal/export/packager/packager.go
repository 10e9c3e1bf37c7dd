package packager

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"dataport/internal/export/generator"
	appErr "dataport/pkg/errors"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
)

const (
	ContentTypeZip = "application/zip"

	defaultArchiveThreshold = 10 << 20
	defaultMaxBytes         = 512 << 20
)

// Artifact is the single object uploaded for a request.
type Artifact struct {
	Name        string
	ContentType string
	Data        []byte
	Checksum    string
	Archived    bool
}

// Size returns the artifact length in bytes.
func (a *Artifact) Size() int64 {
	return int64(len(a.Data))
}

// Config controls when outputs are archived and the size ceiling.
type Config struct {
	ArchiveThreshold int64
	MaxBytes         int64
	Level            int
	Now              func() time.Time
}

// Packager turns generator output into one artifact.
type Packager struct {
	threshold int64
	maxBytes  int64
	level     int
	now       func() time.Time
}

// NewPackager creates a packager with defaults applied.
func NewPackager(cfg Config) *Packager {
	p := &Packager{
		threshold: cfg.ArchiveThreshold,
		maxBytes:  cfg.MaxBytes,
		level:     cfg.Level,
		now:       cfg.Now,
	}
	if p.threshold <= 0 {
		p.threshold = defaultArchiveThreshold
	}
	if p.maxBytes <= 0 {
		p.maxBytes = defaultMaxBytes
	}
	if p.level == 0 {
		p.level = flate.DefaultCompression
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Package archives out when it holds several files or exceeds the archive
// threshold, otherwise the lone file is the artifact.
func (p *Packager) Package(out *generator.Output) (*Artifact, error) {
	if out == nil || len(out.Files) == 0 {
		return nil, appErr.New(appErr.ExportProcessingFailed).WithMessage("nothing to package")
	}

	var artifact *Artifact
	if len(out.Files) == 1 && out.TotalBytes() <= p.threshold {
		f := out.Files[0]
		artifact = &Artifact{Name: f.Name, ContentType: f.ContentType, Data: f.Data}
	} else {
		data, err := p.zip(out.Files)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.ExportProcessingFailed, "create archive failed")
		}
		artifact = &Artifact{Name: out.BaseName + ".zip", ContentType: ContentTypeZip, Data: data, Archived: true}
	}

	if artifact.Size() > p.maxBytes {
		return nil, appErr.New(appErr.ExportArtifactTooLarge).
			WithDetail("size_bytes", artifact.Size()).
			WithDetail("max_bytes", p.maxBytes)
	}
	sum := sha256.Sum256(artifact.Data)
	artifact.Checksum = hex.EncodeToString(sum[:])
	return artifact, nil
}

func (p *Packager) zip(files []generator.File) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	level := p.level
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, level)
	})
	modified := p.now()
	for _, f := range files {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     f.Name,
			Method:   zip.Deflate,
			Modified: modified,
		})
		if err != nil {
			return nil, fmt.Errorf("create entry %s failed: %w", f.Name, err)
		}
		if _, err := w.Write(f.Data); err != nil {
			return nil, fmt.Errorf("write entry %s failed: %w", f.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
