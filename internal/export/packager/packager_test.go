package packager

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"testing"

	"dataport/internal/export/generator"
	appErr "dataport/pkg/errors"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func output(files ...generator.File) *generator.Output {
	return &generator.Output{BaseName: "gdpr_export_s_r_20260510T120000Z", Files: files}
}

func TestSingleSmallFileIsTheArtifact(t *testing.T) {
	p := NewPackager(Config{})
	data := []byte(`{"export_metadata":{}}`)
	a, err := p.Package(output(generator.File{Name: "x.json", ContentType: generator.ContentTypeJSON, Data: data}))
	require.NoError(t, err)

	assert.False(t, a.Archived)
	assert.Equal(t, "x.json", a.Name)
	assert.Equal(t, data, a.Data)
	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), a.Checksum)
}

func TestMultipleFilesAreZipped(t *testing.T) {
	p := NewPackager(Config{})
	a, err := p.Package(output(
		generator.File{Name: "a.csv", Data: []byte("id;name\n1;x\n")},
		generator.File{Name: generator.ManifestName, Data: []byte("manifest")},
	))
	require.NoError(t, err)
	require.True(t, a.Archived)
	assert.Equal(t, "gdpr_export_s_r_20260510T120000Z.zip", a.Name)
	assert.Equal(t, ContentTypeZip, a.ContentType)

	zr, err := zip.NewReader(bytes.NewReader(a.Data), a.Size())
	require.NoError(t, err)
	require.Len(t, zr.File, 2)
	rc, err := zr.File[1].Open()
	require.NoError(t, err)
	defer rc.Close()
	content, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "manifest", string(content))
}

func TestLargeSingleFileIsZipped(t *testing.T) {
	p := NewPackager(Config{ArchiveThreshold: 16})
	a, err := p.Package(output(generator.File{Name: "x.json", Data: bytes.Repeat([]byte("a"), 64)}))
	require.NoError(t, err)
	assert.True(t, a.Archived)
}

func TestArtifactTooLarge(t *testing.T) {
	p := NewPackager(Config{MaxBytes: 8})
	_, err := p.Package(output(generator.File{Name: "x.json", Data: bytes.Repeat([]byte("a"), 9)}))
	require.Error(t, err)
	assert.True(t, appErr.Is(err, appErr.ExportArtifactTooLarge))
}

func TestEmptyOutputRejected(t *testing.T) {
	_, err := NewPackager(Config{}).Package(output())
	assert.True(t, appErr.Is(err, appErr.ExportProcessingFailed))
}
