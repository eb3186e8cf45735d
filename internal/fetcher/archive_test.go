package fetcher

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGunzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte("GRIB payload"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	data, err := Gunzip(&buf)
	require.NoError(t, err)
	assert.Equal(t, "GRIB payload", string(data))
}

func TestGunzip_NotGzip(t *testing.T) {
	_, err := Gunzip(strings.NewReader("plain text"))
	assert.Error(t, err)
}

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck

	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}

func TestExtractZIP(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "parcels.zip")
	writeZip(t, archive, map[string]string{
		"parcels.shp": "shp",
		"parcels.dbf": "dbf",
	})

	out := filepath.Join(dir, "out")
	paths, err := ExtractZIP(archive, out)
	require.NoError(t, err)
	assert.Len(t, paths, 2)

	data, err := os.ReadFile(filepath.Join(out, "parcels.dbf"))
	require.NoError(t, err)
	assert.Equal(t, "dbf", string(data))
}

func TestExtractZIP_FilterByExtension(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "travis.zip")
	writeZip(t, archive, map[string]string{
		"travis/parcels.SHP":  "shp",
		"travis/parcels.dbf":  "dbf",
		"travis/metadata.xml": "xml",
		"readme.txt":          "txt",
	})

	out := filepath.Join(dir, "out")
	paths, err := ExtractZIP(archive, out, ".shp", ".dbf")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(out, "travis", "parcels.SHP"),
		filepath.Join(out, "travis", "parcels.dbf"),
	}, paths)

	_, err = os.Stat(filepath.Join(out, "readme.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestExtractZIP_ZipSlip(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.zip")
	writeZip(t, archive, map[string]string{"../evil.txt": "x"})

	_, err := ExtractZIP(archive, filepath.Join(dir, "out"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zip slip")
}
