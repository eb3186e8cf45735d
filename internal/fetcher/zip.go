package fetcher

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/rotisserie/eris"
)

// ExtractZIP writes the archive's files under destDir and returns their
// paths. When exts is non-empty only entries with one of those extensions
// (case-insensitive, with the dot) are written. Entries are capped at the
// same size as a gunzipped payload.
func ExtractZIP(zipPath, destDir string, exts ...string) ([]string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, eris.Wrap(err, "zip: open archive")
	}
	defer r.Close() //nolint:errcheck

	root := filepath.Clean(destDir) + string(os.PathSeparator)
	var extracted []string
	for _, f := range r.File {
		dest := filepath.Join(destDir, f.Name)
		if !strings.HasPrefix(filepath.Clean(dest), root) {
			return extracted, eris.Errorf("zip: illegal path %q (zip slip attempt)", f.Name)
		}
		if f.FileInfo().IsDir() || !hasExt(f.Name, exts) {
			continue
		}
		if err := writeZIPEntry(f, dest); err != nil {
			return extracted, err
		}
		extracted = append(extracted, dest)
	}
	return extracted, nil
}

func hasExt(name string, exts []string) bool {
	if len(exts) == 0 {
		return true
	}
	ext := filepath.Ext(name)
	for _, e := range exts {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}

func writeZIPEntry(f *zip.File, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return eris.Wrap(err, "zip: create parent directory")
	}

	rc, err := f.Open()
	if err != nil {
		return eris.Wrapf(err, "zip: open %s", f.Name)
	}
	defer rc.Close() //nolint:errcheck

	out, err := os.Create(dest)
	if err != nil {
		return eris.Wrap(err, "zip: create file")
	}
	defer out.Close() //nolint:errcheck

	n, err := io.Copy(out, io.LimitReader(rc, maxDecompressed+1))
	if err != nil {
		return eris.Wrapf(err, "zip: write %s", f.Name)
	}
	if n > maxDecompressed {
		return eris.Errorf("zip: %s exceeds %d bytes", f.Name, maxDecompressed)
	}
	return nil
}
