package writer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"
)

// zipFile writes src as the single deflated entry of a new archive at dst.
func zipFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	zw := zip.NewWriter(out)
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = filepath.Base(src)
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, in); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return out.Sync()
}

// verifyZip reads every entry to the end so each checksum is checked.
func verifyZip(path string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return err
	}
	defer zr.Close()

	if len(zr.File) == 0 {
		return fmt.Errorf("archive %s has no entries", path)
	}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("open entry %s: %w", f.Name, err)
		}
		_, err = io.Copy(io.Discard, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("read entry %s: %w", f.Name, err)
		}
	}
	return nil
}

// appendZipEntries streams every entry of the archive at path into w.
func appendZipEntries(path string, w io.Writer) (int64, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return 0, err
	}
	defer zr.Close()

	var total int64
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return total, fmt.Errorf("open entry %s: %w", f.Name, err)
		}
		n, err := io.Copy(w, rc)
		rc.Close()
		total += n
		if err != nil {
			return total, fmt.Errorf("extract entry %s: %w", f.Name, err)
		}
	}
	return total, nil
}
