package update

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// DownloadFile downloads path into dest. The file is written to a temp file
// first and renamed into place, so dest is either complete or absent.
func (c *Catalogue) DownloadFile(ctx context.Context, path, dest string, progress func(done, total int64)) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("update: creating cache dir: %w", err)
	}

	tmpPath := dest + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("update: creating temp file: %w", err)
	}

	err = c.Download(ctx, path, f, progress)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("update: moving download into place: %w", err)
	}
	return nil
}

// progressWriter wraps an io.Writer and reports bytes written.
type progressWriter struct {
	writer  io.Writer
	total   int64
	written int64
	report  func(done, total int64)
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.writer.Write(p)
	pw.written += int64(n)
	if pw.report != nil {
		pw.report(pw.written, pw.total)
	}
	return n, err
}
