package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"go.uber.org/zap"

	"remote-trainer/core/executor"
	"remote-trainer/core/models"
)

// Stats summarizes one download
type Stats struct {
	Files     int
	Unchanged int
	Resumed   int
	Excluded  int
	Bytes     int64
}

// Downloader fetches outputs from the remote instance
type Downloader struct {
	excludes []string
}

// NewDownloader creates a new downloader; excludes are the default mirror patterns
func NewDownloader(excludes []string) *Downloader {
	return &Downloader{excludes: excludes}
}

// Download runs task over SFTP when the executor offers it, otherwise over a
// tar or base64 stream through the shell.
func (d *Downloader) Download(ctx context.Context, exec executor.RemoteExecutor, task models.TransferTask) (*Stats, error) {
	logger := zap.S().Named("transfer")
	if task.Direction != models.DirectionDownload {
		return nil, fmt.Errorf("not a download task: %s", task.RemotePath)
	}

	excludes := task.ExcludePatterns
	if len(excludes) == 0 && task.Mode == models.TransferMirror {
		excludes = d.excludes
	}

	if p, ok := exec.(SFTPProvider); ok {
		client, err := p.SFTP(ctx)
		if err == nil {
			fs := NewSFTPFS(client)
			if task.Mode == models.TransferMirror {
				return d.Mirror(ctx, fs, task.RemotePath, task.LocalPath, excludes)
			}
			return d.Copy(ctx, fs, task.RemotePath, task.LocalPath)
		}
		logger.Warnf("SFTP unavailable, falling back to shell stream: %v", err)
	}

	if task.Mode == models.TransferSingle {
		return d.StreamFile(ctx, exec, task.RemotePath, task.LocalPath)
	}
	return d.StreamTree(ctx, exec, task.RemotePath, task.LocalPath, excludes)
}

// Copy copies a single file or a whole directory, overwriting local files
func (d *Downloader) Copy(ctx context.Context, fs RemoteFS, remotePath, localPath string) (*Stats, error) {
	info, err := fs.Stat(remotePath)
	if err != nil {
		return nil, &models.TransferError{Op: "download", Path: remotePath, Err: err}
	}

	stats := &Stats{}
	if info.IsDir() {
		err = d.walk(ctx, fs, remotePath, localPath, nil, false, stats)
	} else {
		err = fetch(ctx, fs, remotePath, localPath, info.Size(), false, stats)
	}
	if err != nil {
		return stats, &models.TransferError{Op: "download", Path: remotePath, Err: err}
	}
	zap.S().Named("transfer").Infof("Copied %s: %d files, %d bytes", remotePath, stats.Files, stats.Bytes)
	return stats, nil
}

// Mirror syncs a remote directory into localPath. Files already complete
// locally are skipped, shorter local files are resumed from their size, and
// names matching an exclude pattern are never transferred.
func (d *Downloader) Mirror(ctx context.Context, fs RemoteFS, remoteDir, localDir string, excludes []string) (*Stats, error) {
	info, err := fs.Stat(remoteDir)
	if err != nil {
		return nil, &models.TransferError{Op: "mirror", Path: remoteDir, Err: err}
	}
	if !info.IsDir() {
		return nil, &models.TransferError{Op: "mirror", Path: remoteDir, Err: fmt.Errorf("not a directory")}
	}

	stats := &Stats{}
	if err := d.walk(ctx, fs, remoteDir, localDir, excludes, true, stats); err != nil {
		return stats, &models.TransferError{Op: "mirror", Path: remoteDir, Err: err}
	}
	zap.S().Named("transfer").Infof("Mirrored %s: %d files (%d resumed, %d unchanged, %d excluded), %d bytes",
		remoteDir, stats.Files, stats.Resumed, stats.Unchanged, stats.Excluded, stats.Bytes)
	return stats, nil
}

func (d *Downloader) walk(ctx context.Context, fs RemoteFS, remoteDir, localDir string, excludes []string, resume bool, stats *Stats) error {
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return err
	}
	entries, err := fs.ReadDir(remoteDir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := entry.Name()
		if Excluded(name, excludes) {
			stats.Excluded++
			continue
		}
		rp := path.Join(remoteDir, name)
		lp := filepath.Join(localDir, name)

		switch {
		case entry.IsDir():
			if err := d.walk(ctx, fs, rp, lp, excludes, resume, stats); err != nil {
				return err
			}
		case entry.Mode().IsRegular():
			if err := fetch(ctx, fs, rp, lp, entry.Size(), resume, stats); err != nil {
				return err
			}
		}
	}
	return nil
}

// fetch copies one remote file, appending from the local size when resuming
func fetch(ctx context.Context, fs RemoteFS, remotePath, localPath string, size int64, resume bool, stats *Stats) error {
	var offset int64
	if resume {
		if info, err := os.Stat(localPath); err == nil && info.Mode().IsRegular() {
			switch {
			case info.Size() == size:
				stats.Unchanged++
				return nil
			case info.Size() < size:
				offset = info.Size()
			}
		}
	}

	src, err := fs.Open(remotePath)
	if err != nil {
		return fmt.Errorf("open %s: %w", remotePath, err)
	}
	defer src.Close()

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if offset > 0 {
		if _, err := src.Seek(offset, io.SeekStart); err != nil {
			return fmt.Errorf("seek %s: %w", remotePath, err)
		}
		flags = os.O_WRONLY | os.O_APPEND
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	dst, err := os.OpenFile(localPath, flags, 0o644)
	if err != nil {
		return err
	}

	n, err := io.Copy(dst, &ctxReader{ctx: ctx, r: src})
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("copy %s: %w", remotePath, err)
	}

	stats.Files++
	stats.Bytes += n
	if offset > 0 {
		stats.Resumed++
	}
	return nil
}

// Excluded reports whether name matches one of the glob patterns
func Excluded(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// ctxReader stops a copy once ctx is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
