package transfer

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"remote-trainer/core/executor"
	"remote-trainer/core/models"
	"remote-trainer/training/frameworks"
)

// StreamFile downloads one file as base64 through the shell. The encoding
// keeps the payload intact across relays that allocate a terminal.
func (d *Downloader) StreamFile(ctx context.Context, exec executor.RemoteExecutor, remotePath, localPath string) (*Stats, error) {
	encoded := localPath + ".b64"
	defer os.Remove(encoded)

	res, err := exec.RunToFile(ctx, "base64 < "+frameworks.ShellQuote(remotePath), encoded)
	if err != nil {
		return nil, &models.TransferError{Op: "download", Path: remotePath, Err: err}
	}
	if res.ExitCode != 0 {
		return nil, &models.TransferError{Op: "download", Path: remotePath,
			Err: fmt.Errorf("exit code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))}
	}

	n, err := decodeFile(encoded, localPath)
	if err != nil {
		return nil, &models.TransferError{Op: "download", Path: remotePath, Err: err}
	}
	zap.S().Named("transfer").Infof("Streamed %s (%d bytes)", remotePath, n)
	return &Stats{Files: 1, Bytes: n}, nil
}

// StreamTree downloads a directory as a base64 encoded gzip tarball
func (d *Downloader) StreamTree(ctx context.Context, exec executor.RemoteExecutor, remoteDir, localDir string, excludes []string) (*Stats, error) {
	var b strings.Builder
	b.WriteString("tar -C ")
	b.WriteString(frameworks.ShellQuote(remoteDir))
	for _, p := range excludes {
		b.WriteString(" --exclude=")
		b.WriteString(frameworks.ShellQuote(p))
	}
	b.WriteString(" -czf - . | base64")

	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return nil, &models.TransferError{Op: "download", Path: remoteDir, Err: err}
	}
	encoded := filepath.Join(localDir, ".stream.tgz.b64")
	defer os.Remove(encoded)

	res, err := exec.RunToFile(ctx, b.String(), encoded)
	if err != nil {
		return nil, &models.TransferError{Op: "download", Path: remoteDir, Err: err}
	}
	if res.ExitCode != 0 {
		return nil, &models.TransferError{Op: "download", Path: remoteDir,
			Err: fmt.Errorf("exit code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))}
	}

	f, err := os.Open(encoded)
	if err != nil {
		return nil, &models.TransferError{Op: "download", Path: remoteDir, Err: err}
	}
	defer f.Close()

	stats, err := extractTarGz(base64.NewDecoder(base64.StdEncoding, f), localDir)
	if err != nil {
		return stats, &models.TransferError{Op: "download", Path: remoteDir, Err: err}
	}
	zap.S().Named("transfer").Infof("Streamed %s: %d files, %d bytes", remoteDir, stats.Files, stats.Bytes)
	return stats, nil
}

// decodeFile decodes base64 text in src into dst; line breaks and carriage returns are ignored
func decodeFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, base64.NewDecoder(base64.StdEncoding, in))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// extractTarGz unpacks a gzip tarball into dir, refusing entries that escape it
func extractTarGz(r io.Reader, dir string) (*Stats, error) {
	stats := &Stats{}
	gz, err := gzip.NewReader(r)
	if err != nil {
		return stats, err
	}
	defer gz.Close()

	root, err := filepath.Abs(dir)
	if err != nil {
		return stats, err
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return stats, nil
		}
		if err != nil {
			return stats, err
		}

		target := filepath.Join(root, filepath.FromSlash(hdr.Name))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return stats, fmt.Errorf("archive entry %q escapes %s", hdr.Name, dir)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return stats, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return stats, err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				return stats, err
			}
			n, err := io.Copy(f, tr)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return stats, err
			}
			stats.Files++
			stats.Bytes += n
		}
	}
}
