package transfer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"remote-trainer/core/executor"
	"remote-trainer/core/models"
	"remote-trainer/training/frameworks"
)

// MarkerFile is written next to the sealed input once every upload landed
const MarkerFile = ".upload_complete"

var markerPattern = regexp.MustCompile(`UPLOAD_COMPLETE ([0-9a-f]{64}) (\S+)`)

// Uploader stages local inputs on the remote instance
type Uploader struct {
	attempts int
	delay    time.Duration
}

// NewUploader creates a new uploader making at most attempts tries per file
func NewUploader(attempts int, delay time.Duration) *Uploader {
	if attempts < 1 {
		attempts = 1
	}
	return &Uploader{attempts: attempts, delay: delay}
}

// Upload transfers every task in order; the first file that exhausts its retries fails the upload
func (u *Uploader) Upload(ctx context.Context, exec executor.RemoteExecutor, tasks []models.TransferTask) error {
	for _, task := range tasks {
		if task.Direction != models.DirectionUpload {
			return fmt.Errorf("not an upload task: %s", task.LocalPath)
		}
		if err := u.UploadFile(ctx, exec, task.LocalPath, task.RemotePath); err != nil {
			return err
		}
	}
	return nil
}

// UploadFile pipes the base64 encoded file through the remote shell into remotePath
func (u *Uploader) UploadFile(ctx context.Context, exec executor.RemoteExecutor, localPath, remotePath string) error {
	logger := zap.S().Named("transfer")

	data, err := os.ReadFile(localPath)
	if err != nil {
		return &models.TransferError{Op: "upload", Path: localPath, Err: err}
	}
	encoded := wrapLines(base64.StdEncoding.EncodeToString(data), 76)

	partial := remotePath + ".partial"
	command := fmt.Sprintf("mkdir -p %s && base64 -d > %s && mv %s %s && wc -c < %s",
		frameworks.ShellQuote(path.Dir(remotePath)),
		frameworks.ShellQuote(partial),
		frameworks.ShellQuote(partial), frameworks.ShellQuote(remotePath),
		frameworks.ShellQuote(remotePath))

	attempt := 0
	backoff := retry.WithMaxRetries(uint64(u.attempts-1), retry.NewConstant(u.delay))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		res, err := exec.Run(ctx, command, strings.NewReader(encoded))
		if err == nil && res.ExitCode != 0 {
			err = fmt.Errorf("exit code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
		}
		if err == nil {
			if size, ok := lastInt(res.Stdout); !ok || size != int64(len(data)) {
				err = fmt.Errorf("remote size %q does not match local size %d", strings.TrimSpace(res.Stdout), len(data))
			}
		}
		if err != nil {
			logger.Warnf("Upload of %s attempt %d/%d failed: %v", path.Base(remotePath), attempt, u.attempts, err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return &models.TransferError{Op: "upload", Path: localPath, Err: err}
	}

	logger.Infof("Uploaded %s (%d bytes) to %s", path.Base(localPath), len(data), remotePath)
	return nil
}

// Seal checksums the key input remotely, writes the completion marker next to
// it and checks the reported digest against the local file. It returns the
// marker line recorded as the upload verification.
func (u *Uploader) Seal(ctx context.Context, exec executor.RemoteExecutor, remotePath, localPath string) (string, error) {
	localSum, err := fileSHA256(localPath)
	if err != nil {
		return "", &models.TransferError{Op: "seal", Path: localPath, Err: err}
	}

	dir, file := path.Dir(remotePath), path.Base(remotePath)
	command := fmt.Sprintf(`cd %s && sha=$(sha256sum %s | cut -d' ' -f1) && echo "$sha %s" > %s && echo "UPLOAD_COMPLETE $sha %s"`,
		frameworks.ShellQuote(dir), frameworks.ShellQuote(file), file, MarkerFile, file)

	res, err := exec.Run(ctx, command, nil)
	if err != nil {
		return "", &models.TransferError{Op: "seal", Path: remotePath, Err: err}
	}

	marker, remoteSum, ok := ParseMarker(res.Stdout)
	if !ok {
		return "", &models.TransferError{Op: "seal", Path: remotePath,
			Err: fmt.Errorf("upload marker missing from output (exit %d): %s", res.ExitCode, strings.TrimSpace(res.Stderr))}
	}
	if remoteSum != localSum {
		return "", &models.TransferError{Op: "seal", Path: remotePath,
			Err: fmt.Errorf("remote digest %s does not match local digest %s", remoteSum, localSum)}
	}

	zap.S().Named("transfer").Infof("Upload verified: %s", marker)
	return marker, nil
}

// ParseMarker finds the upload completion marker in command output
func ParseMarker(output string) (marker, digest string, ok bool) {
	m := markerPattern.FindStringSubmatch(output)
	if m == nil {
		return "", "", false
	}
	return m[0], m[1], true
}

func fileSHA256(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// wrapLines breaks s into lines of width; terminal relays cap input line length
func wrapLines(s string, width int) string {
	var b bytes.Buffer
	b.Grow(len(s) + len(s)/width + 1)
	for len(s) > width {
		b.WriteString(s[:width])
		b.WriteByte('\n')
		s = s[width:]
	}
	b.WriteString(s)
	b.WriteByte('\n')
	return b.String()
}

// lastInt parses the last non-empty output line as an integer
func lastInt(out string) (int64, bool) {
	lines := strings.Split(strings.TrimSpace(strings.ReplaceAll(out, "\r", "")), "\n")
	if len(lines) == 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(lines[len(lines)-1]), 10, 64)
	return n, err == nil
}
