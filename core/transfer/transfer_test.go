package transfer

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remote-trainer/core/executor"
	"remote-trainer/core/models"
)

// scriptedExecutor answers commands through a handler
type scriptedExecutor struct {
	mu       sync.Mutex
	commands []string
	stdin    []string
	run      func(command, stdin string) (*executor.Result, error)
	toFile   func(command string) (string, *executor.Result)
}

func (s *scriptedExecutor) Run(_ context.Context, command string, stdin io.Reader) (*executor.Result, error) {
	var in string
	if stdin != nil {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, err
		}
		in = string(b)
	}
	s.mu.Lock()
	s.commands = append(s.commands, command)
	s.stdin = append(s.stdin, in)
	s.mu.Unlock()
	return s.run(command, in)
}

func (s *scriptedExecutor) RunToFile(_ context.Context, command, localPath string) (*executor.Result, error) {
	s.mu.Lock()
	s.commands = append(s.commands, command)
	s.mu.Unlock()
	out, res := s.toFile(command)
	if err := os.WriteFile(localPath, []byte(out), 0o644); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *scriptedExecutor) RunStream(context.Context, string, func(string)) (*executor.Result, error) {
	return &executor.Result{}, nil
}

func (s *scriptedExecutor) Close() error { return nil }

func writeFile(t *testing.T, p, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func TestUploadRetriesThenSucceeds(t *testing.T) {
	local := filepath.Join(t.TempDir(), "dataset.jsonl")
	writeFile(t, local, "{\"a\":1}\n{\"a\":2}\n{\"a\":3}\n")

	var received []byte
	calls := 0
	exec := &scriptedExecutor{run: func(command, stdin string) (*executor.Result, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("connection reset")
		}
		data, err := base64.StdEncoding.DecodeString(stdin)
		if err != nil {
			return nil, err
		}
		received = data
		return &executor.Result{Stdout: strconv.Itoa(len(data)) + "\n"}, nil
	}}

	delay := 20 * time.Millisecond
	u := NewUploader(3, delay)
	start := time.Now()
	err := u.Upload(context.Background(), exec, []models.TransferTask{{
		Direction:  models.DirectionUpload,
		LocalPath:  local,
		RemotePath: "/workspace/input/unsloth_dataset.jsonl",
		Mode:       models.TransferSingle,
	}})
	require.NoError(t, err)

	assert.Equal(t, 3, calls)
	assert.GreaterOrEqual(t, time.Since(start), 2*delay)
	assert.Equal(t, "{\"a\":1}\n{\"a\":2}\n{\"a\":3}\n", string(received))
	assert.Contains(t, exec.commands[0], "mkdir -p /workspace/input")
	assert.Contains(t, exec.commands[0], "base64 -d > /workspace/input/unsloth_dataset.jsonl.partial")
}

func TestUploadGivesUpAfterAttempts(t *testing.T) {
	local := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, local, "{}")

	calls := 0
	exec := &scriptedExecutor{run: func(string, string) (*executor.Result, error) {
		calls++
		return &executor.Result{ExitCode: 1, Stderr: "No space left on device"}, nil
	}}

	err := NewUploader(3, time.Millisecond).UploadFile(context.Background(), exec, local, "/workspace/input/config.json")
	require.Error(t, err)
	assert.Equal(t, 3, calls)

	var te *models.TransferError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "upload", te.Op)
	assert.Contains(t, err.Error(), "No space left on device")
}

func TestUploadRejectsSizeMismatch(t *testing.T) {
	local := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, local, "{\"lora_rank\":8}")

	exec := &scriptedExecutor{run: func(string, string) (*executor.Result, error) {
		return &executor.Result{Stdout: "3\n"}, nil
	}}
	err := NewUploader(1, 0).UploadFile(context.Background(), exec, local, "/workspace/input/config.json")
	assert.ErrorContains(t, err, "does not match local size")
}

func TestSealVerifiesDigest(t *testing.T) {
	local := filepath.Join(t.TempDir(), "unsloth_dataset.jsonl")
	writeFile(t, local, "row\n")
	sum := sha256.Sum256([]byte("row\n"))
	digest := hex.EncodeToString(sum[:])

	exec := &scriptedExecutor{run: func(string, string) (*executor.Result, error) {
		return &executor.Result{Stdout: "UPLOAD_COMPLETE " + digest + " unsloth_dataset.jsonl\r\n"}, nil
	}}
	marker, err := NewUploader(1, 0).Seal(context.Background(), exec, "/workspace/input/unsloth_dataset.jsonl", local)
	require.NoError(t, err)
	assert.Equal(t, "UPLOAD_COMPLETE "+digest+" unsloth_dataset.jsonl", marker)
	assert.Contains(t, exec.commands[0], MarkerFile)

	bad := &scriptedExecutor{run: func(string, string) (*executor.Result, error) {
		return &executor.Result{Stdout: "UPLOAD_COMPLETE " + strings.Repeat("0", 64) + " unsloth_dataset.jsonl"}, nil
	}}
	_, err = NewUploader(1, 0).Seal(context.Background(), bad, "/workspace/input/unsloth_dataset.jsonl", local)
	assert.ErrorContains(t, err, "does not match local digest")

	missing := &scriptedExecutor{run: func(string, string) (*executor.Result, error) {
		return &executor.Result{ExitCode: 1, Stderr: "sha256sum: No such file"}, nil
	}}
	_, err = NewUploader(1, 0).Seal(context.Background(), missing, "/workspace/input/unsloth_dataset.jsonl", local)
	assert.ErrorContains(t, err, "marker missing")
}

// localFS serves a local directory as the remote filesystem
type localFS struct{}

func (localFS) Stat(p string) (os.FileInfo, error) { return os.Stat(p) }

func (localFS) ReadDir(p string) ([]os.FileInfo, error) {
	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, err
	}
	infos := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (localFS) Open(p string) (io.ReadSeekCloser, error) { return os.Open(p) }

func TestMirrorResumesAndExcludes(t *testing.T) {
	remote := t.TempDir()
	writeFile(t, filepath.Join(remote, "adapter_model.safetensors"), "0123456789")
	writeFile(t, filepath.Join(remote, "logs", "train.log"), "loss 0.5\n")
	writeFile(t, filepath.Join(remote, "checkpoint-100", "optimizer.bin"), "big")
	writeFile(t, filepath.Join(remote, "rng_state.pt"), "pt")

	local := t.TempDir()
	writeFile(t, filepath.Join(local, "adapter_model.safetensors"), "01234")

	d := NewDownloader([]string{"checkpoint-*", "*.pt", ".cache"})
	stats, err := d.Mirror(context.Background(), localFS{}, remote, local, []string{"checkpoint-*", "*.pt", ".cache"})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Files)
	assert.Equal(t, 1, stats.Resumed)
	assert.Equal(t, 2, stats.Excluded)

	got, err := os.ReadFile(filepath.Join(local, "adapter_model.safetensors"))
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(got))
	assert.FileExists(t, filepath.Join(local, "logs", "train.log"))
	assert.NoDirExists(t, filepath.Join(local, "checkpoint-100"))
	assert.NoFileExists(t, filepath.Join(local, "rng_state.pt"))

	again, err := d.Mirror(context.Background(), localFS{}, remote, local, []string{"checkpoint-*", "*.pt"})
	require.NoError(t, err)
	assert.Equal(t, 0, again.Files)
	assert.Equal(t, 2, again.Unchanged)
}

func TestMirrorRedownloadsLargerLocalFile(t *testing.T) {
	remote := t.TempDir()
	writeFile(t, filepath.Join(remote, "a.txt"), "new")
	local := t.TempDir()
	writeFile(t, filepath.Join(local, "a.txt"), "stale and longer")

	_, err := NewDownloader(nil).Mirror(context.Background(), localFS{}, remote, local, nil)
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(local, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
}

func TestCopySingleFile(t *testing.T) {
	remote := t.TempDir()
	writeFile(t, filepath.Join(remote, "adapter.gguf"), "GGUF")
	dst := filepath.Join(t.TempDir(), "out", "adapter.gguf")

	stats, err := NewDownloader(nil).Copy(context.Background(), localFS{}, filepath.Join(remote, "adapter.gguf"), dst)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Bytes)

	_, err = NewDownloader(nil).Copy(context.Background(), localFS{}, filepath.Join(remote, "missing.gguf"), dst)
	var te *models.TransferError
	assert.ErrorAs(t, err, &te)
}

func TestMirrorStopsOnCancel(t *testing.T) {
	remote := t.TempDir()
	writeFile(t, filepath.Join(remote, "a.txt"), "a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewDownloader(nil).Mirror(ctx, localFS{}, remote, t.TempDir(), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func tarball(t *testing.T, files map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	encoded := base64.StdEncoding.EncodeToString(buf.Bytes())
	return strings.ReplaceAll(wrapLines(encoded, 76), "\n", "\r\n")
}

func TestDownloadStreamsTreeWithoutSFTP(t *testing.T) {
	payload := tarball(t, map[string]string{"./adapter_config.json": "{}", "./logs/train.log": "done"})
	exec := &scriptedExecutor{toFile: func(string) (string, *executor.Result) {
		return payload, &executor.Result{}
	}}

	local := t.TempDir()
	stats, err := NewDownloader([]string{"checkpoint-*"}).Download(context.Background(), exec, models.TransferTask{
		Direction:  models.DirectionDownload,
		RemotePath: "/workspace/output/adapter",
		LocalPath:  local,
		Mode:       models.TransferMirror,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Files)
	assert.Contains(t, exec.commands[0], "--exclude='checkpoint-*'")
	assert.FileExists(t, filepath.Join(local, "logs", "train.log"))
	assert.NoFileExists(t, filepath.Join(local, ".stream.tgz.b64"))
}

func TestStreamTreeRejectsTraversal(t *testing.T) {
	payload := tarball(t, map[string]string{"../escape.txt": "x"})
	exec := &scriptedExecutor{toFile: func(string) (string, *executor.Result) {
		return payload, &executor.Result{}
	}}

	parent := t.TempDir()
	_, err := NewDownloader(nil).StreamTree(context.Background(), exec, "/workspace/output", filepath.Join(parent, "dst"), nil)
	assert.ErrorContains(t, err, "escapes")
	assert.NoFileExists(t, filepath.Join(parent, "escape.txt"))
}

func TestStreamFile(t *testing.T) {
	exec := &scriptedExecutor{toFile: func(string) (string, *executor.Result) {
		return base64.StdEncoding.EncodeToString([]byte("GGUF-bytes")) + "\r\n", &executor.Result{}
	}}
	dst := filepath.Join(t.TempDir(), "adapter.gguf")
	stats, err := NewDownloader(nil).StreamFile(context.Background(), exec, "/workspace/output/adapter.gguf", dst)
	require.NoError(t, err)
	assert.Equal(t, int64(10), stats.Bytes)

	failing := &scriptedExecutor{toFile: func(string) (string, *executor.Result) {
		return "", &executor.Result{ExitCode: 1, Stderr: "No such file"}
	}}
	_, err = NewDownloader(nil).StreamFile(context.Background(), failing, "/workspace/output/adapter.gguf", dst)
	assert.ErrorContains(t, err, "No such file")
}

// fakeBucket records presigned keys and serves a fixed listing
type fakeBucket struct {
	presigned []string
	objects   map[string]int64
}

func (b *fakeBucket) PresignPut(_ context.Context, runLabel, rel string) (*url.URL, error) {
	b.presigned = append(b.presigned, rel)
	return url.Parse(fmt.Sprintf("https://s3.example.com/bucket/runs/%s/%s?X-Amz-Signature=abc", runLabel, rel))
}

func (b *fakeBucket) ListRun(context.Context, string) (map[string]int64, error) {
	return b.objects, nil
}

func (b *fakeBucket) Location(runLabel string) string {
	return "s3://bucket/runs/" + runLabel + "/"
}

func TestHandoffPushesAndVerifies(t *testing.T) {
	exec := &scriptedExecutor{run: func(command, stdin string) (*executor.Result, error) {
		if strings.HasPrefix(command, "cd ") {
			return &executor.Result{Stdout: "5 adapter.gguf\r\n3 adapter/config.json\n9 checkpoint-1/opt.bin\n"}, nil
		}
		return &executor.Result{Stdout: "HANDOFF_COMPLETE\n"}, nil
	}}
	bucket := &fakeBucket{objects: map[string]int64{"adapter.gguf": 5, "adapter/config.json": 3}}

	loc, err := Handoff(context.Background(), exec, bucket, "/workspace/output", "2026-01-01-000000-abcd1234", []string{"checkpoint-*"})
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/runs/2026-01-01-000000-abcd1234/", loc)
	assert.Equal(t, []string{"adapter.gguf", "adapter/config.json"}, bucket.presigned)
	assert.Equal(t, "bash -s", exec.commands[1])
	assert.Contains(t, exec.stdin[1], "curl -sSf --retry 3 -T adapter.gguf 'https://s3.example.com/")
	assert.NotContains(t, exec.stdin[1], "checkpoint-1")
}

func TestHandoffFailsWhenObjectMissing(t *testing.T) {
	exec := &scriptedExecutor{run: func(command, _ string) (*executor.Result, error) {
		if strings.HasPrefix(command, "cd ") {
			return &executor.Result{Stdout: "5 adapter.gguf\n"}, nil
		}
		return &executor.Result{Stdout: "HANDOFF_COMPLETE\n"}, nil
	}}
	_, err := Handoff(context.Background(), exec, &fakeBucket{objects: map[string]int64{}}, "/workspace/output", "label", nil)
	assert.ErrorContains(t, err, "object missing")
}
