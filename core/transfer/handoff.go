package transfer

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"remote-trainer/core/executor"
	"remote-trainer/core/models"
	"remote-trainer/training/frameworks"
)

// ObjectTarget is the bucket the remote host pushes outputs to
type ObjectTarget interface {
	PresignPut(ctx context.Context, runLabel, rel string) (*url.URL, error)
	ListRun(ctx context.Context, runLabel string) (map[string]int64, error)
	Location(runLabel string) string
}

// Handoff has the remote host upload remoteDir straight to target and
// returns the run's storage location once every object is verified. Nothing
// is copied to local disk on this path.
func Handoff(ctx context.Context, exec executor.RemoteExecutor, target ObjectTarget, remoteDir, runLabel string, excludes []string) (string, error) {
	logger := zap.S().Named("transfer")

	files, err := listRemoteFiles(ctx, exec, remoteDir, excludes)
	if err != nil {
		return "", &models.TransferError{Op: "handoff", Path: remoteDir, Err: err}
	}
	if len(files) == 0 {
		return "", &models.TransferError{Op: "handoff", Path: remoteDir, Err: fmt.Errorf("no output files")}
	}

	rels := make([]string, 0, len(files))
	for rel := range files {
		rels = append(rels, rel)
	}
	sort.Strings(rels)

	var script strings.Builder
	script.WriteString("set -e\ncd " + frameworks.ShellQuote(remoteDir) + "\n")
	for _, rel := range rels {
		u, err := target.PresignPut(ctx, runLabel, rel)
		if err != nil {
			return "", &models.TransferError{Op: "handoff", Path: rel, Err: err}
		}
		fmt.Fprintf(&script, "curl -sSf --retry 3 -T %s %s\n", frameworks.ShellQuote(rel), frameworks.ShellQuote(u.String()))
	}
	script.WriteString("echo HANDOFF_COMPLETE\n")

	logger.Infof("Pushing %d output files from %s to %s", len(rels), remoteDir, target.Location(runLabel))
	res, err := exec.Run(ctx, "bash -s", strings.NewReader(script.String()))
	if err != nil {
		return "", &models.TransferError{Op: "handoff", Path: remoteDir, Err: err}
	}
	if res.ExitCode != 0 || !strings.Contains(res.Stdout, "HANDOFF_COMPLETE") {
		return "", &models.TransferError{Op: "handoff", Path: remoteDir,
			Err: fmt.Errorf("remote push exited with code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))}
	}

	stored, err := target.ListRun(ctx, runLabel)
	if err != nil {
		return "", &models.TransferError{Op: "handoff", Path: remoteDir, Err: err}
	}
	for _, rel := range rels {
		size, ok := stored[rel]
		if !ok {
			return "", &models.TransferError{Op: "handoff", Path: rel, Err: fmt.Errorf("object missing after push")}
		}
		if size != files[rel] {
			return "", &models.TransferError{Op: "handoff", Path: rel,
				Err: fmt.Errorf("object size %d does not match remote size %d", size, files[rel])}
		}
	}

	location := target.Location(runLabel)
	logger.Infof("Outputs verified at %s", location)
	return location, nil
}

// listRemoteFiles returns the regular files under dir with their sizes,
// keyed by slash separated relative path
func listRemoteFiles(ctx context.Context, exec executor.RemoteExecutor, dir string, excludes []string) (map[string]int64, error) {
	res, err := exec.Run(ctx, "cd "+frameworks.ShellQuote(dir)+" && find . -type f -printf '%s %P\\n'", nil)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("listing exited with code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	files := make(map[string]int64)
	for _, line := range strings.Split(strings.ReplaceAll(res.Stdout, "\r", ""), "\n") {
		sizeField, rel, ok := strings.Cut(strings.TrimSpace(line), " ")
		if !ok {
			continue
		}
		size, err := strconv.ParseInt(sizeField, 10, 64)
		if err != nil {
			continue
		}
		if excludedPath(rel, excludes) {
			continue
		}
		files[rel] = size
	}
	return files, nil
}

func excludedPath(rel string, patterns []string) bool {
	for _, part := range strings.Split(rel, "/") {
		if Excluded(part, patterns) {
			return true
		}
	}
	return false
}
