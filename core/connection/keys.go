package connection

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"remote-trainer/core/models"
)

// KeySources lists the places an SSH key path can come from, highest precedence first
type KeySources struct {
	Override   string // explicit request override
	Record     string // persisted connection record
	Env        string // TRAINER_SSH_KEY
	DefaultKey string // ~/.ssh/id_ed25519
}

// ExpandHome expands a leading ~ to the current user's home directory
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// ResolveKeyPath picks the first configured key and verifies it exists.
// A configured but missing key is an error; lower precedence sources are not consulted.
func ResolveKeyPath(src KeySources, recordPath string) (string, error) {
	var origin, chosen string
	switch {
	case src.Override != "":
		origin, chosen = "explicit key override", src.Override
	case src.Record != "":
		origin, chosen = "connection record "+recordPath, src.Record
	case src.Env != "":
		origin, chosen = "TRAINER_SSH_KEY", src.Env
	default:
		origin, chosen = "default key", src.DefaultKey
	}

	if chosen == "" {
		return "", &models.ConfigurationError{
			Msg:         "no ssh private key configured",
			Remediation: keyRemediation("", recordPath),
		}
	}

	path := ExpandHome(chosen)
	info, err := os.Stat(path)
	if err != nil {
		return "", &models.ConfigurationError{
			Msg:         fmt.Sprintf("ssh private key %s (from %s) is not readable: %v", path, origin, err),
			Remediation: keyRemediation(path, recordPath),
		}
	}
	if info.IsDir() {
		return "", &models.ConfigurationError{
			Msg:         fmt.Sprintf("ssh private key %s (from %s) is a directory", path, origin),
			Remediation: keyRemediation(path, recordPath),
		}
	}
	return path, nil
}

func keyRemediation(path, recordPath string) string {
	var b strings.Builder
	if path != "" {
		fmt.Fprintf(&b, "create the key at %s (ssh-keygen -t ed25519 -f %s) and register its public half with the provider, ", path, path)
	}
	fmt.Fprintf(&b, "or set TRAINER_SSH_KEY, or add \"key_path\" to %s: %s", recordPath, recordShape)
	return b.String()
}
