// Package document holds the YAML marshal/unmarshal conventions shared by
// internal/keystore and internal/method: every
// persisted ssops document is a gopkg.in/yaml.v3 value with explicit
// field tags, and every binary field inside one is lower-case hex via
// encoding/hex, mirroring the way filippo.io/age/internal/format keeps
// its header fields explicit rather than reflected.
package document

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mlacage/ssops/internal/sserrors"
)

// Load reads path and unmarshals it as YAML into v.
func Load(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return sserrors.Wrap(sserrors.KeyMissing, fmt.Sprintf("%s does not exist", path), err)
		}
		return sserrors.Wrap(sserrors.IoFailure, fmt.Sprintf("failed to read %s", path), err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return sserrors.Wrap(sserrors.ConfigInvalid, fmt.Sprintf("%s is not valid YAML", path), err)
	}
	return nil
}

// Marshal renders v as YAML bytes, failing closed rather than silently
// producing a malformed document.
func Marshal(v any) ([]byte, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return nil, sserrors.Wrap(sserrors.IoFailure, "failed to marshal YAML document", err)
	}
	return data, nil
}

// WriteDurable writes data to path, then fsyncs both the file and its
// parent directory before returning, so a crash immediately after this
// call cannot leave a half-written or lost document. Modeled on
// cmd/age-keygen/keygen.go's exclusive-create pattern, extended with the
// fsync pair this spec's durability requirement adds.
func WriteDurable(path string, data []byte, perm os.FileMode, overwrite bool) error {
	flags := os.O_WRONLY | os.O_CREATE
	if overwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, perm)
	if err != nil {
		if os.IsExist(err) {
			return sserrors.Wrap(sserrors.KeyExists, fmt.Sprintf("%s already exists", path), err)
		}
		return sserrors.Wrap(sserrors.IoFailure, fmt.Sprintf("failed to create %s", path), err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return sserrors.Wrap(sserrors.IoFailure, fmt.Sprintf("failed to write %s", path), err)
	}
	if err := f.Sync(); err != nil {
		return sserrors.Wrap(sserrors.IoFailure, fmt.Sprintf("failed to fsync %s", path), err)
	}

	dir, err := os.Open(parentDir(path))
	if err != nil {
		return sserrors.Wrap(sserrors.IoFailure, "failed to open parent directory for fsync", err)
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return sserrors.Wrap(sserrors.IoFailure, "failed to fsync parent directory", err)
	}
	return nil
}

func parentDir(path string) string {
	i := len(path) - 1
	for i >= 0 && path[i] != '/' {
		i--
	}
	if i < 0 {
		return "."
	}
	if i == 0 {
		return "/"
	}
	return path[:i]
}
