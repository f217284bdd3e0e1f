// Package mode decides, once per run, how captured frames are delivered:
// to a running local comparison server, to the cloud uploader, or nowhere.
package mode

import (
	"encoding/json"
	"os"
	"path/filepath"
	"syscall"

	vzerrors "github.com/vizzly-testing/vizzly-go/internal/errors"
)

// ServerInfo is the sentinel written by a running local comparison server.
type ServerInfo struct {
	URL  string `json:"url"`
	PID  int    `json:"pid"`
	Port int    `json:"port"`
}

// SentinelPath returns the sentinel location for a workspace.
func SentinelPath(workspace string) string {
	return filepath.Join(workspace, ".vizzly", "server.json")
}

// WriteSentinel publishes the server sentinel atomically so concurrent
// readers never observe a partial file.
func WriteSentinel(workspace string, info ServerInfo) error {
	path := SentinelPath(workspace)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return vzerrors.Wrap(err, vzerrors.IOError, "creating .vizzly directory")
	}

	data, err := json.Marshal(info)
	if err != nil {
		return vzerrors.Wrap(err, vzerrors.InternalError, "encoding server sentinel")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".server.json.tmp-*")
	if err != nil {
		return vzerrors.Wrap(err, vzerrors.IOError, "creating sentinel temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return vzerrors.Wrap(err, vzerrors.IOError, "writing server sentinel")
	}
	if err := tmp.Close(); err != nil {
		return vzerrors.Wrap(err, vzerrors.IOError, "closing server sentinel")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return vzerrors.Wrap(err, vzerrors.IOError, "publishing server sentinel")
	}
	return nil
}

// ReadSentinel loads the sentinel if present. A stale sentinel — one whose
// writing process is no longer alive — is treated as absent.
func ReadSentinel(workspace string) (*ServerInfo, bool) {
	data, err := os.ReadFile(SentinelPath(workspace))
	if err != nil {
		return nil, false
	}
	var info ServerInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, false
	}
	if info.PID <= 0 || !pidAlive(info.PID) {
		return nil, false
	}
	return &info, true
}

// RemoveSentinel deletes the sentinel; a missing file is not an error.
func RemoveSentinel(workspace string) error {
	if err := os.Remove(SentinelPath(workspace)); err != nil && !os.IsNotExist(err) {
		return vzerrors.Wrap(err, vzerrors.IOError, "removing server sentinel")
	}
	return nil
}

// pidAlive probes a process with signal 0.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	// EPERM means the process exists but belongs to another user.
	return err == nil || err == syscall.EPERM
}
