package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNetworkFilesystem marks a state path that SQLite cannot lock reliably.
var ErrNetworkFilesystem = errors.New("state path is on a network filesystem")

var remoteFSTypes = map[string]bool{
	"afpfs":  true,
	"cifs":   true,
	"nfs":    true,
	"nfs4":   true,
	"smbfs":  true,
	"smb2":   true,
	"webdav": true,
}

type fsDetector func(path string) (string, error)

// checkLocalFilesystem fails with ErrNetworkFilesystem when the closest
// existing ancestor of path lives on a remote mount.
func checkLocalFilesystem(path string, detect fsDetector) error {
	dir, err := existingAncestor(path)
	if err != nil {
		return fmt.Errorf("resolve state path %q: %w", path, err)
	}
	fsType, err := detect(dir)
	if err != nil {
		return fmt.Errorf("detect filesystem of %q: %w", dir, err)
	}
	if isRemoteFS(fsType) {
		return fmt.Errorf("%w: %q is on %s; point state.path at local disk", ErrNetworkFilesystem, path, fsType)
	}
	return nil
}

func existingAncestor(path string) (string, error) {
	cur, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		_, err := os.Stat(cur)
		switch {
		case err == nil:
			return cur, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", fmt.Errorf("no existing ancestor")
		}
		cur = parent
	}
}

func isRemoteFS(fsType string) bool {
	return remoteFSTypes[strings.ToLower(strings.TrimSpace(fsType))]
}
