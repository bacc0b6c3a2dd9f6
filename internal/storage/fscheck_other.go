//go:build !darwin && !linux

package storage

// Remote mount detection is only implemented for linux and darwin.
func detectFilesystemType(string) (string, error) {
	return "unknown", nil
}
