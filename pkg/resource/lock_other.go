//go:build !unix

package resource

import "sync"

var dirMu sync.Mutex

// lockDir only excludes this process where flock is unavailable.
func lockDir(string) (func(), error) {
	dirMu.Lock()
	return dirMu.Unlock, nil
}
