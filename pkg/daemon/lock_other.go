//go:build !unix

package daemon

import "os"

func lockStore(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
}
