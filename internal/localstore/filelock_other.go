//go:build !unix && !windows

package localstore

import "os"

// No advisory locking here; only the in-process lock applies.
func tryLock(*os.File) (bool, error) { return true, nil }

func unlockFile(*os.File) error { return nil }
