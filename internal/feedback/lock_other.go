//go:build !unix

package feedback

import "os"

// Without flock only the in-process mutex serializes writers.
func lockFile(*os.File) error   { return nil }
func unlockFile(*os.File) error { return nil }
