package testutils

import (
	"path/filepath"
	"runtime"
)

// ModuleRoot returns the path to the module's root directory.
func ModuleRoot() string {
	// p is the path to the caller file, in this case {MODULE_ROOT}/internal/testutils/path.go
	_, p, _, _ := runtime.Caller(0)
	// Ignores the last 3 elements -> /internal/testutils/path.go
	for range 3 {
		p = filepath.Dir(p)
	}
	return p
}
