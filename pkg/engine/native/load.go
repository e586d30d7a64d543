//go:build darwin || linux

package native

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/ebitengine/purego"
)

var (
	loadMu sync.Mutex
	loaded = map[string]*Accel{}
)

// Load opens the engine library. An empty path searches EnvLibPath, the
// executable directory and the system library paths. A library is opened
// once per path and never closed.
func Load(path string) (*Accel, error) {
	loadMu.Lock()
	defer loadMu.Unlock()

	var lastErr error
	for _, p := range libPaths(path) {
		if a, ok := loaded[p]; ok {
			return a, nil
		}
		h, err := purego.Dlopen(p, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		lib, err := symbols(h)
		if err != nil {
			_ = purego.Dlclose(h)
			lastErr = err
			continue
		}
		a := &Accel{lib: lib, path: p}
		loaded[p] = a
		return a, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("failed to load %s: %w", libFile(), lastErr)
	}
	return nil, errors.New(libFile() + " not found")
}

func libFile() string {
	if runtime.GOOS == "darwin" {
		return "libvdec_engine.dylib"
	}
	return "libvdec_engine.so"
}

func libPaths(path string) (paths []string) {
	if path != "" {
		return []string{path}
	}
	name := libFile()
	if env := os.Getenv(EnvLibPath); env != "" {
		paths = append(paths, env)
	}
	if exe, err := os.Executable(); err == nil {
		dir := filepath.Dir(exe)
		paths = append(paths, filepath.Join(dir, name), filepath.Join(dir, "..", "lib", name))
	}
	paths = append(paths, name, filepath.Join("/usr/local/lib", name))
	if runtime.GOOS == "darwin" {
		paths = append(paths, filepath.Join("/opt/homebrew/lib", name))
	} else {
		paths = append(paths, filepath.Join("/usr/lib", name))
	}
	return
}

// symbols resolves every entry point, a missing one fails the load.
func symbols(h uintptr) (lib *library, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine library: %v", r)
		}
	}()
	lib = &library{}
	purego.RegisterLibFunc(&lib.engineOpen, h, "vdec_engine_open")
	purego.RegisterLibFunc(&lib.engineInit, h, "vdec_engine_init")
	purego.RegisterLibFunc(&lib.engineQuery, h, "vdec_engine_query")
	purego.RegisterLibFunc(&lib.engineDecode, h, "vdec_engine_decode")
	purego.RegisterLibFunc(&lib.engineReset, h, "vdec_engine_reset")
	purego.RegisterLibFunc(&lib.engineClose, h, "vdec_engine_close")

	purego.RegisterLibFunc(&lib.vppOpen, h, "vdec_vpp_open")
	purego.RegisterLibFunc(&lib.vppInit, h, "vdec_vpp_init")
	purego.RegisterLibFunc(&lib.vppQuery, h, "vdec_vpp_query")
	purego.RegisterLibFunc(&lib.vppConvert, h, "vdec_vpp_convert")
	purego.RegisterLibFunc(&lib.vppReset, h, "vdec_vpp_reset")
	purego.RegisterLibFunc(&lib.vppClose, h, "vdec_vpp_close")

	purego.RegisterLibFunc(&lib.lastError, h, "vdec_last_error")
	return lib, nil
}
