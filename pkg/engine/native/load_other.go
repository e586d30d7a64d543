//go:build !(darwin || linux)

package native

import (
	"fmt"
	"runtime"

	"github.com/vdecode/vdec/pkg/engine"
)

func Load(string) (*Accel, error) {
	return nil, fmt.Errorf("%w: no engine library on %s", engine.ErrUnsupported, runtime.GOOS)
}
