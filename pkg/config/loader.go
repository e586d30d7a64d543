package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/kkyr/fig"
)

const (
	EnvPrefix = "VDEC"
	FileName  = "config.yaml"
)

// LoadConfig loads a configuration file into the given struct.
// The path param specifies a custom directory of the configuration file.
// Reads and puts environment variables with the prefix VDEC_.
// Params from the config should be in uppercase separated with _.
// A missing file is not an error, the defaults and the environment are used.
// It returns the directories that were searched.
func LoadConfig(config any, path string) ([]string, error) {
	dirs := []string{path}
	if path == "" {
		dirs = append(dirs, ".", "configs")
		if home, err := os.UserHomeDir(); err == nil {
			dirs = append(dirs, filepath.Join(home, ".vdec"))
		}
	}
	err := fig.Load(config, fig.File(FileName), fig.Dirs(dirs...), fig.UseEnv(EnvPrefix))
	if errors.Is(err, fig.ErrFileNotFound) {
		err = LoadConfigEnv(config)
	}
	return dirs, err
}

func LoadConfigEnv(config any) error {
	return fig.Load(config, fig.IgnoreFile(), fig.UseEnv(EnvPrefix))
}

// Locate returns the first existing config file in dirs.
func Locate(dirs []string) (string, bool) {
	for _, d := range dirs {
		p := filepath.Join(d, FileName)
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p, true
		}
	}
	return "", false
}
