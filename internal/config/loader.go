package config

import (
	"os"
	"path/filepath"
)

// defaultConfigNames are tried, in order, in each search directory.
var defaultConfigNames = []string{"config.yaml", "config.json"}

// GetConfigPath resolves which configuration file to read.
// An explicit flag value wins and is never substituted: if it does not name
// an existing file the result is empty. Otherwise ANCHORWATCH_CONFIG is used
// when it names a file, then config.yaml/config.json in the working directory
// and finally next to the executable. Empty means "run on defaults".
func GetConfigPath(flagPath string) string {
	if flagPath != "" {
		if isRegularFile(flagPath) {
			return flagPath
		}
		return ""
	}

	if env := os.Getenv(ConfigEnvVar); env != "" && isRegularFile(env) {
		return env
	}

	for _, dir := range searchDirs() {
		for _, name := range defaultConfigNames {
			if candidate := filepath.Join(dir, name); isRegularFile(candidate) {
				return candidate
			}
		}
	}
	return ""
}

func searchDirs() []string {
	var dirs []string
	if cwd, err := os.Getwd(); err == nil {
		dirs = append(dirs, cwd)
	}
	if exe, err := os.Executable(); err == nil {
		if exeDir := filepath.Dir(exe); len(dirs) == 0 || dirs[0] != exeDir {
			dirs = append(dirs, exeDir)
		}
	}
	return dirs
}

func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
