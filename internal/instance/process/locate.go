package process

import (
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// DefaultInterpreter is the last-resort interpreter, looked up on PATH at
// spawn time.
const DefaultInterpreter = "python3"

// Candidates returns the interpreter candidates for the config in preference
// order: the configured interpreter, then virtual environments next to and
// inside BaseDir, then bare system interpreter names. A configured bare name
// is looked up on PATH and is the only candidate.
func (c Config) Candidates() []string {
	var out []string
	switch {
	case c.Interpreter == "":
	case isPath(c.Interpreter):
		out = append(out, c.resolve(c.Interpreter))
	default:
		return []string{c.Interpreter}
	}
	return append(out, DefaultCandidates(c.BaseDir)...)
}

// DefaultCandidates lists the standard interpreter locations for a project
// rooted one level above baseDir.
func DefaultCandidates(baseDir string) []string {
	if baseDir == "" {
		baseDir = "."
	}
	parent := filepath.Join(baseDir, "..")
	return []string{
		filepath.Join(parent, ".venv", "Scripts", "python.exe"),
		filepath.Join(parent, ".venv", "bin", "python3"),
		filepath.Join(parent, ".venv", "bin", "python"),
		filepath.Join(baseDir, ".venv", "Scripts", "python.exe"),
		filepath.Join(baseDir, ".venv", "bin", "python3"),
		"python3",
		"python",
	}
}

// ResolveInterpreter returns the first path candidate that exists on fs as a
// regular file. Bare names such as "python3" are never probed. If no path
// candidate exists, the first bare name is returned (DefaultInterpreter if
// there is none) and the spawn is left to fail if it is not on PATH.
func ResolveInterpreter(fs afero.Fs, candidates []string) string {
	fallback := ""
	for _, c := range candidates {
		if !isPath(c) {
			if fallback == "" {
				fallback = c
			}
			continue
		}
		info, err := fs.Stat(c)
		if err == nil && !info.IsDir() {
			return c
		}
	}
	if fallback == "" {
		return DefaultInterpreter
	}
	return fallback
}

func isPath(name string) bool {
	return strings.ContainsRune(name, '/') || strings.ContainsRune(name, filepath.Separator)
}
