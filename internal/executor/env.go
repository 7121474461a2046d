package executor

import (
	"os"
	"strings"
)

// sanitizedPrefixes lists environment variable name prefixes unset before a
// task runs, so a task's own runtime/dependency manager invocations don't
// inherit the peer process's view of those tools.
var sanitizedPrefixes = []string{
	"RBENV_",
	"PYENV_",
	"NVM_",
	"GEM_",
	"BUNDLE_",
	"RUBYOPT",
	"RUBYLIB",
	"RAILS_ENV",
}

const rbenvVersionsPathFragment = "/versions/"

// WithSanitizedEnv runs fn with the process environment scrubbed of
// runtime/dependency-manager variables and $PATH entries that would leak
// the peer's own toolchain into a task's child process. The original
// environment is restored before returning, whether fn succeeds, fails, or
// panics.
func WithSanitizedEnv(fn func() error) error {
	original := os.Environ()
	defer restoreEnv(original)

	for _, kv := range original {
		name := strings.SplitN(kv, "=", 2)[0]
		if shouldUnset(name) {
			os.Unsetenv(name)
		}
	}

	if path, ok := os.LookupEnv("PATH"); ok {
		os.Setenv("PATH", stripRbenvVersions(path))
	}

	return fn()
}

func shouldUnset(name string) bool {
	for _, prefix := range sanitizedPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// stripRbenvVersions removes PATH entries that point into a version
// manager's per-version shims, leaving the system and group-level PATH
// intact.
func stripRbenvVersions(path string) string {
	parts := strings.Split(path, string(os.PathListSeparator))
	kept := parts[:0]
	for _, p := range parts {
		if strings.Contains(p, rbenvVersionsPathFragment) {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, string(os.PathListSeparator))
}

func restoreEnv(original []string) {
	os.Clearenv()
	for _, kv := range original {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			os.Setenv(parts[0], parts[1])
		}
	}
}
