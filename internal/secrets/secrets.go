// Package secrets resolves credential references in config values.
//
// A credential field may hold a literal, an environment reference such as
// "${CALLSYNC_TOKEN}" or "${CALLSYNC_TOKEN:-fallback}", or a file reference
// such as "file:/run/secrets/callsync_token" for Docker and Kubernetes
// mounted secrets. Resolved values are never logged.
package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tphakala/callsync/internal/errors"
)

const (
	// FilePrefix marks a value that names a secret file.
	FilePrefix = "file:"

	// maxSecretFileSize bounds secret file reads; secrets are tokens and
	// passwords, not documents.
	maxSecretFileSize = 64 * 1024
)

// ExpandString expands ${VAR} and ${VAR:-default} references. A referenced
// variable that is unset and has no default is an error.
func ExpandString(s string) (string, error) {
	if s == "" {
		return "", nil
	}

	var missing []string
	expanded := os.Expand(s, func(key string) string {
		name, fallback, hasFallback := strings.Cut(key, ":-")
		if value := os.Getenv(name); value != "" {
			return value
		}
		if hasFallback {
			return fallback
		}
		missing = append(missing, name)
		return ""
	})

	if len(missing) > 0 {
		return "", configError(fmt.Sprintf("missing environment variable(s): %s", strings.Join(missing, ", ")))
	}
	return expanded, nil
}

// ReadFile reads a secret file. Trailing newlines are dropped; an empty
// file, a file writable by group or others, and anything that is not a
// regular file are errors.
func ReadFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", configError("secret file path is empty")
	}
	clean := filepath.Clean(path)

	info, err := os.Stat(clean)
	if err != nil {
		return "", errors.New(err).
			Component("secrets").
			Category(errors.CategoryFileIO).
			Context("path", clean).
			Build()
	}
	switch {
	case !info.Mode().IsRegular():
		return "", configError("secret path is not a regular file: " + clean)
	case info.Size() > maxSecretFileSize:
		return "", configError(fmt.Sprintf("secret file too large (max %d bytes): %s", maxSecretFileSize, clean))
	case info.Mode().Perm()&0o022 != 0:
		return "", configError(fmt.Sprintf("secret file is writable by group or others (%04o): %s", info.Mode().Perm(), clean))
	}

	data, err := os.ReadFile(clean)
	if err != nil {
		return "", errors.New(err).
			Component("secrets").
			Category(errors.CategoryFileIO).
			Context("path", clean).
			Build()
	}

	secret := strings.TrimRight(string(data), "\r\n")
	if secret == "" {
		return "", configError("secret file is empty: " + clean)
	}
	return secret, nil
}

// Resolve returns the value a config field refers to: the contents of a
// "file:" reference, or the value with environment references expanded.
func Resolve(value string) (string, error) {
	if path, ok := strings.CutPrefix(value, FilePrefix); ok {
		return ReadFile(path)
	}
	return ExpandString(value)
}

// ResolveAll resolves each field in place and reports the first failure
// by field name. Empty fields are left alone.
func ResolveAll(fields map[string]*string) error {
	for name, ptr := range fields {
		if ptr == nil || *ptr == "" {
			continue
		}
		v, err := Resolve(*ptr)
		if err != nil {
			return errors.New(err).
				Component("secrets").
				Category(errors.CategoryConfiguration).
				Context("field", name).
				Build()
		}
		*ptr = v
	}
	return nil
}

func configError(msg string) error {
	return errors.Newf("%s", msg).
		Component("secrets").
		Category(errors.CategoryConfiguration).
		Build()
}
