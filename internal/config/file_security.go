package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var sensitivePatterns = []string{
	"password",
	"pass=",
	"secret",
	"token",
	"credential",
	"sslkey",
}

// ContainsSensitiveData reports whether configuration content appears to
// hold credentials.
func ContainsSensitiveData(content []byte) bool {
	lower := strings.ToLower(string(content))
	for _, pattern := range sensitivePatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	// user:password@host in a DSN or URL.
	if at := strings.Index(lower, "@"); at > 0 {
		userinfo := lower[:at]
		if i := strings.LastIndex(userinfo, "//"); i >= 0 {
			userinfo = userinfo[i+2:]
		}
		return strings.Contains(userinfo, ":")
	}
	return false
}

// writeConfigFile writes a configuration file, owner-only when it holds
// credentials.
func writeConfigFile(filePath string, content []byte, sensitive bool) error {
	if filePath == "" {
		return fmt.Errorf("config file path cannot be empty")
	}
	if err := NewSecurityValidator().ValidatePath(filePath, "config_file"); err != nil {
		return fmt.Errorf("invalid config file path: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var fileMode os.FileMode = 0644
	if sensitive {
		fileMode = 0600
	}
	if err := os.WriteFile(filePath, content, fileMode); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(filePath, fileMode); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}
	return nil
}
