package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// SecurityConfig holds security validation settings
type SecurityConfig struct {
	MaxConfigFileSize   int64    // Maximum config file size
	BlockedPathPatterns []string // Blocked path patterns
}

// DefaultSecurityConfig returns secure default security settings
func DefaultSecurityConfig() *SecurityConfig {
	return &SecurityConfig{
		MaxConfigFileSize: 1024 * 1024, // 1MB
		BlockedPathPatterns: []string{
			"../",
			"..\\",
			"/etc/passwd",
			"/etc/shadow",
			"/proc/",
			"/sys/",
			"/dev/",
			"~/.ssh/",
		},
	}
}

// SecurityValidator checks configuration values that end up in paths,
// addresses and hostnames.
type SecurityValidator struct {
	config *SecurityConfig
}

// NewSecurityValidator creates a new security validator
func NewSecurityValidator() *SecurityValidator {
	return &SecurityValidator{config: DefaultSecurityConfig()}
}

var hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)

// ValidatePath validates file paths for security issues
func (sv *SecurityValidator) ValidatePath(path, fieldName string) error {
	if path == "" {
		return nil
	}
	if err := sv.CheckPathTraversal(path); err != nil {
		return fmt.Errorf("path traversal detected in %s: %w", fieldName, err)
	}
	if err := sv.CheckBlockedPatterns(path); err != nil {
		return fmt.Errorf("blocked path pattern in %s: %w", fieldName, err)
	}
	if err := sv.CheckSymlinkAttack(path); err != nil {
		return fmt.Errorf("symlink attack detected in %s: %w", fieldName, err)
	}
	if len(path) > 4096 {
		return fmt.Errorf("path too long in %s: %d characters (max 4096)", fieldName, len(path))
	}
	return nil
}

// ValidatePort validates port numbers
func (sv *SecurityValidator) ValidatePort(port int, fieldName string) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port for %s: %d (must be 1-65535)", fieldName, port)
	}
	return nil
}

// ValidateNetworkAddress validates host:port listen addresses
func (sv *SecurityValidator) ValidateNetworkAddress(addr, fieldName string) error {
	if addr == "" {
		return fmt.Errorf("network address cannot be empty for %s", fieldName)
	}
	if err := sv.checkInjectionPatterns(addr); err != nil {
		return fmt.Errorf("injection pattern detected in %s: %w", fieldName, err)
	}
	if err := sv.validateAddressFormat(addr); err != nil {
		return fmt.Errorf("invalid address format for %s: %w", fieldName, err)
	}
	return nil
}

// ValidateHostname validates hostnames for security
func (sv *SecurityValidator) ValidateHostname(hostname, fieldName string) error {
	if hostname == "" {
		return fmt.Errorf("hostname cannot be empty for %s", fieldName)
	}
	if err := sv.checkInjectionPatterns(hostname); err != nil {
		return fmt.Errorf("injection pattern detected in %s: %w", fieldName, err)
	}
	if err := sv.validateHostnameFormat(hostname); err != nil {
		return fmt.Errorf("invalid hostname format for %s: %w", fieldName, err)
	}
	return nil
}

// CheckPathTraversal checks for directory traversal attacks
func (sv *SecurityValidator) CheckPathTraversal(path string) error {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("parent directory reference detected: %s", path)
		}
	}
	return nil
}

// CheckBlockedPatterns checks for blocked path patterns
func (sv *SecurityValidator) CheckBlockedPatterns(path string) error {
	lowerPath := strings.ToLower(path)
	for _, pattern := range sv.config.BlockedPathPatterns {
		if strings.Contains(lowerPath, strings.ToLower(pattern)) {
			return fmt.Errorf("blocked pattern detected: %s", pattern)
		}
	}
	return nil
}

// CheckSymlinkAttack follows symlinks and applies the path checks to their
// targets.
func (sv *SecurityValidator) CheckSymlinkAttack(path string) error {
	for range 16 {
		info, err := os.Lstat(path)
		if err != nil || info.Mode()&os.ModeSymlink == 0 {
			return nil
		}
		target, err := os.Readlink(path)
		if err != nil {
			return fmt.Errorf("cannot read symlink target: %w", err)
		}
		if err := sv.CheckPathTraversal(target); err != nil {
			return fmt.Errorf("symlink target contains path traversal: %w", err)
		}
		if err := sv.CheckBlockedPatterns(target); err != nil {
			return fmt.Errorf("symlink target contains blocked pattern: %w", err)
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(path), target)
		}
		path = target
	}
	return fmt.Errorf("too many levels of symbolic links: %s", path)
}

// checkInjectionPatterns checks for shell and script injection patterns
func (sv *SecurityValidator) checkInjectionPatterns(input string) error {
	injectionPatterns := []string{
		"../",
		"..\\",
		"<script",
		"javascript:",
		"${",
		"$(",
		"`",
		";",
		"|",
		"&",
	}

	lowerInput := strings.ToLower(input)
	for _, pattern := range injectionPatterns {
		if strings.Contains(lowerInput, pattern) {
			return fmt.Errorf("injection pattern detected: %s", pattern)
		}
	}
	return nil
}

func (sv *SecurityValidator) validateAddressFormat(addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port: %s", portStr)
	}
	if err := sv.ValidatePort(port, "port"); err != nil {
		return err
	}
	if host != "" && net.ParseIP(host) == nil {
		return sv.ValidateHostname(host, "hostname")
	}
	return nil
}

func (sv *SecurityValidator) validateHostnameFormat(hostname string) error {
	if len(hostname) == 0 || len(hostname) > 253 {
		return fmt.Errorf("hostname length invalid: %d (must be 1-253)", len(hostname))
	}
	if hostname == "localhost" || net.ParseIP(hostname) != nil {
		return nil
	}
	if !hostnameRegex.MatchString(hostname) {
		return fmt.Errorf("invalid hostname format: %s", hostname)
	}
	return nil
}

// ValidateConfigFileSize validates the size of the configuration file
func (sv *SecurityValidator) ValidateConfigFileSize(filePath string) error {
	info, err := os.Stat(filePath)
	if err != nil {
		return fmt.Errorf("cannot stat config file: %w", err)
	}
	if info.Size() > sv.config.MaxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max: %d)", info.Size(), sv.config.MaxConfigFileSize)
	}
	return nil
}

// SanitizePath sanitizes a file path for safe use
func (sv *SecurityValidator) SanitizePath(path string) string {
	path = strings.ReplaceAll(path, "\x00", "")
	return filepath.Clean(path)
}

// SanitizeString removes null bytes and control characters
func (sv *SecurityValidator) SanitizeString(str string) string {
	var result strings.Builder
	for _, r := range str {
		if r >= 32 || r == '\t' {
			result.WriteRune(r)
		}
	}
	return result.String()
}
