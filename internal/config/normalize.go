package config

import (
	"regexp"
	"strings"
)

// Credential store dialects.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

const DefaultDeviceName = "Windows"

var (
	invalidNameChars = regexp.MustCompile(`[^A-Za-z0-9 ._-]+`)
	repeatedSpaces   = regexp.MustCompile(`\s{2,}`)
)

// Normalize lowercases enum-like values, maps dialect aliases and cleans the
// device name. It never fails; Validate reports what is still wrong.
func (c *Config) Normalize() {
	c.WhatsApp.DBDialect = NormalizeDialect(c.WhatsApp.DBDialect)
	c.WhatsApp.DeviceName = NormalizeDeviceName(c.WhatsApp.DeviceName)
	c.WhatsApp.LogLevel = strings.ToLower(strings.TrimSpace(c.WhatsApp.LogLevel))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	c.Telemetry.Protocol = strings.ToLower(strings.TrimSpace(c.Telemetry.Protocol))
	c.Gateway.Host = strings.TrimSpace(c.Gateway.Host)
}

// NormalizeDialect maps driver names and aliases onto DialectSQLite or
// DialectPostgres. Empty means sqlite. Unknown values are returned lowercased.
func NormalizeDialect(d string) string {
	switch lower := strings.ToLower(strings.TrimSpace(d)); lower {
	case "", "sqlite", "sqlite3":
		return DialectSQLite
	case "postgres", "postgresql", "pgx", "pg":
		return DialectPostgres
	default:
		return lower
	}
}

// NormalizeDeviceName turns a user-provided name into the OS label shown under
// "Linked devices" on the phone:
//   - Only letters, digits, space, dot, underscore and dash
//   - Runs of whitespace collapsed, max 32 chars
//   - Empty result defaults to "Windows"
func NormalizeDeviceName(name string) string {
	result := invalidNameChars.ReplaceAllString(name, "")
	result = repeatedSpaces.ReplaceAllString(result, " ")
	result = strings.TrimSpace(result)

	if len(result) > 32 {
		result = strings.TrimSpace(result[:32])
	}
	if result == "" {
		return DefaultDeviceName
	}
	return result
}
