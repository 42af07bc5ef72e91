package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 3000 {
		t.Errorf("port = %d, want 3000", cfg.Gateway.Port)
	}
	if cfg.WhatsApp.MaxAutoAttempts != 5 || cfg.WhatsApp.PairingCodeTTLSec != 30 {
		t.Errorf("whatsapp defaults = %+v", cfg.WhatsApp)
	}
}

func TestLoad_JSON5(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.json5", `{
  // comments and trailing commas are fine
  gateway: { port: 8080, token: "s3cret", },
  whatsapp: { max_auto_attempts: 3, db_dialect: "SQLite3", print_qr: false },
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 8080 || cfg.Gateway.Token != "s3cret" {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	if cfg.WhatsApp.MaxAutoAttempts != 3 {
		t.Errorf("max_auto_attempts = %d, want 3", cfg.WhatsApp.MaxAutoAttempts)
	}
	if cfg.WhatsApp.DBDialect != DialectSQLite {
		t.Errorf("dialect = %q, want sqlite", cfg.WhatsApp.DBDialect)
	}
	if cfg.WhatsApp.PrintQR {
		t.Error("print_qr = true, want false")
	}
	// Untouched keys keep defaults.
	if cfg.WhatsApp.PairingWaitMs != 1500 {
		t.Errorf("pairing_wait_ms = %d, want 1500", cfg.WhatsApp.PairingWaitMs)
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", `
gateway:
  host: 0.0.0.0
  rate_limit_rpm: 0
whatsapp:
  db_dialect: postgresql
  db_dsn: postgres://walink@localhost/walink
log:
  format: JSON
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Host != "0.0.0.0" || cfg.Gateway.RateLimitRPM != 0 {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	if cfg.WhatsApp.DBDialect != DialectPostgres {
		t.Errorf("dialect = %q, want postgres", cfg.WhatsApp.DBDialect)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("log format = %q, want json", cfg.Log.Format)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("WALINK_PORT", "9999")
	t.Setenv("WALINK_TOKEN", "from-env")
	t.Setenv("WALINK_OTEL_ENDPOINT", "collector:4317")

	path := writeFile(t, t.TempDir(), "config.json", `{"gateway": {"port": 1234, "token": "from-file"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 9999 || cfg.Gateway.Token != "from-env" {
		t.Errorf("gateway = %+v, want env values", cfg.Gateway)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Endpoint != "collector:4317" {
		t.Errorf("telemetry = %+v", cfg.Telemetry)
	}
}

func TestLoad_BadEnvNumber(t *testing.T) {
	t.Setenv("WALINK_PORT", "eighty")
	if _, err := Load(filepath.Join(t.TempDir(), "none.json")); err == nil {
		t.Error("expected error for non-numeric WALINK_PORT")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := map[string]string{
		"port":        `{"gateway": {"port": 70000}}`,
		"dialect":     `{"whatsapp": {"db_dialect": "mysql"}}`,
		"postgres":    `{"whatsapp": {"db_dialect": "postgres"}}`,
		"attempts":    `{"whatsapp": {"max_auto_attempts": 0}}`,
		"log format":  `{"log": {"format": "xml"}}`,
		"telemetry":   `{"telemetry": {"enabled": true}}`,
		"bad syntax":  `{"gateway": `,
		"wait":        `{"whatsapp": {"pairing_wait_ms": -1}}`,
		"negative rl": `{"gateway": {"rate_limit_rpm": -5}}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "config.json5", body)
			if _, err := Load(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	for _, name := range []string{"config.json", "config.yml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			cfg := Default()
			cfg.Gateway.Token = "tok"
			cfg.WhatsApp.MaxAutoAttempts = 7

			if err := Save(path, cfg); err != nil {
				t.Fatalf("Save: %v", err)
			}
			info, err := os.Stat(path)
			if err != nil {
				t.Fatalf("stat: %v", err)
			}
			if perm := info.Mode().Perm(); perm != 0600 {
				t.Errorf("perm = %o, want 600", perm)
			}

			got, err := Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if got.Gateway.Token != "tok" || got.WhatsApp.MaxAutoAttempts != 7 {
				t.Errorf("round trip lost values: %+v", got)
			}
		})
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	if got := ExpandHome("~/x/y"); got != filepath.Join(home, "x", "y") {
		t.Errorf("ExpandHome(~/x/y) = %q", got)
	}
	if got := ExpandHome("/abs/path"); got != "/abs/path" {
		t.Errorf("ExpandHome(/abs/path) = %q", got)
	}
	if got := ExpandHome("~user/x"); got != "~user/x" {
		t.Errorf("ExpandHome(~user/x) = %q", got)
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/walink.yaml")
	if got := ResolvePath(""); got != "/etc/walink.yaml" {
		t.Errorf("ResolvePath from env = %q", got)
	}
	if got := ResolvePath("/tmp/c.json"); got != "/tmp/c.json" {
		t.Errorf("ResolvePath flag = %q", got)
	}
}

func TestNormalizeDeviceName(t *testing.T) {
	tests := map[string]string{
		"":                      "Windows",
		"  Office   PC  ":       "Office PC",
		"Ubuntu <script>":       "Ubuntu script",
		"!!!":                   "Windows",
		strings.Repeat("a", 40): strings.Repeat("a", 32),
		"walink-bridge_01.prod": "walink-bridge_01.prod",
	}
	for in, want := range tests {
		if got := NormalizeDeviceName(in); got != want {
			t.Errorf("NormalizeDeviceName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeDialect(t *testing.T) {
	tests := map[string]string{
		"":           DialectSQLite,
		"SQLITE3":    DialectSQLite,
		"pgx":        DialectPostgres,
		"PostgreSQL": DialectPostgres,
		"mysql":      "mysql",
	}
	for in, want := range tests {
		if got := NormalizeDialect(in); got != want {
			t.Errorf("NormalizeDialect(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json5", `{whatsapp: {max_auto_attempts: 5}}`)

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.debounce = 20 * time.Millisecond

	got := make(chan *Config, 4)
	w.OnChange(func(cfg *Config) { got <- cfg })
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	// Unrelated files in the directory are ignored.
	writeFile(t, dir, "other.txt", "x")
	writeFile(t, dir, "config.json5", `{whatsapp: {max_auto_attempts: 9}}`)

	select {
	case cfg := <-got:
		if cfg.WhatsApp.MaxAutoAttempts != 9 {
			t.Errorf("reloaded max_auto_attempts = %d, want 9", cfg.WhatsApp.MaxAutoAttempts)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after write")
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	w, err := NewWatcher(filepath.Join(t.TempDir(), "c.json"))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	w.Stop()
	w.Stop()
}
