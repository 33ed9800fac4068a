package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [42]
  poll_timeout: 10s
logging:
  level: INFO
  console: true
storage:
  driver: sqlite
  path: ./proxybot.db
broadcast:
  gap: 50ms
proxies:
  - location: Amsterdam
    server: ams.example.net
    port: 443
    secret: ee00
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func newTestManager(path string, env map[string]string) *ConfigManager {
	m := NewConfigManager(path)
	m.getenv = func(k string) string { return env[k] }
	return m
}

func TestLoadYAML(t *testing.T) {
	m := newTestManager(writeConfig(t, "config.yaml", sampleYAML), nil)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if len(cfg.Proxies) != 1 || cfg.Proxies[0].Port != 443 {
		t.Fatalf("proxies = %+v", cfg.Proxies)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}
	if cfg.Storage.RetryMax != nil {
		t.Fatalf("retry_max = %d, want unset", *cfg.Storage.RetryMax)
	}

	m = newTestManager(writeConfig(t, "config.yaml", strings.Replace(sampleYAML, "driver: sqlite", "driver: sqlite\n  retry_max: 0", 1)), nil)
	cfg, err = m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.RetryMax == nil || *cfg.Storage.RetryMax != 0 {
		t.Fatalf("retry_max = %v, want explicit 0", cfg.Storage.RetryMax)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	m := newTestManager(writeConfig(t, "config.yaml", sampleYAML+"\nbogus: 1\n"), nil)
	if _, err := m.Parse(); err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("Parse err = %v, want unknown field bogus", err)
	}
}

func TestParseRejectsTrailingJSON(t *testing.T) {
	m := newTestManager(writeConfig(t, "config.json", `{"telegram":{"token":"x"}} {}`), nil)
	if _, err := m.Parse(); err == nil {
		t.Fatal("Parse accepted trailing data")
	}
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{EnvToken: "999:env", EnvAdminIDs: "42, 7,8"}
	m := newTestManager(writeConfig(t, "config.yaml", sampleYAML), env)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "999:env" {
		t.Fatalf("token = %q, want env override", cfg.Telegram.Token)
	}
	if want := []int64{42, 7, 8}; !reflect.DeepEqual(cfg.Telegram.OwnerUserIDs, want) {
		t.Fatalf("owners = %v, want %v", cfg.Telegram.OwnerUserIDs, want)
	}

	m = newTestManager(m.Path(), map[string]string{EnvAdminIDs: "x"})
	if _, err := m.Load(); err == nil {
		t.Fatal("invalid admin id accepted")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"ok", func(*Config) {}, ""},
		{"bad duration", func(c *Config) { c.Telegram.PollTimeout = "soon" }, "telegram.poll_timeout"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }, "storage.driver"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.dsn"},
		{"bad port", func(c *Config) { c.Proxies[0].Port = 70000 }, "out of range"},
		{"negative retries", func(c *Config) { n := -1; c.Storage.RetryMax = &n }, "retry_max"},
		{"duplicate proxy", func(c *Config) {
			c.Proxies = append(c.Proxies, ProxyEntry{Location: "B", Server: "AMS.example.net", Port: 443, Secret: "ff"})
		}, "duplicates"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{
				Storage: StorageConfig{Driver: "sqlite", Path: "x.db"},
				Proxies: []ProxyEntry{{Location: "A", Server: "ams.example.net", Port: 443, Secret: "ee"}},
			}
			tc.mut(cfg)
			err := Validate(cfg)
			if tc.want == "" {
				if err != nil {
					t.Fatalf("Validate = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate = %v, want error containing %q", err, tc.want)
			}
		})
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	path := writeConfig(t, "config.yaml", sampleYAML)
	m := newTestManager(path, nil)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	if m.reload(context.Background()) {
		t.Fatal("reload published an unchanged config")
	}

	if err := os.WriteFile(path, []byte(strings.Replace(sampleYAML, "level: INFO", "level: DEBUG", 1)), 0o600); err != nil {
		t.Fatal(err)
	}
	if !m.reload(context.Background()) {
		t.Fatal("reload did not publish a changed config")
	}
	got := <-sub
	if got.Logging.Level != "DEBUG" {
		t.Fatalf("published level = %q, want DEBUG", got.Logging.Level)
	}

	m.SetValidator(func(context.Context, *Config) error { return context.Canceled })
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	if m.reload(context.Background()) {
		t.Fatal("reload published a config the validator rejected")
	}
	if m.Get().Logging.Level != "DEBUG" {
		t.Fatal("rejected config was committed")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{Telegram: TelegramConfig{Token: "a", OwnerUserIDs: []int64{1}}}
	newCfg := &Config{Telegram: TelegramConfig{Token: "a", OwnerUserIDs: []int64{1, 2}}, Ops: OpsConfig{Enabled: true}}
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if want := []string{"ops", "telegram"}; !reflect.DeepEqual(sections, want) {
		t.Fatalf("sections = %v, want %v", sections, want)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs for changed sections")
	}
}

func TestParseRejectsMultipleYAMLDocuments(t *testing.T) {
	m := newTestManager(writeConfig(t, "config.yml", sampleYAML+"---\nlogging: {}\n"), nil)
	if _, err := m.Parse(); err == nil || !strings.Contains(err.Error(), "multiple documents") {
		t.Fatalf("Parse err = %v, want multiple documents", err)
	}
	m = newTestManager(writeConfig(t, "config.yaml", ""), nil)
	if _, err := m.Parse(); err == nil {
		t.Fatal("Parse accepted an empty file")
	}
}

func TestParseDurationField(t *testing.T) {
	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{" 50ms ", 50 * time.Millisecond, false},
		{"1h30m", 90 * time.Minute, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"1.5d", 0, true},
		{"-1s", 0, true},
		{"soon", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseDurationField("x", tc.raw)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("ParseDurationField(%q) = %v, %v", tc.raw, got, err)
		}
	}
	if d, _ := ParseDurationOrDefault("x", "", time.Second); d != time.Second {
		t.Fatalf("default not applied: %v", d)
	}
}
