package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
)

func writeConf(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chainstate.conf")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Horizon.Schwarzschild < cfg.Horizon.Branching {
		t.Fatalf("schwarzschild %d below branching %d", cfg.Horizon.Schwarzschild, cfg.Horizon.Branching)
	}
}

func TestLoadFile_Sections(t *testing.T) {
	path := writeConf(t, `
# comment
datadir = "/tmp/cs"

[horizon]
branching = 10
schwarzschild = 40

[log]
level = debug
json = yes
`)
	values, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{
		"datadir":               "/tmp/cs",
		"horizon.branching":     "10",
		"horizon.schwarzschild": "40",
		"log.level":             "debug",
		"log.json":              "yes",
	}
	if len(values) != len(want) {
		t.Fatalf("got %d values, want %d: %v", len(values), len(want), values)
	}
	for k, v := range want {
		if values[k] != v {
			t.Errorf("%s = %q, want %q", k, values[k], v)
		}
	}

	cfg := Default()
	if err := ApplyFileConfig(cfg, values); err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir != "/tmp/cs" || cfg.Horizon.Branching != 10 || cfg.Horizon.Schwarzschild != 40 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Log.Level != "debug" || !cfg.Log.JSON {
		t.Fatalf("unexpected log config: %+v", cfg.Log)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	values, err := LoadFile(filepath.Join(t.TempDir(), "nope.conf"))
	if err != nil {
		t.Fatal(err)
	}
	if len(values) != 0 {
		t.Fatalf("expected no values, got %v", values)
	}
}

func TestLoadFile_BadLines(t *testing.T) {
	for _, content := range []string{"novalue\n", "[horizon\n", " = 3\n"} {
		if _, err := LoadFile(writeConf(t, content)); err == nil {
			t.Errorf("expected error for %q", content)
		}
	}
}

func TestApplyFileConfig_BadNumber(t *testing.T) {
	cfg := Default()
	if err := ApplyFileConfig(cfg, map[string]string{"horizon.branching": "ten"}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Horizon.Branching = 100
	cfg.Horizon.Schwarzschild = 10
	if err := Validate(cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Horizon.Schwarzschild != 100 {
		t.Fatalf("schwarzschild not clamped: %d", cfg.Horizon.Schwarzschild)
	}

	cfg = Default()
	cfg.Horizon.Branching = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for zero branching horizon")
	}

	cfg = Default()
	cfg.Cache.MMRNodes = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for zero cache")
	}

	cfg = Default()
	cfg.Log.Level = "loud"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown log level")
	}

	if err := Validate(nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	conf := writeConf(t, "[horizon]\nbranching = 20\nschwarzschild = 30\n[cache]\nmmrnodes = 7\n")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	f := BindFlags(fs)
	if err := fs.Parse([]string{"--datadir", dir, "-c", conf, "--schwarzschild", "50"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(f)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir != dir {
		t.Errorf("datadir = %q, want %q", cfg.DataDir, dir)
	}
	if cfg.Horizon.Branching != 20 {
		t.Errorf("branching = %d, want 20 from file", cfg.Horizon.Branching)
	}
	if cfg.Horizon.Schwarzschild != 50 {
		t.Errorf("schwarzschild = %d, want 50 from flag", cfg.Horizon.Schwarzschild)
	}
	if cfg.Cache.MMRNodes != 7 {
		t.Errorf("mmrnodes = %d, want 7", cfg.Cache.MMRNodes)
	}

	// First load writes the default config file and creates the state dir.
	if _, err := os.Stat(cfg.ConfigFile()); err != nil {
		t.Errorf("default config not written: %v", err)
	}
	if _, err := os.Stat(cfg.StateDir()); err != nil {
		t.Errorf("state dir not created: %v", err)
	}

	opts := cfg.ProcessorOptions()
	if opts.Horizon.Branching != 20 || opts.Horizon.Schwarzschild != 50 || opts.CacheSize != 7 {
		t.Errorf("unexpected processor options: %+v", opts)
	}
}

func TestWriteDefaultConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chainstate.conf")
	if err := WriteDefaultConfig(path); err != nil {
		t.Fatal(err)
	}
	values, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg := Default()
	want := *cfg
	if err := ApplyFileConfig(cfg, values); err != nil {
		t.Fatal(err)
	}
	if cfg.Horizon != want.Horizon || cfg.Cache != want.Cache || cfg.Log != want.Log {
		t.Fatalf("default file changed config: got %+v want %+v", cfg, want)
	}
}
