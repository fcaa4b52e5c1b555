package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 9880 {
		t.Fatalf("expected default port 9880, got %d", cfg.HTTP.Port)
	}
	if cfg.Defaults.TopK != 5 || cfg.Defaults.TextSplitMethod != "cut0" || cfg.Defaults.MediaType != "wav" {
		t.Fatalf("unexpected synthesis defaults: %+v", cfg.Defaults)
	}
	if cfg.Defaults.BatchThreshold != 0.75 {
		t.Fatalf("expected batch threshold 0.75, got %v", cfg.Defaults.BatchThreshold)
	}
}

func TestLoadCustomWeightsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tts_infer.yaml")
	doc := `
custom:
  t2s_weights_path: GPT_weights/voice-e15.ckpt
  vits_weights_path: SoVITS_weights/voice_e8_s200.pth
engine:
  mode: http
  endpoint: http://127.0.0.1:9881
http:
  port: 9999
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Custom.T2SWeightsPath != "GPT_weights/voice-e15.ckpt" {
		t.Fatalf("unexpected t2s path %q", cfg.Custom.T2SWeightsPath)
	}
	if cfg.Custom.VITSWeightsPath != "SoVITS_weights/voice_e8_s200.pth" {
		t.Fatalf("unexpected vits path %q", cfg.Custom.VITSWeightsPath)
	}
	if cfg.Engine.Mode != "http" || cfg.HTTP.Port != 9999 {
		t.Fatalf("file values not applied: %+v %+v", cfg.Engine, cfg.HTTP)
	}
	if cfg.Defaults.SpeedFactor != 1.0 {
		t.Fatalf("defaults lost when file omits them")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SOVITS_HTTP_PORT", "9001")
	t.Setenv("SOVITS_T2S_WEIGHTS_PATH", "/weights/a.ckpt")
	t.Setenv("SOVITS_VITS_WEIGHTS_PATH", "/weights/b.pth")
	t.Setenv("SOVITS_ENGINE_MODE", "exec")
	t.Setenv("SOVITS_ENGINE_COMMAND", "python worker.py --device cuda")
	t.Setenv("SOVITS_BUS_ENABLED", "true")
	t.Setenv("SOVITS_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("SOVITS_JOURNAL_RETENTION_DAYS", "7")
	t.Setenv("SOVITS_JOURNAL_RESTORE_WEIGHTS", "true")
	t.Setenv("SOVITS_DEFAULT_SPEED_FACTOR", "1.25")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 9001 {
		t.Fatalf("expected port override, got %d", cfg.HTTP.Port)
	}
	if cfg.Custom.T2SWeightsPath != "/weights/a.ckpt" || cfg.Custom.VITSWeightsPath != "/weights/b.pth" {
		t.Fatalf("expected weights override, got %+v", cfg.Custom)
	}
	if cfg.Engine.Mode != "exec" || cfg.Engine.Command != "python worker.py --device cuda" {
		t.Fatalf("expected engine override, got %+v", cfg.Engine)
	}
	if !cfg.Bus.Enabled || len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected bus override, got %+v", cfg.Bus)
	}
	if cfg.Journal.RetentionDays != 7 || !cfg.Journal.RestoreWeights {
		t.Fatalf("expected journal override, got %+v", cfg.Journal)
	}
	if cfg.Defaults.SpeedFactor != 1.25 {
		t.Fatalf("expected speed factor override, got %v", cfg.Defaults.SpeedFactor)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"engine.mode":          func(c *Config) { c.Engine.Mode = "cuda" },
		"engine.command":       func(c *Config) { c.Engine.Mode = "exec" },
		"engine.endpoint":      func(c *Config) { c.Engine.Mode = "http" },
		"http.port":            func(c *Config) { c.HTTP.Port = 0 },
		"t2s_weights_path":     func(c *Config) { c.Custom.T2SWeightsPath = "" },
		"retention_mode":       func(c *Config) { c.Journal.RetentionMode = "forever" },
		"restore_weights":      func(c *Config) { c.Journal.RetentionMode = "ephemeral"; c.Journal.RestoreWeights = true },
		"otlp_endpoint":        func(c *Config) { c.Telemetry.TraceExporter = "otlp" },
		"heartbeat_timeout":    func(c *Config) { c.Bus.Enabled = true; c.Node.HeartbeatTimeout = 1 },
		"defaults.top_k":       func(c *Config) { c.Defaults.TopK = 0 },
		"telemetry.log_format": func(c *Config) { c.Telemetry.LogFormat = "xml" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), name) {
				t.Fatalf("expected error mentioning %q, got %v", name, err)
			}
		})
	}
}
