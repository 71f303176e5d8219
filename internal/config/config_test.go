package config

import (
	"testing"
	"time"

	"github.com/pion/logging"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != "127.0.0.1:8787" {
		t.Errorf("listen addr default: %q", cfg.ListenAddr)
	}
	if len(cfg.STUNServers) != 1 || cfg.STUNServers[0] != "stun:stun.l.google.com:19302" {
		t.Errorf("stun defaults: %v", cfg.STUNServers)
	}
	if cfg.FrameRate != 30 {
		t.Errorf("frame rate default: %d", cfg.FrameRate)
	}
	if cfg.LogLevel != logging.LogLevelInfo {
		t.Errorf("log level default: %v", cfg.LogLevel)
	}
	if cfg.StartBitrate != 0 || cfg.NegotiationTimeout != 0 {
		t.Errorf("expected zero values to defer to component defaults: %+v", cfg)
	}
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("DESK_SIGNAL_URL", "ws://host.local:8787/ws")
	t.Setenv("DESK_LISTEN_ADDR", "0.0.0.0:9000")
	t.Setenv("DESK_STUN_URLS", "stun:a.example:3478, stun:b.example:3478")
	t.Setenv("DESK_START_BITRATE", "2500000")
	t.Setenv("DESK_MIN_BITRATE", "300000")
	t.Setenv("DESK_MAX_BITRATE", "8000000")
	t.Setenv("DESK_NEGOTIATION_TIMEOUT", "30s")
	t.Setenv("DESK_FRAME_RATE", "60")
	t.Setenv("DESK_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.SignalURL != "ws://host.local:8787/ws" {
		t.Errorf("signal url: %q", cfg.SignalURL)
	}
	if cfg.ListenAddr != "0.0.0.0:9000" {
		t.Errorf("listen addr: %q", cfg.ListenAddr)
	}
	if len(cfg.STUNServers) != 2 || cfg.STUNServers[1] != "stun:b.example:3478" {
		t.Errorf("stun servers: %v", cfg.STUNServers)
	}
	if cfg.StartBitrate != 2_500_000 || cfg.MinBitrate != 300_000 || cfg.MaxBitrate != 8_000_000 {
		t.Errorf("bitrates: %+v", cfg)
	}
	if cfg.NegotiationTimeout != 30*time.Second {
		t.Errorf("negotiation timeout: %v", cfg.NegotiationTimeout)
	}
	if cfg.FrameRate != 60 {
		t.Errorf("frame rate: %d", cfg.FrameRate)
	}
	if cfg.LogLevel != logging.LogLevelDebug {
		t.Errorf("log level: %v", cfg.LogLevel)
	}
}

func TestLoad_RejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"DESK_START_BITRATE":       "fast",
		"DESK_MIN_BITRATE":         "-1",
		"DESK_NEGOTIATION_TIMEOUT": "soon",
		"DESK_FRAME_RATE":          "0",
		"DESK_LOG_LEVEL":           "loud",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%q", key, value)
			}
		})
	}
}
