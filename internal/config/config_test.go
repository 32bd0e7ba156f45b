package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Audio.SampleRate != 16000 {
		t.Fatalf("expected default sample rate 16000, got %d", cfg.Audio.SampleRate)
	}
	if cfg.Transport.RetryBudget != 5 {
		t.Fatalf("expected default retry budget 5, got %d", cfg.Transport.RetryBudget)
	}
	if cfg.Transport.InitialBackoffMS != 2000 || cfg.Transport.MaxBackoffMS != 30000 {
		t.Fatalf("unexpected backoff defaults: %+v", cfg.Transport)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default bus server, got %v", cfg.Bus.Servers)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VERBY_BACKEND_WS_URL", "ws://calls.example.com")
	t.Setenv("VERBY_BACKEND_HTTP_URL", "http://calls.example.com")
	t.Setenv("VERBY_AUDIO_GAIN", "1.5")
	t.Setenv("VERBY_AUDIO_ECHO_CANCELLATION", "false")
	t.Setenv("VERBY_TRANSPORT_RETRY_BUDGET", "3")
	t.Setenv("VERBY_TRANSPORT_SEND_GAP_MS", "25")
	t.Setenv("VERBY_SESSION_SOURCE_LANGUAGE", "fr")
	t.Setenv("VERBY_SESSION_TARGET_LANGUAGE", "de")
	t.Setenv("VERBY_HISTORY_RETENTION_MODE", "persistent")
	t.Setenv("VERBY_HISTORY_RETENTION_DAYS", "7")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Backend.WSURL != "ws://calls.example.com" {
		t.Fatalf("expected ws url override, got %s", cfg.Backend.WSURL)
	}
	if cfg.Audio.Gain != 1.5 {
		t.Fatalf("expected gain override, got %f", cfg.Audio.Gain)
	}
	if cfg.Audio.EchoCancellation {
		t.Fatal("expected echo cancellation override false")
	}
	if cfg.Transport.RetryBudget != 3 {
		t.Fatalf("expected retry budget override, got %d", cfg.Transport.RetryBudget)
	}
	if cfg.Transport.SendGapMS != 25 {
		t.Fatalf("expected send gap override, got %d", cfg.Transport.SendGapMS)
	}
	if cfg.Session.SourceLanguage != "fr" || cfg.Session.TargetLanguage != "de" {
		t.Fatalf("expected language overrides, got %s/%s", cfg.Session.SourceLanguage, cfg.Session.TargetLanguage)
	}
	if cfg.History.RetentionMode != "persistent" || cfg.History.RetentionDays != 7 {
		t.Fatalf("expected history overrides, got %+v", cfg.History)
	}
}

func TestValidateRejectsBadGain(t *testing.T) {
	t.Setenv("VERBY_AUDIO_GAIN", "2.5")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for gain above 2")
	}
}

func TestValidateRejectsBadRetention(t *testing.T) {
	t.Setenv("VERBY_HISTORY_RETENTION_MODE", "forever")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for retention mode")
	}
}
