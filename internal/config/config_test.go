package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPPort != "8081" {
		t.Errorf("expected default port 8081, got %q", cfg.HTTPPort)
	}
	if cfg.AccessTTL != 15*time.Minute {
		t.Errorf("expected 15m access ttl, got %s", cfg.AccessTTL)
	}
	if cfg.QueueBackend != "redis" {
		t.Errorf("expected redis queue backend, got %q", cfg.QueueBackend)
	}
	if cfg.CloudinaryConfigured() {
		t.Error("cloudinary should not be configured by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("ACCESS_TTL", "5m")
	t.Setenv("QUEUE_BACKEND", "memory")
	t.Setenv("CORS_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPPort != "9000" || cfg.AccessTTL != 5*time.Minute || cfg.QueueBackend != "memory" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Errorf("expected 2 origins, got %v", cfg.AllowedOrigins)
	}
}

func TestValidate(t *testing.T) {
	base := App{
		QueueBackend:  "memory",
		JWTSigningKey: "dev-signing-secret-change",
		AccessTTL:     time.Minute,
		RefreshTTL:    time.Hour,
		Timezone:      "UTC",
	}

	tests := []struct {
		name    string
		mutate  func(*App)
		wantErr bool
	}{
		{name: "valid dev", mutate: func(*App) {}},
		{name: "unknown queue", mutate: func(a *App) { a.QueueBackend = "kafka" }, wantErr: true},
		{name: "default key in prod", mutate: func(a *App) { a.Env = "production" }, wantErr: true},
		{name: "custom key in prod", mutate: func(a *App) { a.Env = "prod"; a.JWTSigningKey = "s3cret" }},
		{name: "zero ttl", mutate: func(a *App) { a.AccessTTL = 0 }, wantErr: true},
		{name: "bad timezone", mutate: func(a *App) { a.Timezone = "Mars/Olympus" }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
