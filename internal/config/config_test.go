package config

import "testing"

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/docify")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
}

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without DATABASE_URL")
	}
}

func TestLoad_RequiresRedisURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/docify")
	t.Setenv("REDIS_URL", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without REDIS_URL")
	}
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("GOOGLE_CLOUD_PROJECT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.EmbeddingDimensions != 384 {
		t.Errorf("EmbeddingDimensions = %d, want 384", cfg.EmbeddingDimensions)
	}
	if cfg.DefaultTopK != 20 || cfg.DefaultContextTokens != 4000 || cfg.DefaultLLMMaxTokens != 1500 {
		t.Errorf("pipeline defaults wrong: %+v", cfg)
	}
	if cfg.DefaultTemperature != 0.3 {
		t.Errorf("DefaultTemperature = %v, want 0.3", cfg.DefaultTemperature)
	}
	if cfg.JobMaxAttempts != 3 {
		t.Errorf("JobMaxAttempts = %d, want 3", cfg.JobMaxAttempts)
	}
	if cfg.WorkerHardLimitSecs != 600 || cfg.WorkerSoftLimitSecs != 540 {
		t.Errorf("worker limits = %d/%d, want 600/540", cfg.WorkerHardLimitSecs, cfg.WorkerSoftLimitSecs)
	}
	if !cfg.QueryExpansionOn {
		t.Error("query expansion should default on")
	}
}

func TestLoad_ProductionRequiresProject(t *testing.T) {
	setRequired(t)
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("GOOGLE_CLOUD_PROJECT", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error in production without GOOGLE_CLOUD_PROJECT")
	}
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("DEFAULT_LLM_PROVIDER", "anthropic")
	t.Setenv("DEFAULT_TOP_K", "50")
	t.Setenv("HAS_GPU", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.DefaultProvider != "anthropic" || cfg.DefaultTopK != 50 || !cfg.HasGPU {
		t.Errorf("overrides not applied: %+v", cfg)
	}
}

func TestLoad_MalformedIntFallsBack(t *testing.T) {
	setRequired(t)
	t.Setenv("DEFAULT_TOP_K", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.DefaultTopK != 20 {
		t.Errorf("DefaultTopK = %d, want fallback 20", cfg.DefaultTopK)
	}
}
