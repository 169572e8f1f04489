package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("SEQUENCER_BACKEND", "Redis")
	t.Setenv("SALE_CACHE_TTL_SECONDS", "-5")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("PHONE_REGION", " us ")

	cfg := Load()
	if cfg.Address() != ":8080" {
		t.Fatalf("expected default port, got %q", cfg.Address())
	}
	if cfg.SequencerBackend != SequencerRedis {
		t.Fatalf("expected redis sequencer, got %q", cfg.SequencerBackend)
	}
	if cfg.SaleCacheTTLSeconds != 300 {
		t.Fatalf("expected ttl fallback 300, got %d", cfg.SaleCacheTTLSeconds)
	}
	if cfg.RedisDB != 3 {
		t.Fatalf("expected redis db 3, got %d", cfg.RedisDB)
	}
	if cfg.PhoneRegion != "US" {
		t.Fatalf("expected phone region US, got %q", cfg.PhoneRegion)
	}
}

func TestLoadKeepsUnknownSequencerBackend(t *testing.T) {
	t.Setenv("SEQUENCER_BACKEND", " Etcd ")

	if got := Load().SequencerBackend; got != "etcd" {
		t.Fatalf("expected unknown backend to be kept, got %q", got)
	}
}

func TestLoadDefaultsBlankSequencerBackendToStore(t *testing.T) {
	t.Setenv("SEQUENCER_BACKEND", "")

	if got := Load().SequencerBackend; got != SequencerStore {
		t.Fatalf("expected store sequencer, got %q", got)
	}
}
