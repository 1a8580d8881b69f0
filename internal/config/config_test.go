package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadProvidersReturnsDefaultsWhenPathEmpty(t *testing.T) {
	pc, err := LoadProviders("")
	if err != nil {
		t.Fatalf("LoadProviders: %v", err)
	}
	if len(pc.Providers) != 1 || pc.Providers[0].Name != "default" {
		t.Fatalf("expected default providers, got %+v", pc)
	}
}

func TestLoadProvidersRejectsNonPositiveBucketCapacity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "providers.yaml")
	yaml := "providers:\n  - name: openai\n    bucket_capacity: 0\n    refill_per_second: 1\n"
	if err := os.WriteFile(path, []byte(yaml), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadProviders(path); err == nil {
		t.Fatal("expected validation error for zero bucket_capacity")
	}
}

func TestLoadProvidersAcceptsValidPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "providers.yaml")
	yaml := "providers:\n  - name: openai\n    bucket_capacity: 10\n    refill_per_second: 2\n"
	if err := os.WriteFile(path, []byte(yaml), 0600); err != nil {
		t.Fatal(err)
	}

	pc, err := LoadProviders(path)
	if err != nil {
		t.Fatalf("LoadProviders: %v", err)
	}
	if len(pc.Providers) != 1 || pc.Providers[0].Name != "openai" {
		t.Fatalf("expected one openai provider, got %+v", pc)
	}
}
