package config

import (
	"os"
	"path/filepath"
	"testing"
)

const defaultProviders = `[
  {"id": "alpha", "name": "Alpha", "class_name": "selector", "url": "https://alpha.example", "enabled": true, "priority": 1, "params": {"search_path": "/?s=%s"}},
  {"id": "beta", "name": "Beta", "class_name": "selector", "url": "https://beta.example", "supports_nsfw": true, "enabled": false, "priority": 2},
  {"id": "gated", "name": "Gated", "class_name": "selector", "url": "https://gated.example", "requires_flaresolverr": true, "enabled": true, "priority": 3}
]`

const cloudflareProviders = `[
  {"id": "cf1", "name": "CFOne", "class_name": "selector", "url": "https://cf1.example", "requires_flaresolverr": true, "use_flaresolverr": true, "enabled": true, "priority": 5},
  {"id": "ALPHA", "name": "Alpha Again", "class_name": "selector", "url": "https://dup.example", "enabled": true, "priority": 9}
]`

func writeProviderFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func providerIDs(defs []ProviderDef) []string {
	ids := make([]string, len(defs))
	for i, d := range defs {
		ids[i] = d.ID
	}
	return ids
}

func TestLoadProvidersDefaultOnly(t *testing.T) {
	dir := t.TempDir()
	writeProviderFile(t, dir, ProvidersDefaultFile, defaultProviders)
	writeProviderFile(t, dir, ProvidersCloudflareFile, cloudflareProviders)

	defs, err := LoadProviders(dir, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// Without FlareSolverr the cloudflare file is ignored and entries
	// requiring it are dropped.
	if ids := providerIDs(defs); len(ids) != 2 || ids[0] != "alpha" || ids[1] != "beta" {
		t.Fatalf("ids = %v, want [alpha beta]", ids)
	}
	if defs[0].Params["search_path"] != "/?s=%s" {
		t.Fatalf("params = %v", defs[0].Params)
	}
}

func TestLoadProvidersWithFlareSolverr(t *testing.T) {
	dir := t.TempDir()
	writeProviderFile(t, dir, ProvidersDefaultFile, defaultProviders)
	writeProviderFile(t, dir, ProvidersCloudflareFile, cloudflareProviders)

	defs, err := LoadProviders(dir, "http://solver:8191")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// The duplicate ALPHA entry from the cloudflare file loses to the
	// default-file alpha; ids compare case-insensitively.
	want := []string{"alpha", "beta", "gated", "cf1"}
	got := providerIDs(defs)
	if len(got) != len(want) {
		t.Fatalf("ids = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ids = %v, want %v", got, want)
		}
	}
}

func TestLoadProvidersMissingCloudflareFile(t *testing.T) {
	dir := t.TempDir()
	writeProviderFile(t, dir, ProvidersDefaultFile, defaultProviders)

	defs, err := LoadProviders(dir, "http://solver:8191")
	if err != nil {
		t.Fatalf("missing cloudflare file must be tolerated: %v", err)
	}
	if len(defs) != 3 {
		t.Fatalf("defs = %v, want 3 entries", providerIDs(defs))
	}
}

func TestLoadProvidersMissingDefaultFile(t *testing.T) {
	if _, err := LoadProviders(t.TempDir(), ""); err == nil {
		t.Fatal("want error when the default file is missing")
	}
}

func TestLoadProvidersMalformed(t *testing.T) {
	dir := t.TempDir()
	writeProviderFile(t, dir, ProvidersDefaultFile, `{"not": "a list"}`)
	if _, err := LoadProviders(dir, ""); err == nil {
		t.Fatal("want error for malformed provider file")
	}
}

func TestProviderConfigMapping(t *testing.T) {
	d := ProviderDef{
		ID:                   "gated",
		Name:                 "Gated",
		ClassName:            "selector",
		URL:                  "https://gated.example",
		SupportsNSFW:         true,
		RequiresFlareSolverr: true,
		Params:               map[string]string{"search_path": "/find/%s"},
	}
	pc := d.ProviderConfig("http://solver:8191")
	if pc.Name != "Gated" || pc.ClassName != "selector" || pc.BaseURL != "https://gated.example" {
		t.Fatalf("config = %+v", pc)
	}
	if !pc.UseFlareSolverr || pc.FlareSolverrURL != "http://solver:8191" {
		t.Fatal("requires_flaresolverr must force the FlareSolverr path")
	}
	if !pc.SupportsNSFW || pc.Params["search_path"] != "/find/%s" {
		t.Fatalf("config = %+v", pc)
	}
}
