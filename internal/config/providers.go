package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/toshokan-dev/toshokan/internal/provider"
)

// Provider definition file names under the data directory.
const (
	ProvidersDefaultFile    = "providers_default.json"
	ProvidersCloudflareFile = "providers_cloudflare.json"
)

// ProviderDef is one entry of a provider definition file.
type ProviderDef struct {
	ID                   string            `json:"id"`
	Name                 string            `json:"name"`
	ClassName            string            `json:"class_name"`
	URL                  string            `json:"url"`
	SupportsNSFW         bool              `json:"supports_nsfw"`
	RequiresFlareSolverr bool              `json:"requires_flaresolverr"`
	UseFlareSolverr      bool              `json:"use_flaresolverr"`
	Params               map[string]string `json:"params,omitempty"`
	Enabled              bool              `json:"enabled"`
	Priority             int               `json:"priority"`
}

// ProviderConfig maps the definition onto the provider constructor config.
func (d ProviderDef) ProviderConfig(flareSolverrURL string) provider.Config {
	return provider.Config{
		Name:            d.Name,
		ClassName:       d.ClassName,
		BaseURL:         d.URL,
		SupportsNSFW:    d.SupportsNSFW,
		UseFlareSolverr: d.UseFlareSolverr || d.RequiresFlareSolverr,
		FlareSolverrURL: flareSolverrURL,
		Params:          d.Params,
	}
}

// LoadProviders reads provider definitions from dir. providers_default.json
// is always read; providers_cloudflare.json only when a FlareSolverr
// endpoint is available, since its entries cannot work without one. A
// missing cloudflare file is tolerated, a missing default file is not.
//
// Entries lacking an id, repeating an earlier id, or requiring FlareSolverr
// when none is configured are dropped.
func LoadProviders(dir, flareSolverrURL string) ([]ProviderDef, error) {
	defs, err := readProviderFile(filepath.Join(dir, ProvidersDefaultFile))
	if err != nil {
		return nil, err
	}
	if flareSolverrURL != "" {
		cf, err := readProviderFile(filepath.Join(dir, ProvidersCloudflareFile))
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		defs = append(defs, cf...)
	}

	out := defs[:0]
	seen := make(map[string]bool, len(defs))
	for _, d := range defs {
		id := strings.ToLower(strings.TrimSpace(d.ID))
		if id == "" || seen[id] {
			continue
		}
		if d.RequiresFlareSolverr && flareSolverrURL == "" {
			continue
		}
		seen[id] = true
		out = append(out, d)
	}
	return out, nil
}

func readProviderFile(path string) ([]ProviderDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var defs []ProviderDef
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return defs, nil
}
