package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pricewatch.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const sampleConfig = `
data_dir: /var/lib/pricewatch
affiliate_tag: mystore-20
workers: 8
retry:
  max_attempts: 3
proxy:
  endpoints:
    - socks5://10.0.0.1:1080
    - http://10.0.0.2:8080
sources:
  - name: amazon-api
    kind: api
    endpoint: https://webservices.amazon.com/paapi5/searchitems
    access_key_env: AMZ_ACCESS_KEY
    secret_key_env: AMZ_SECRET_KEY
    partner_tag: mystore-20
    rate_per_sec: 1
    daily_cap: 8640
  - name: shopmart
    kind: browser
    endpoint: https://shopmart.example/search
    item_selector: ".result"
    selectors:
      title: ".product-title"
      price: ".price-tag"
    default_currency: EUR
`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.DataDir != "/var/lib/pricewatch" {
		t.Errorf("data_dir: got %q", cfg.DataDir)
	}
	if cfg.Workers != 8 {
		t.Errorf("workers: got %d, want 8", cfg.Workers)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("max_attempts: got %d, want 3", cfg.Retry.MaxAttempts)
	}
	if len(cfg.Sources) != 2 {
		t.Fatalf("sources: got %d, want 2", len(cfg.Sources))
	}
	if cfg.Sources[0].Kind != KindAPI {
		t.Errorf("source 0 kind: got %q", cfg.Sources[0].Kind)
	}
	if cfg.Sources[1].DefaultCurrency != "EUR" {
		t.Errorf("source 1 currency: got %q", cfg.Sources[1].DefaultCurrency)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	// Unset knobs fall back to documented defaults.
	if cfg.Retry.BackoffCap != 5*time.Minute {
		t.Errorf("backoff_cap default: got %v", cfg.Retry.BackoffCap)
	}
	if cfg.Proxy.DegradedAfter != 3 || cfg.Proxy.DeadAfter != 5 {
		t.Errorf("proxy thresholds: got %d/%d", cfg.Proxy.DegradedAfter, cfg.Proxy.DeadAfter)
	}
	if cfg.Sources[0].RatePerSec != 1 || cfg.Sources[0].DailyCap != 8640 {
		t.Errorf("source rate defaults: got %v/%d", cfg.Sources[0].RatePerSec, cfg.Sources[0].DailyCap)
	}
	if cfg.Sources[1].MaxItems != 10 {
		t.Errorf("max_items default: got %d", cfg.Sources[1].MaxItems)
	}
}

func TestLoadRejectsUnknownKind(t *testing.T) {
	bad := strings.Replace(sampleConfig, "kind: api", "kind: carrier-pigeon", 1)
	_, err := Load(writeConfig(t, bad))
	if err == nil {
		t.Fatal("expected error for unknown source kind")
	}
}

func TestLoadRejectsBrowserWithoutSelectors(t *testing.T) {
	bad := `
sources:
  - name: nosel
    kind: browser
    endpoint: https://example.com
`
	_, err := Load(writeConfig(t, bad))
	if err == nil {
		t.Fatal("expected error for browser source without selectors")
	}
}

func TestLoadRejectsDuplicateSource(t *testing.T) {
	bad := `
sources:
  - name: dup
    kind: api
    endpoint: https://a.example
  - name: dup
    kind: api
    endpoint: https://b.example
`
	_, err := Load(writeConfig(t, bad))
	if err == nil {
		t.Fatal("expected error for duplicate source name")
	}
}
