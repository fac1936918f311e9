package config

import "testing"

// The SSRF guard must be on unless a deployment opts out explicitly:
// handlers only construct the URL validator when this flag is set, so a
// false default would fetch user-supplied URLs unscreened.
func TestBlockPrivateURLsDefaultsOn(t *testing.T) {
	cfg, err := Load("test-service")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.Handlers.BlockPrivateURLs {
		t.Error("BLOCK_PRIVATE_URLS must default to true")
	}
}

func TestBlockPrivateURLsExplicitOptOut(t *testing.T) {
	t.Setenv("BLOCK_PRIVATE_URLS", "false")

	cfg, err := Load("test-service")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Handlers.BlockPrivateURLs {
		t.Error("BLOCK_PRIVATE_URLS=false should disable the guard")
	}
}

func TestGetEnvBoolIgnoresMalformedValues(t *testing.T) {
	t.Setenv("BLOCK_PRIVATE_URLS", "sometimes")

	cfg, err := Load("test-service")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.Handlers.BlockPrivateURLs {
		t.Error("malformed value should fall back to the secure default")
	}
}
