package model

import (
	"strings"
	"testing"
)

// TestCatalog_Resolve verifies alias resolution falls through to the
// original name when no alias matches.
func TestCatalog_Resolve(t *testing.T) {
	c := DefaultCatalog()

	if got := c.Resolve("claude-3.5-sonnet"); got != "claude-3-5-sonnet-20241022" {
		t.Errorf("expected alias to resolve to pinned snapshot, got %q", got)
	}
	if got := c.Resolve("gpt-4o"); got != "gpt-4o" {
		t.Errorf("expected non-alias to pass through, got %q", got)
	}
}

// TestCatalog_Validate verifies provider lookup and the unknown-model error.
func TestCatalog_Validate(t *testing.T) {
	c := DefaultCatalog()

	t.Run("known models map to providers", func(t *testing.T) {
		cases := map[string]Provider{
			"gpt-4o-mini":                ProviderOpenAI,
			"claude-3-5-sonnet-20241022": ProviderAnthropic,
			"gemini-1.5-flash":           ProviderGemini,
		}
		for name, want := range cases {
			got, err := c.Validate(name)
			if err != nil {
				t.Fatalf("Validate(%q) returned error: %v", name, err)
			}
			if got != want {
				t.Errorf("Validate(%q) = %s, want %s", name, got, want)
			}
		}
	})

	t.Run("empty name is allowed", func(t *testing.T) {
		if _, err := c.Validate(""); err != nil {
			t.Errorf("expected empty name to be valid, got %v", err)
		}
	})

	t.Run("unknown model lists known ones", func(t *testing.T) {
		_, err := c.Validate("gpt-99")
		if err == nil {
			t.Fatal("expected error for unknown model")
		}
		if !strings.Contains(err.Error(), "gpt-4o") {
			t.Errorf("expected error to name known models, got %q", err.Error())
		}
	})

	t.Run("alias validates via resolution", func(t *testing.T) {
		got, err := c.Validate("claude-3.5-sonnet")
		if err != nil {
			t.Fatalf("expected alias to validate, got %v", err)
		}
		if got != ProviderAnthropic {
			t.Errorf("expected anthropic, got %s", got)
		}
	})
}

// TestCatalog_Register verifies runtime registration of new models.
func TestCatalog_Register(t *testing.T) {
	c := DefaultCatalog()
	c.Register("gpt-future", ProviderOpenAI)

	got, err := c.Validate("gpt-future")
	if err != nil {
		t.Fatalf("expected registered model to validate, got %v", err)
	}
	if got != ProviderOpenAI {
		t.Errorf("expected openai, got %s", got)
	}
}
