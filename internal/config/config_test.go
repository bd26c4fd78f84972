package config

import "testing"

func TestFirstBlockFor(t *testing.T) {
	cases := []struct {
		network string
		want    uint64
	}{
		{"mainnet", 912690},
		{"signet", 230000},
		{"regtest", 0},
		{"", 0},
	}
	for _, c := range cases {
		if got := firstBlockFor(c.network); got != c.want {
			t.Errorf("firstBlockFor(%q) = %d, want %d", c.network, got, c.want)
		}
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()
	if cfg.DatabaseURL != defaultDatabaseURL {
		t.Errorf("got %q, want %q", cfg.DatabaseURL, defaultDatabaseURL)
	}
	if cfg.RPCURL != defaultRPCURL {
		t.Errorf("got %q, want %q", cfg.RPCURL, defaultRPCURL)
	}
	if cfg.Network != defaultNetwork {
		t.Errorf("got %q, want %q", cfg.Network, defaultNetwork)
	}
	if cfg.FirstBlock != 912690 {
		t.Errorf("got %d, want 912690", cfg.FirstBlock)
	}
}

func TestParseFlags_Reset(t *testing.T) {
	f, err := ParseFlags([]string{"--reset"})
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if !f.Reset {
		t.Errorf("expected Reset to be true")
	}
	if f.Test {
		t.Errorf("expected Test to be false")
	}
}

func TestParseFlags_Test(t *testing.T) {
	f, err := ParseFlags([]string{"--test"})
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if !f.Test {
		t.Errorf("expected Test to be true")
	}
}

func TestParseFlags_NoneSet(t *testing.T) {
	f, err := ParseFlags([]string{})
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if f.Reset || f.Test {
		t.Errorf("expected both flags false by default")
	}
}
