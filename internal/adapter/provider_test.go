package adapter

import "testing"

func TestCapabilitiesFor_KnownProviders(t *testing.T) {
	cases := []struct {
		kind                 ProviderKind
		wantPersistence      bool
		wantAtLeastOneMode   bool
	}{
		{ProviderClaude, true, true},
		{ProviderCodex, false, true},
		{ProviderOpencode, false, true},
	}

	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			caps, err := CapabilitiesFor(tc.kind)
			if err != nil {
				t.Fatalf("CapabilitiesFor(%s): %v", tc.kind, err)
			}
			if caps.SupportsSessionPersistence != tc.wantPersistence {
				t.Errorf("SupportsSessionPersistence = %v, want %v", caps.SupportsSessionPersistence, tc.wantPersistence)
			}
			if tc.wantAtLeastOneMode && len(caps.StaticModes) == 0 {
				t.Errorf("expected at least one static mode for %s", tc.kind)
			}
		})
	}
}

func TestCapabilitiesFor_UnknownProvider(t *testing.T) {
	if _, err := CapabilitiesFor(ProviderKind("unknown")); err == nil {
		t.Fatal("expected error for unknown provider kind")
	}
}

func TestCommand_KnownProviders(t *testing.T) {
	cases := map[ProviderKind]string{
		ProviderClaude:   "claude-code-acp",
		ProviderCodex:    "codex-acp",
		ProviderOpencode: "opencode-acp",
	}
	for kind, want := range cases {
		got, err := Command(kind)
		if err != nil {
			t.Fatalf("Command(%s): %v", kind, err)
		}
		if got != want {
			t.Errorf("Command(%s) = %q, want %q", kind, got, want)
		}
	}
}

func TestCommand_UnknownProvider(t *testing.T) {
	if _, err := Command(ProviderKind("bogus")); err == nil {
		t.Fatal("expected error for unknown provider kind")
	}
}
