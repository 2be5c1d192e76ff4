package adapter

import "github.com/paseohq/paseod/internal/apperrors"

// ProviderKind identifies which ACP-speaking agent binary backs an
// adapter. All three are ACP on the wire; this tag only selects the
// static capability table and, for claude, the resumable session id
// shape carried in persistence.
type ProviderKind string

const (
	ProviderClaude   ProviderKind = "claude"
	ProviderCodex    ProviderKind = "codex"
	ProviderOpencode ProviderKind = "opencode"
)

// ProviderOptions is the tagged variant describing how to launch a
// provider and, for claude, which prior session to resume.
type ProviderOptions struct {
	Kind ProviderKind

	// ClaudeSessionID is set only when Kind == ProviderClaude and a
	// prior session is being resumed.
	ClaudeSessionID string
}

// Capabilities is the static, provider-level capability table. The ACP
// handshake (AgentAdapter.Initialize) may further narrow
// SupportsSessionPersistence down for a specific binary version, but
// never widen it above what the provider declares here.
type Capabilities struct {
	SupportsSessionPersistence bool
	StaticModes                []SessionMode
}

var capabilityTable = map[ProviderKind]Capabilities{
	ProviderClaude: {
		SupportsSessionPersistence: true,
		StaticModes: []SessionMode{
			{ID: "default", Name: "Default"},
			{ID: "acceptEdits", Name: "Accept Edits"},
			{ID: "bypassPermissions", Name: "Bypass Permissions"},
			{ID: "plan", Name: "Plan"},
		},
	},
	ProviderCodex: {
		SupportsSessionPersistence: false,
		StaticModes: []SessionMode{
			{ID: "default", Name: "Default"},
		},
	},
	ProviderOpencode: {
		SupportsSessionPersistence: false,
		StaticModes: []SessionMode{
			{ID: "default", Name: "Default"},
			{ID: "auto-edit", Name: "Auto Edit"},
		},
	},
}

// CapabilitiesFor returns the static capability table for kind.
func CapabilitiesFor(kind ProviderKind) (Capabilities, error) {
	c, ok := capabilityTable[kind]
	if !ok {
		return Capabilities{}, apperrors.Validation("unknown provider kind %q", kind)
	}
	return c, nil
}

// Command returns the executable name used to launch kind's ACP
// subprocess. Resolution of the binary on PATH is the launcher's job;
// this only names what to look for.
func Command(kind ProviderKind) (string, error) {
	switch kind {
	case ProviderClaude:
		return "claude-code-acp", nil
	case ProviderCodex:
		return "codex-acp", nil
	case ProviderOpencode:
		return "opencode-acp", nil
	default:
		return "", apperrors.Validation("unknown provider kind %q", kind)
	}
}
