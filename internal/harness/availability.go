package harness

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Availability captures which agent CLIs are present on PATH.
type Availability struct {
	Claude bool
	Codex  bool
}

// AvailableHarnesses returns available harness binaries in deterministic order.
func (a Availability) AvailableHarnesses() []string {
	harnesses := make([]string, 0, 2)
	if a.Claude {
		harnesses = append(harnesses, ProfileClaude)
	}
	if a.Codex {
		harnesses = append(harnesses, ProfileCodex)
	}
	return harnesses
}

// ResolveConfiguredHarness probes PATH and resolves the profile to run agents with.
//
// When the configured harness is unavailable, the function falls back to one
// available harness and returns a warning message. It fails when neither
// claude nor codex is installed.
func ResolveConfiguredHarness(configured string) (Profile, Availability, []string, error) {
	return resolveConfiguredHarness(configured, exec.LookPath)
}

func resolveConfiguredHarness(
	configured string,
	lookPath func(file string) (string, error),
) (Profile, Availability, []string, error) {
	if lookPath == nil {
		return Profile{}, Availability{}, nil, errors.New("lookPath function is required")
	}

	availability := detectAvailability(lookPath)
	if len(availability.AvailableHarnesses()) == 0 {
		return Profile{}, availability, nil, errors.New("no available harness binaries found on PATH (claude/codex)")
	}

	requested := strings.ToLower(strings.TrimSpace(configured))
	fallback := preferredFallback(availability)

	if requested == "" {
		profile, _ := LookupProfile(fallback)
		return profile, availability, nil, nil
	}
	if availability.supportsHarness(requested) {
		profile, _ := LookupProfile(requested)
		return profile, availability, nil, nil
	}

	warnings := []string{
		fmt.Sprintf("configured harness %q unavailable; falling back to %q", requested, fallback),
	}
	profile, _ := LookupProfile(fallback)
	return profile, availability, warnings, nil
}

func detectAvailability(lookPath func(file string) (string, error)) Availability {
	return Availability{
		Claude: toolAvailable(lookPath, ProfileClaude),
		Codex:  toolAvailable(lookPath, ProfileCodex),
	}
}

func toolAvailable(lookPath func(file string) (string, error), binary string) bool {
	_, err := lookPath(binary)
	return err == nil
}

func preferredFallback(availability Availability) string {
	if availability.Claude {
		return ProfileClaude
	}
	if availability.Codex {
		return ProfileCodex
	}
	return ""
}

func (a Availability) supportsHarness(harnessName string) bool {
	switch strings.ToLower(strings.TrimSpace(harnessName)) {
	case ProfileClaude:
		return a.Claude
	case ProfileCodex:
		return a.Codex
	default:
		return false
	}
}
