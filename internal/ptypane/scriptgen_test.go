package ptypane

import "testing"

func TestDetectShellKind(t *testing.T) {
	cases := map[string]ShellKind{
		"/bin/bash":     ShellBash,
		"bash":          ShellBash,
		"/usr/bin/zsh":  ShellZsh,
		"/usr/bin/fish": ShellFish,
		"powershell":    ShellOther,
		"":              ShellOther,
	}
	for program, want := range cases {
		if got := DetectShellKind(program); got != want {
			t.Errorf("DetectShellKind(%q) = %v, want %v", program, got, want)
		}
	}
}

func TestIntegrationEnvUnsupportedShell(t *testing.T) {
	if _, ok := IntegrationEnv("/usr/bin/tcsh"); ok {
		t.Error("expected tcsh to be unsupported")
	}
}

func TestIntegrationEnvBash(t *testing.T) {
	env, ok := IntegrationEnv("/bin/bash")
	if !ok {
		t.Fatal("expected bash integration to succeed")
	}
	foundMarker := false
	for _, kv := range env {
		if kv == "OPENCODEX_SHELL_INTEGRATION=1" {
			foundMarker = true
		}
	}
	if !foundMarker {
		t.Errorf("expected OPENCODEX_SHELL_INTEGRATION=1 in env, got %v", env)
	}
}
