package ptypane

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ShellKind identifies a recognized login shell for integration-script
// injection purposes.
type ShellKind int

const (
	ShellOther ShellKind = iota
	ShellBash
	ShellZsh
	ShellFish
)

// DetectShellKind classifies program (a path or bare executable name) by
// its base name.
func DetectShellKind(program string) ShellKind {
	switch strings.ToLower(filepath.Base(program)) {
	case "bash":
		return ShellBash
	case "zsh":
		return ShellZsh
	case "fish":
		return ShellFish
	default:
		return ShellOther
	}
}

// IntegrationEnv returns the environment variables that mark a pane for
// shell-integration and carry the generated rc fragment's location, to be
// appended to the child process's environment. ok is false when program's
// shell is not one the integration scripts support; callers should still
// start the pane, but without shell integration.
func IntegrationEnv(program string) (env []string, ok bool) {
	kind := DetectShellKind(program)
	if kind == ShellOther {
		return nil, false
	}

	dir, err := os.MkdirTemp("", "termcore-shell-integration-*")
	if err != nil {
		return nil, false
	}

	switch kind {
	case ShellBash:
		path := filepath.Join(dir, "integration.bash")
		if err := os.WriteFile(path, []byte(bashScript), 0o600); err != nil {
			return nil, false
		}
		return []string{
			"OPENCODEX_SHELL_INTEGRATION=1",
			"BASH_ENV=" + path,
		}, true
	case ShellZsh:
		path := filepath.Join(dir, ".zshrc")
		if err := os.WriteFile(path, []byte(zshScript), 0o600); err != nil {
			return nil, false
		}
		return []string{
			"OPENCODEX_SHELL_INTEGRATION=1",
			"ZDOTDIR=" + dir,
		}, true
	case ShellFish:
		confD := filepath.Join(dir, "fish", "conf.d")
		if err := os.MkdirAll(confD, 0o700); err != nil {
			return nil, false
		}
		path := filepath.Join(confD, "integration.fish")
		if err := os.WriteFile(path, []byte(fishScript), 0o600); err != nil {
			return nil, false
		}
		return []string{
			"OPENCODEX_SHELL_INTEGRATION=1",
			"XDG_CONFIG_HOME=" + dir,
		}, true
	}
	return nil, false
}

// oscMarker renders an OSC 133 sequence for use inside a shell prompt
// fragment, terminated with BEL.
func oscMarker(letter string, extra string) string {
	if extra == "" {
		return fmt.Sprintf("\\033]133;%s\\007", letter)
	}
	return fmt.Sprintf("\\033]133;%s;%s\\007", letter, extra)
}

// The generated scripts emit OSC 133 prompt/command markers and an OSC 7
// CWD report around prompt display and command execution, matching the
// marker semantics consumed by internal/shellintegration.
var (
	bashScript = buildScript("PS1", `$PWD`)
	zshScript  = buildZshScript()
	fishScript = buildFishScript()
)

func buildScript(promptVar, pwdExpr string) string {
	return strings.Join([]string{
		`__termcore_precmd() {`,
		`  local ec=$?`,
		`  printf '` + oscMarker("D", "%d") + `' "$ec"`,
		`  printf '` + oscMarker("A", "") + `'`,
		`  printf '\033]7;file://%s%s\007' "$HOSTNAME" "` + pwdExpr + `"`,
		`}`,
		`__termcore_preexec() {`,
		`  printf '` + oscMarker("C", "") + `'`,
		`}`,
		`PROMPT_COMMAND="__termcore_precmd${PROMPT_COMMAND:+; $PROMPT_COMMAND}"`,
		`trap '__termcore_preexec' DEBUG`,
	}, "\n") + "\n"
}

func buildZshScript() string {
	return strings.Join([]string{
		`[ -f "$HOME/.zshrc" ] && source "$HOME/.zshrc"`,
		`precmd() {`,
		`  local ec=$?`,
		`  printf '` + oscMarker("D", "%d") + `' "$ec"`,
		`  printf '` + oscMarker("A", "") + `'`,
		`  printf '\033]7;file://%s%s\007' "$HOST" "$PWD"`,
		`}`,
		`preexec() {`,
		`  printf '` + oscMarker("C", "") + `'`,
		`}`,
	}, "\n") + "\n"
}

func buildFishScript() string {
	return strings.Join([]string{
		`function __termcore_precmd --on-event fish_prompt`,
		`  set -l ec $status`,
		`  printf '` + oscMarker("D", "%d") + `' $ec`,
		`  printf '` + oscMarker("A", "") + `'`,
		`  printf '\033]7;file://%s%s\007' (hostname) "$PWD"`,
		`end`,
		`function __termcore_preexec --on-event fish_preexec`,
		`  printf '` + oscMarker("C", "") + `'`,
		`end`,
	}, "\n") + "\n"
}
