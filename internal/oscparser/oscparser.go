// Package oscparser recognizes ANSI OSC (Operating System Command) escape
// sequences in terminal output: window-title changes, CWD reporting, and the
// OSC 133 shell-integration markers.
package oscparser

import (
	"net/url"
	"strconv"
	"strings"
)

// WindowTitleType distinguishes the three OSC title-setting commands.
type WindowTitleType int

const (
	// WindowTitleIconAndWindow is OSC 0: set icon name and window title.
	WindowTitleIconAndWindow WindowTitleType = iota
	// WindowTitleIconOnly is OSC 1: set icon name only.
	WindowTitleIconOnly
	// WindowTitleWindowOnly is OSC 2: set window title only.
	WindowTitleWindowOnly
)

// IntegrationMarker identifies an OSC 133 shell-integration marker letter.
type IntegrationMarker int

const (
	MarkerPromptStart IntegrationMarker = iota
	MarkerCommandStart
	MarkerCommandExecuted
	MarkerCommandFinished
	MarkerContinuation
	MarkerRightPrompt
	MarkerInvalid
	MarkerCancelled
	MarkerProperty
)

// Sequence is one parsed OSC command.
type Sequence struct {
	Kind        SequenceKind
	WindowTitle WindowTitleKind
	CWD         string
	Marker      IntegrationMarker
	Data        string
	ExitCode    *int
	PropertyKey string
	PropertyVal string
	NodeVersion string
	Command     string
	Params      string
}

// SequenceKind distinguishes the high-level category of a parsed sequence.
type SequenceKind int

const (
	KindWindowTitle SequenceKind = iota
	KindCWD
	KindShellIntegration
	KindNodeVersion
	KindUnknown
)

// WindowTitleKind carries the title type alongside its new text.
type WindowTitleKind struct {
	Type WindowTitleType
	Text string
}

const (
	esc = 0x1b
	bel = 0x07
)

// Parse scans data for OSC sequences and returns the sequences found in
// order alongside the input with all OSC sequences stripped out. An
// unterminated introducer trailing the input (one whose BEL/ST has not
// arrived yet) is silently dropped from clean on this call; callers that
// decode a byte stream incrementally should use SplitPending to hold such a
// tail back and re-feed it prefixed to the next chunk, rather than calling
// Parse directly on a stream.
func Parse(data []byte) ([]Sequence, []byte) {
	var out []Sequence
	var clean []byte
	rest := data
	for {
		start, end, payload, ok := findSequence(rest)
		if !ok {
			if idx := pendingStart(rest); idx >= 0 {
				clean = append(clean, rest[:idx]...)
			} else {
				clean = append(clean, rest...)
			}
			break
		}
		clean = append(clean, rest[:start]...)
		if seq, ok := parsePayload(payload); ok {
			out = append(out, seq)
		}
		rest = rest[end:]
	}
	return out, clean
}

// SplitPending splits data into a prefix that is safe to parse now and a
// trailing suffix that might be the start of an OSC sequence whose
// terminator has not arrived yet (a bare trailing ESC, or an "ESC ]"
// introducer with no BEL/ST before the end of data). Callers decoding a
// byte stream incrementally should hold pending back and prepend it to the
// next chunk before parsing again, mirroring how incomplete UTF-8 is
// carried across reads.
func SplitPending(data []byte) (safe, pending []byte) {
	if idx := pendingStart(data); idx >= 0 {
		return data[:idx], data[idx:]
	}
	return data, nil
}

// StripSequences removes all OSC sequences from data, returning only the
// non-OSC bytes. It is equivalent to the second return value of Parse but
// avoids allocating the sequence slice when only the cleaned bytes matter.
func StripSequences(data []byte) []byte {
	_, clean := Parse(data)
	return clean
}

// findSequence locates the first OSC sequence in data, starting at
// ESC ']' and terminated by BEL or ESC '\\' (ST). It returns the byte
// offsets of the whole sequence (start inclusive, end exclusive) and the
// payload between the introducer and the terminator.
func findSequence(data []byte) (start, end int, payload []byte, ok bool) {
	for i := 0; i+1 < len(data); i++ {
		if data[i] != esc || data[i+1] != ']' {
			continue
		}
		start = i
		body := data[i+2:]
		for j := 0; j < len(body); j++ {
			if body[j] == bel {
				return start, i + 2 + j + 1, body[:j], true
			}
			if body[j] == esc && j+1 < len(body) && body[j+1] == '\\' {
				return start, i + 2 + j + 2, body[:j], true
			}
		}
		// Introducer found but not yet terminated; wait for more data.
		return 0, 0, nil, false
	}
	return 0, 0, nil, false
}

// pendingStart returns the offset of a trailing byte sequence in data that
// might be the start of an OSC introducer whose terminator has not arrived
// yet: either a bare ESC as the very last byte, or an "ESC ]" introducer
// with no BEL/ST found before the end of data. It returns -1 if data ends
// cleanly (no ambiguous trailing introducer).
func pendingStart(data []byte) int {
	for i := 0; i+1 < len(data); i++ {
		if data[i] == esc && data[i+1] == ']' {
			if !containsTerminator(data[i+2:]) {
				return i
			}
		}
	}
	if len(data) > 0 && data[len(data)-1] == esc {
		return len(data) - 1
	}
	return -1
}

// containsTerminator reports whether body contains a BEL or ESC '\\' (ST).
func containsTerminator(body []byte) bool {
	for j := 0; j < len(body); j++ {
		if body[j] == bel {
			return true
		}
		if body[j] == esc && j+1 < len(body) && body[j+1] == '\\' {
			return true
		}
	}
	return false
}

func parsePayload(payload []byte) (Sequence, bool) {
	s := string(payload)
	code, rest, ok := cutCommand(s)
	if !ok {
		return Sequence{}, false
	}

	switch code {
	case "0":
		return Sequence{Kind: KindWindowTitle, WindowTitle: WindowTitleKind{Type: WindowTitleIconAndWindow, Text: rest}}, true
	case "1":
		return Sequence{Kind: KindWindowTitle, WindowTitle: WindowTitleKind{Type: WindowTitleIconOnly, Text: rest}}, true
	case "2":
		return Sequence{Kind: KindWindowTitle, WindowTitle: WindowTitleKind{Type: WindowTitleWindowOnly, Text: rest}}, true
	case "7":
		if cwd, ok := parseCWD(rest); ok {
			return Sequence{Kind: KindCWD, CWD: cwd}, true
		}
		return Sequence{}, false
	case "9":
		if cwd, ok := parseWindowsCWD(rest); ok {
			return Sequence{Kind: KindCWD, CWD: cwd}, true
		}
		return Sequence{}, false
	case "133":
		return parseShellIntegration(rest)
	case "1337":
		if nodeVersion, ok := parseOpenCodexCustom(rest); ok {
			return Sequence{Kind: KindNodeVersion, NodeVersion: nodeVersion}, true
		}
		return Sequence{}, false
	default:
		// Surfaced so higher layers can observe that something happened on
		// this pane without losing the underlying bytes; see spec §4.2.
		return Sequence{Kind: KindUnknown, Command: code, Params: rest}, true
	}
}

// cutCommand splits "CODE;REST" or "CODE" into its numeric command code and
// the remaining payload.
func cutCommand(s string) (code string, rest string, ok bool) {
	idx := strings.IndexByte(s, ';')
	if idx < 0 {
		return s, "", s != ""
	}
	return s[:idx], s[idx+1:], true
}

// parseCWD handles OSC 7: "file://host/path", percent-decoded, with the
// first '/' marking the start of the path portion.
func parseCWD(rest string) (string, bool) {
	s := rest
	if strings.HasPrefix(s, "file://") {
		s = s[len("file://"):]
	}
	idx := strings.IndexByte(s, '/')
	if idx < 0 {
		return "", false
	}
	path := s[idx:]
	decoded, err := url.PathUnescape(path)
	if err != nil {
		return path, true
	}
	return decoded, true
}

// parseWindowsCWD handles OSC 9;9: the outer "9" is already consumed by
// cutCommand as the command code, so rest here is "9;path". The inner "9"
// is checked and the path after it returned.
func parseWindowsCWD(rest string) (string, bool) {
	idx := strings.IndexByte(rest, ';')
	if idx < 0 {
		return "", false
	}
	if rest[:idx] != "9" {
		return "", false
	}
	return rest[idx+1:], true
}

// parseOpenCodexCustom handles the OpenCodexNodeVersion= custom OSC 1337
// payload, stripping the key= prefix.
func parseOpenCodexCustom(rest string) (string, bool) {
	const prefix = "OpenCodexNodeVersion="
	if !strings.HasPrefix(rest, prefix) {
		return "", false
	}
	return rest[len(prefix):], true
}

// parseShellIntegration handles OSC 133 marker letters A-H and the P
// key=value property marker.
func parseShellIntegration(rest string) (Sequence, bool) {
	if rest == "" {
		return Sequence{}, false
	}
	marker := rest[0]
	tail := rest[1:]
	tail = strings.TrimPrefix(tail, ";")

	switch marker {
	case 'A', 'a':
		return Sequence{Kind: KindShellIntegration, Marker: MarkerPromptStart}, true
	case 'B', 'b':
		return Sequence{Kind: KindShellIntegration, Marker: MarkerCommandStart, Data: tail}, true
	case 'C', 'c':
		return Sequence{Kind: KindShellIntegration, Marker: MarkerCommandExecuted, Data: tail}, true
	case 'D', 'd':
		seq := Sequence{Kind: KindShellIntegration, Marker: MarkerCommandFinished}
		if tail != "" {
			if code, ok := parseExitCode(tail); ok {
				seq.ExitCode = &code
			}
		}
		return seq, true
	case 'E', 'e':
		return Sequence{Kind: KindShellIntegration, Marker: MarkerContinuation, Data: tail}, true
	case 'F', 'f':
		return Sequence{Kind: KindShellIntegration, Marker: MarkerRightPrompt}, true
	case 'G', 'g':
		return Sequence{Kind: KindShellIntegration, Marker: MarkerInvalid}, true
	case 'H', 'h':
		return Sequence{Kind: KindShellIntegration, Marker: MarkerCancelled}, true
	case 'P', 'p':
		key, val, ok := strings.Cut(tail, "=")
		if !ok {
			return Sequence{}, false
		}
		return Sequence{Kind: KindShellIntegration, Marker: MarkerProperty, PropertyKey: key, PropertyVal: val}, true
	default:
		return Sequence{}, false
	}
}

// parseExitCode tolerates "0", ";0", "=0", and " 0" forms: it tries a direct
// parse of the whole string first, then tokenizes on ';', '=', and
// whitespace and returns the first valid integer found.
func parseExitCode(s string) (int, bool) {
	if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		return n, true
	}
	for _, tok := range strings.FieldsFunc(s, func(r rune) bool {
		return r == ';' || r == '=' || r == ' ' || r == '\t'
	}) {
		if n, err := strconv.Atoi(tok); err == nil {
			return n, true
		}
	}
	return 0, false
}
