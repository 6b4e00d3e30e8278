package completionsink

import (
	"testing"

	"github.com/opencodex/termcore/internal/scrollback"
	"github.com/opencodex/termcore/internal/shellintegration"
)

type recordingSink struct {
	calls []uint32
}

func (r *recordingSink) OnCommandFinished(paneID uint32, _ shellintegration.CommandInfo) {
	r.calls = append(r.calls, paneID)
}

func TestOutputAnalyzerRecordsLastCommandOutput(t *testing.T) {
	scroll := scrollback.New()
	scroll.Append(1, []byte("hi\n"), 1<<20, 1<<19)
	a := NewOutputAnalyzer(scroll)

	exit := 0
	a.OnShellCommandEvent(1, shellintegration.CommandInfo{CommandLine: "echo hi", Status: shellintegration.StatusFinished, ExitCode: &exit})

	out, ok := a.GetLastCommandOutput(1)
	if !ok {
		t.Fatal("expected recorded output")
	}
	if out.Output != "hi\n" {
		t.Errorf("got output %q", out.Output)
	}
	if out.Command.CommandLine != "echo hi" {
		t.Errorf("got command %+v", out.Command)
	}
}

func TestOutputAnalyzerIgnoresRunningCommands(t *testing.T) {
	scroll := scrollback.New()
	a := NewOutputAnalyzer(scroll)

	a.OnShellCommandEvent(1, shellintegration.CommandInfo{CommandLine: "sleep 5", Status: shellintegration.StatusRunning})

	if _, ok := a.GetLastCommandOutput(1); ok {
		t.Error("expected no recorded output for a still-running command")
	}
}

func TestOutputAnalyzerForwardsToSinks(t *testing.T) {
	scroll := scrollback.New()
	a := NewOutputAnalyzer(scroll)
	sink := &recordingSink{}
	a.AddSink(sink)

	a.OnShellCommandEvent(7, shellintegration.CommandInfo{Status: shellintegration.StatusFinished})
	a.OnShellCommandEvent(9, shellintegration.CommandInfo{Status: shellintegration.StatusFinished})

	if len(sink.calls) != 2 || sink.calls[0] != 7 || sink.calls[1] != 9 {
		t.Errorf("got calls %v", sink.calls)
	}
}
