package vm

import (
	"strings"
	"testing"
)

func TestCoverageCountsExecutedInstructions(t *testing.T) {
	p := mustBuild(t, NewBuilder().
		MovImm(R1, 3).
		Label("loop").
		AluImm(AluSub, R1, R1, 1).
		Branch(CondNe, R1, RegZero, "loop").
		Halt())

	cov := NewCoverage(p)
	m := newMachine(NewMemory(1<<16), p, runConfig{}, cov)
	wantHalt(t, newContext(m, 0).Run(), 0)

	if got := cov.Count(0); got != 1 {
		t.Errorf("entry executed %d times", got)
	}
	if got := cov.Count(1); got != 3 {
		t.Errorf("loop body executed %d times, want 3", got)
	}
	if got := cov.Covered(); got != 1.0 {
		t.Errorf("covered fraction %f, want 1.0", got)
	}
	if got := cov.Total(); got != 1+3+3+1 {
		t.Errorf("total steps %d", got)
	}

	hot := cov.Hottest(1)
	if len(hot) != 1 || (hot[0] != 1 && hot[0] != 2) {
		t.Errorf("hottest = %v", hot)
	}
}

func TestCoverageSeesUnreachedCode(t *testing.T) {
	p := mustBuild(t, NewBuilder().
		Halt().
		MovImm(R0, 1). // dead
		Halt())
	cov := NewCoverage(p)
	m := newMachine(NewMemory(1<<16), p, runConfig{}, cov)
	newContext(m, 0).Run()

	if cov.Count(1) != 0 {
		t.Error("dead instruction counted")
	}
	if got := cov.Covered(); got <= 0 || got >= 1 {
		t.Errorf("partial coverage reported %f", got)
	}

	report := cov.Report(p)
	if !strings.Contains(report, "halt") {
		t.Errorf("report missing listing:\n%s", report)
	}
}

func TestCoverageMatchesAcrossStrategies(t *testing.T) {
	p := mustBuild(t, NewBuilder().
		MovImm(R1, 4).
		Label("loop").
		AluImm(AluSub, R1, R1, 1).
		Branch(CondNe, R1, RegZero, "loop").
		Halt())

	covI := NewCoverage(p)
	mi := newMachine(NewMemory(1<<16), p, runConfig{}, covI)
	newContext(mi, 0).Run()

	covC := NewCoverage(p)
	mc := newMachine(NewMemory(1<<16), p, runConfig{}, covC)
	entry, _ := compiled(t, p)
	entry.Run(newContext(mc, 0))

	for pc := range p.Instrs {
		if covI.Count(pc) != covC.Count(pc) {
			t.Errorf("pc %d: interpreter %d hits, compiled %d", pc, covI.Count(pc), covC.Count(pc))
		}
	}
}
