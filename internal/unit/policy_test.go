package unit

import (
	"math"
	"testing"
	"time"

	"github.com/Iron-Ham/switchyard/internal/config"
	coreerrors "github.com/Iron-Ham/switchyard/internal/errors"
)

func ids(cs []Choice) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.UnitID)
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestPolicy_Score(t *testing.T) {
	tests := []struct {
		name     string
		strategy Strategy
		c        Candidate
		want     float64
	}{
		{"hybrid saturated idle", StrategyHybrid, Candidate{Idle: 10 * time.Minute, MemoryMB: 50}, 0.85},
		{"time half idle", StrategyTime, Candidate{Idle: 5 * time.Minute, CPUPercent: 80}, 0.5},
		{"usage", StrategyUsage, Candidate{Idle: 5 * time.Minute, CPUPercent: 50}, 0.5},
		{"memory capped", StrategyMemory, Candidate{MemoryMB: 200}, 0.375},
		{"hybrid busy fresh unit", StrategyHybrid, Candidate{CPUPercent: 100}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPolicy(
				WithStrategy(tt.strategy),
				WithIdleAfter(10*time.Minute),
				WithMemoryCeiling(100),
				WithWeights(0.5, 0.3, 0.2),
			)
			if got := p.Score(tt.c); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Score() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPolicy_ZeroWeightsScoreZero(t *testing.T) {
	p := NewPolicy(WithWeights(0, 0, 0))
	if got := p.Score(Candidate{Idle: time.Hour, MemoryMB: 1024}); got != 0 {
		t.Errorf("Score() = %v, want 0", got)
	}
}

func TestParseStrategy(t *testing.T) {
	for _, s := range Strategies() {
		got, err := ParseStrategy(string(s))
		if err != nil || got != s {
			t.Errorf("ParseStrategy(%q) = %q, %v", s, got, err)
		}
	}
	if _, err := ParseStrategy("lru"); !coreerrors.Is(err, coreerrors.ErrInvalidInput) {
		t.Errorf("ParseStrategy(lru) error = %v, want validation error", err)
	}
}

func TestPolicyFromConfig(t *testing.T) {
	p, err := PolicyFromConfig(config.Default().Suspension)
	if err != nil {
		t.Fatalf("PolicyFromConfig() error = %v", err)
	}
	if p.Strategy() != StrategyHybrid {
		t.Errorf("Strategy() = %q, want hybrid", p.Strategy())
	}
	if p.MinWarm() != 2 {
		t.Errorf("MinWarm() = %d, want 2", p.MinWarm())
	}

	bad := config.Default().Suspension
	bad.Strategy = "random"
	if _, err := PolicyFromConfig(bad); err == nil {
		t.Error("PolicyFromConfig() accepted an unknown strategy")
	}
}

func scoredCandidates() []Candidate {
	return []Candidate{
		{UnitID: "a", Idle: 10 * time.Minute, MemoryMB: 50},
		{UnitID: "b", CPUPercent: 100},
		{UnitID: "c", Idle: 10 * time.Minute},
	}
}

func TestPolicy_EvaluateRoutineThreshold(t *testing.T) {
	opts := []PolicyOption{
		WithIdleAfter(10 * time.Minute),
		WithMemoryCeiling(100),
		WithMemoryLimit(0),
		WithThreshold(0.6),
	}

	tests := []struct {
		name    string
		minWarm int
		want    []string
	}{
		{"all above threshold", 0, []string{"a", "c"}},
		{"min warm caps selection", 2, []string{"a"}},
		{"min warm covers everything", 3, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPolicy(append(opts, WithMinWarm(tt.minWarm))...)
			d := p.Evaluate(Input{Candidates: scoredCandidates(), Resident: 3}, time.Now())
			if d.Mode != ModeRoutine {
				t.Errorf("Mode = %v, want routine", d.Mode)
			}
			if got := ids(d.Suspend); !equalIDs(got, tt.want) {
				t.Errorf("Suspend = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPolicy_TimeStrategyGrace(t *testing.T) {
	p := NewPolicy(
		WithStrategy(StrategyTime),
		WithIdleAfter(10*time.Minute),
		WithGrace(time.Minute),
		WithMinWarm(0),
	)
	t0 := time.Now()
	idle := Input{Candidates: []Candidate{{UnitID: "a", Idle: 11 * time.Minute}, {UnitID: "b", Idle: time.Minute}}, Resident: 2}

	if d := p.Evaluate(idle, t0); len(d.Suspend) != 0 {
		t.Fatalf("first evaluation suspended %v, want only marking", ids(d.Suspend))
	}
	if p.Marked() != 1 {
		t.Errorf("Marked() = %d, want 1", p.Marked())
	}
	if d := p.Evaluate(idle, t0.Add(30*time.Second)); len(d.Suspend) != 0 {
		t.Errorf("suspended %v inside the grace period", ids(d.Suspend))
	}
	d := p.Evaluate(idle, t0.Add(61*time.Second))
	if got := ids(d.Suspend); !equalIDs(got, []string{"a"}) {
		t.Errorf("Suspend after grace = %v, want [a]", got)
	}
	if p.Marked() != 0 {
		t.Errorf("Marked() after suspension = %d, want 0", p.Marked())
	}
}

func TestPolicy_TimeStrategyActivityClearsMark(t *testing.T) {
	p := NewPolicy(WithStrategy(StrategyTime), WithIdleAfter(time.Minute), WithGrace(time.Minute), WithMinWarm(0))
	now := time.Now()
	p.Evaluate(Input{Candidates: []Candidate{{UnitID: "a", Idle: 2 * time.Minute}}, Resident: 1}, now)
	p.Evaluate(Input{Candidates: []Candidate{{UnitID: "a"}}, Resident: 1}, now.Add(time.Second))
	if p.Marked() != 0 {
		t.Errorf("Marked() = %d, want 0 after activity", p.Marked())
	}
	d := p.Evaluate(Input{Candidates: []Candidate{{UnitID: "a", Idle: 2 * time.Minute}}, Resident: 1}, now.Add(2*time.Minute))
	if len(d.Suspend) != 0 {
		t.Errorf("Suspend = %v, want the grace period to restart", ids(d.Suspend))
	}
}

func TestPolicy_EvaluatePressure(t *testing.T) {
	p := NewPolicy(
		WithIdleAfter(10*time.Minute),
		WithMemoryCeiling(100),
		WithMemoryLimit(100),
		WithMinWarm(0),
	)
	in := Input{
		Candidates: []Candidate{
			{UnitID: "a", MemoryMB: 60, CPUPercent: 100},
			{UnitID: "b", MemoryMB: 50, Idle: 10 * time.Minute},
			{UnitID: "c", MemoryMB: 40},
		},
		Resident:      3,
		TotalMemoryMB: 150,
	}
	d := p.Evaluate(in, time.Now())
	if d.Mode != ModePressure {
		t.Errorf("Mode = %v, want pressure", d.Mode)
	}
	if got := ids(d.Suspend); !equalIDs(got, []string{"b"}) {
		t.Errorf("Suspend = %v, want [b]", got)
	}
}

func TestPolicy_EvaluateForce(t *testing.T) {
	p := NewPolicy(WithIdleAfter(10*time.Minute), WithMemoryCeiling(100), WithMinWarm(1))
	d := p.Evaluate(Input{Candidates: scoredCandidates(), Resident: 3, Mode: ModeForce}, time.Now())
	if got := ids(d.Suspend); !equalIDs(got, []string{"a", "c"}) {
		t.Errorf("Suspend = %v, want [a c]", got)
	}
	for _, c := range d.Suspend {
		if c.Reason != "forced" {
			t.Errorf("Reason = %q, want forced", c.Reason)
		}
	}
}

func TestMode_String(t *testing.T) {
	tests := map[Mode]string{ModeRoutine: "routine", ModePressure: "pressure", ModeForce: "force"}
	for m, want := range tests {
		if got := m.String(); got != want {
			t.Errorf("Mode(%d).String() = %q, want %q", m, got, want)
		}
	}
}
