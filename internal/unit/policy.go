package unit

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Iron-Ham/switchyard/internal/config"
	"github.com/Iron-Ham/switchyard/internal/errors"
)

// Strategy selects how suspension candidates are scored.
type Strategy string

// Suspension strategies.
const (
	// StrategyTime suspends units idle for longer than IdleAfter, once the
	// grace period since they were first marked has also passed.
	StrategyTime Strategy = "time"
	// StrategyUsage weighs idle recency against CPU history.
	StrategyUsage Strategy = "usage"
	// StrategyMemory weighs memory footprint against idle recency.
	StrategyMemory Strategy = "memory"
	// StrategyHybrid combines recency, memory and CPU.
	StrategyHybrid Strategy = "hybrid"
)

// Strategies lists the valid strategies.
func Strategies() []Strategy {
	return []Strategy{StrategyTime, StrategyUsage, StrategyMemory, StrategyHybrid}
}

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(s)
	if !slices.Contains(Strategies(), st) {
		return "", errors.NewValidationError(fmt.Sprintf("unknown suspension strategy %q", s)).
			WithField("strategy").WithValue(s)
	}
	return st, nil
}

// Mode is the urgency of an evaluation.
type Mode int

const (
	// ModeRoutine is the periodic check: thresholds and grace apply.
	ModeRoutine Mode = iota
	// ModePressure suspends the highest scores until memory is back
	// under the limit.
	ModePressure
	// ModeForce suspends every candidate.
	ModeForce
)

func (m Mode) String() string {
	switch m {
	case ModePressure:
		return "pressure"
	case ModeForce:
		return "force"
	default:
		return "routine"
	}
}

// Default policy values.
const (
	defaultIdleAfter     = 30 * time.Minute
	defaultGrace         = 60 * time.Second
	defaultCeilingMB     = 512
	defaultMemoryLimitMB = 2048
	defaultThreshold     = 0.6
	defaultRecencyWeight = 0.5
	defaultMemoryWeight  = 0.3
	defaultCPUWeight     = 0.2
	defaultMinWarm       = 2
	defaultStrategy      = StrategyHybrid
)

const maxCPUPercent = 100.0

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// WithStrategy sets the scoring strategy.
func WithStrategy(s Strategy) PolicyOption {
	return func(p *Policy) { p.strategy = s }
}

// WithIdleAfter sets the inactivity after which recency saturates.
func WithIdleAfter(d time.Duration) PolicyOption {
	return func(p *Policy) { p.idleAfter = d }
}

// WithGrace sets the delay between marking and suspending under the time
// strategy.
func WithGrace(d time.Duration) PolicyOption {
	return func(p *Policy) { p.grace = d }
}

// WithMemoryCeiling sets the footprint at which the memory score saturates.
func WithMemoryCeiling(mb int64) PolicyOption {
	return func(p *Policy) { p.ceilingMB = mb }
}

// WithMemoryLimit sets the total resident memory above which a routine
// check escalates to pressure mode. Zero disables escalation.
func WithMemoryLimit(mb int64) PolicyOption {
	return func(p *Policy) { p.limitMB = mb }
}

// WithThreshold sets the score at or above which a unit is suspended.
func WithThreshold(t float64) PolicyOption {
	return func(p *Policy) { p.threshold = t }
}

// WithWeights sets the recency, memory and CPU weights.
func WithWeights(recency, memory, cpu float64) PolicyOption {
	return func(p *Policy) {
		p.recencyWeight = recency
		p.memoryWeight = memory
		p.cpuWeight = cpu
	}
}

// WithMinWarm sets how many resident units are always kept.
func WithMinWarm(n int) PolicyOption {
	return func(p *Policy) { p.minWarm = n }
}

// Policy decides which units to suspend. It is safe for concurrent use.
type Policy struct {
	mu            sync.Mutex
	strategy      Strategy
	idleAfter     time.Duration
	grace         time.Duration
	ceilingMB     int64
	limitMB       int64
	threshold     float64
	recencyWeight float64
	memoryWeight  float64
	cpuWeight     float64
	minWarm       int
	marked        map[string]time.Time
}

// NewPolicy creates a Policy with the given options. Unset options use
// defaults.
func NewPolicy(opts ...PolicyOption) *Policy {
	p := &Policy{
		strategy:      defaultStrategy,
		idleAfter:     defaultIdleAfter,
		grace:         defaultGrace,
		ceilingMB:     defaultCeilingMB,
		limitMB:       defaultMemoryLimitMB,
		threshold:     defaultThreshold,
		recencyWeight: defaultRecencyWeight,
		memoryWeight:  defaultMemoryWeight,
		cpuWeight:     defaultCPUWeight,
		minWarm:       defaultMinWarm,
		marked:        make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PolicyFromConfig builds a Policy from the suspension config section.
func PolicyFromConfig(c config.SuspensionConfig) (*Policy, error) {
	st, err := ParseStrategy(c.Strategy)
	if err != nil {
		return nil, err
	}
	return NewPolicy(
		WithStrategy(st),
		WithIdleAfter(c.IdleAfter()),
		WithGrace(c.Grace()),
		WithMemoryCeiling(int64(c.MemoryCeilingMB)),
		WithMemoryLimit(int64(c.MemoryLimitMB)),
		WithThreshold(c.ScoreThreshold),
		WithWeights(c.RecencyWeight, c.MemoryWeight, c.CPUWeight),
		WithMinWarm(c.MinWarm),
	), nil
}

// Strategy returns the configured strategy.
func (p *Policy) Strategy() Strategy {
	return p.strategy
}

// MinWarm returns how many resident units are always kept.
func (p *Policy) MinWarm() int {
	return p.minWarm
}

// Candidate is a unit eligible for suspension.
type Candidate struct {
	UnitID     string
	Idle       time.Duration
	MemoryMB   int64
	CPUPercent float64
}

// Input is one evaluation round.
type Input struct {
	// Candidates in creation order. Excluded units are not listed.
	Candidates []Candidate
	// Resident counts every non-suspended unit, excluded or not.
	Resident int
	// TotalMemoryMB is the resident footprint.
	TotalMemoryMB int64
	Mode          Mode
}

// Choice is a unit selected for suspension.
type Choice struct {
	UnitID string
	Score  float64
	Reason string
}

// Decision is the outcome of an evaluation.
type Decision struct {
	Mode    Mode
	Suspend []Choice
	Reason  string
}

// Score returns the candidate's suspension score in [0,1].
//
// recency = min(idle/IdleAfter, 1); memory = min(mem/ceiling, 1);
// cpu = 1 - min(cpu, 100)/100. Each strategy is a normalized weighted
// mean of its components: usage uses recency and cpu, memory uses memory
// and recency, hybrid uses all three, time uses recency alone.
func (p *Policy) Score(c Candidate) float64 {
	recency := ratio(float64(c.Idle), float64(p.idleAfter))
	memory := ratio(float64(c.MemoryMB), float64(p.ceilingMB))
	cpu := 1 - ratio(c.CPUPercent, maxCPUPercent)

	switch p.strategy {
	case StrategyTime:
		return recency
	case StrategyUsage:
		return weighted(p.recencyWeight, recency, p.cpuWeight, cpu)
	case StrategyMemory:
		return weighted(p.memoryWeight, memory, p.recencyWeight, recency)
	default:
		return weighted(p.recencyWeight, recency, p.memoryWeight, memory, p.cpuWeight, cpu)
	}
}

func ratio(v, limit float64) float64 {
	if limit <= 0 {
		return 1
	}
	if v <= 0 {
		return 0
	}
	return min(v/limit, 1)
}

// weighted takes alternating weight, value pairs.
func weighted(pairs ...float64) float64 {
	var sum, total float64
	for i := 0; i+1 < len(pairs); i += 2 {
		sum += pairs[i] * pairs[i+1]
		total += pairs[i]
	}
	if total <= 0 {
		return 0
	}
	return sum / total
}

// Evaluate inspects the candidates and returns the units to suspend,
// highest score first. It never selects more than Resident-MinWarm units.
func (p *Policy) Evaluate(in Input, now time.Time) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	mode := in.Mode
	if mode == ModeRoutine && p.limitMB > 0 && in.TotalMemoryMB > p.limitMB {
		mode = ModePressure
	}

	budget := in.Resident - p.minWarm
	if budget <= 0 {
		p.prune(in.Candidates)
		return Decision{Mode: mode, Reason: fmt.Sprintf("keeping %d warm units", p.minWarm)}
	}

	scored := make([]Choice, 0, len(in.Candidates))
	mem := make(map[string]int64, len(in.Candidates))
	for _, c := range in.Candidates {
		mem[c.UnitID] = c.MemoryMB
		scored = append(scored, Choice{UnitID: c.UnitID, Score: p.Score(c)})
	}
	slices.SortStableFunc(scored, func(a, b Choice) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})

	var out []Choice
	switch mode {
	case ModeForce:
		for _, c := range scored {
			c.Reason = "forced"
			out = append(out, c)
		}
	case ModePressure:
		total := in.TotalMemoryMB
		for _, c := range scored {
			if p.limitMB > 0 && total <= p.limitMB {
				break
			}
			c.Reason = fmt.Sprintf("memory %dMB over limit %dMB", total, p.limitMB)
			out = append(out, c)
			total -= mem[c.UnitID]
		}
	default:
		out = p.routine(in.Candidates, scored, now)
	}

	if len(out) > budget {
		out = out[:budget]
	}
	for _, c := range out {
		delete(p.marked, c.UnitID)
	}
	return Decision{Mode: mode, Suspend: out, Reason: fmt.Sprintf("%d of %d candidates selected", len(out), len(in.Candidates))}
}

func (p *Policy) routine(cands []Candidate, scored []Choice, now time.Time) []Choice {
	if p.strategy != StrategyTime {
		p.prune(nil)
		var out []Choice
		for _, c := range scored {
			if c.Score >= p.threshold {
				c.Reason = fmt.Sprintf("%s score %.2f", p.strategy, c.Score)
				out = append(out, c)
			}
		}
		return out
	}

	idle := make(map[string]bool, len(cands))
	for _, c := range cands {
		idle[c.UnitID] = c.Idle >= p.idleAfter
	}
	for id := range p.marked {
		if !idle[id] {
			delete(p.marked, id)
		}
	}

	var out []Choice
	for _, c := range scored {
		if !idle[c.UnitID] {
			continue
		}
		at, ok := p.marked[c.UnitID]
		if !ok {
			p.marked[c.UnitID] = now
			at = now
		}
		if now.Sub(at) >= p.grace {
			c.Reason = fmt.Sprintf("idle past %s", p.idleAfter)
			out = append(out, c)
		}
	}
	return out
}

// prune drops marks for units that are no longer candidates.
func (p *Policy) prune(cands []Candidate) {
	keep := make(map[string]bool, len(cands))
	for _, c := range cands {
		keep[c.UnitID] = true
	}
	for id := range p.marked {
		if !keep[id] {
			delete(p.marked, id)
		}
	}
}

// Marked returns how many units are waiting out the grace period.
func (p *Policy) Marked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.marked)
}
