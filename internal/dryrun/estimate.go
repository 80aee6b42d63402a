package dryrun

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultLargeFanOut is the bulk size above which a step gets a warning.
const DefaultLargeFanOut = 500

// Estimator simulates plans against a fixed cost table. Run is a pure
// function of the plan, agent, entity count and the estimator's fields.
type Estimator struct {
	Costs            CostTable
	Registry         *Registry
	HighUsageCredits int // monthly credits above which a projection is flagged; 0 disables
	LargeFanOut      int
}

// NewEstimator returns an estimator with the built-in action kinds.
func NewEstimator(costs CostTable, highUsageCredits int) *Estimator {
	if costs == nil {
		costs = DefaultCosts()
	}
	return &Estimator{
		Costs:            costs,
		Registry:         NewRegistry(),
		HighUsageCredits: highUsageCredits,
		LargeFanOut:      DefaultLargeFanOut,
	}
}

// tally accumulates the cost of a sequence of steps.
type tally struct {
	credits CreditRange
	active  TimeRange
	wait    TimeRange
	drivers map[string]CreditRange
}

func (t *tally) seq(o tally) {
	t.credits = t.credits.add(o.credits)
	t.active = t.active.add(o.active)
	t.wait = t.wait.add(o.wait)
	if len(o.drivers) > 0 && t.drivers == nil {
		t.drivers = make(map[string]CreditRange, len(o.drivers))
	}
	for k, v := range o.drivers {
		t.drivers[k] = t.drivers[k].add(v)
	}
}

// branch is the cheapest and the most expensive of two alternatives.
func branch(a, b tally) tally {
	t := tally{
		credits: CreditRange{Min: min(a.credits.Min, b.credits.Min), Max: max(a.credits.Max, b.credits.Max)},
		active:  TimeRange{MinMS: min(a.active.MinMS, b.active.MinMS), MaxMS: max(a.active.MaxMS, b.active.MaxMS)},
		wait:    TimeRange{MinMS: min(a.wait.MinMS, b.wait.MinMS), MaxMS: max(a.wait.MaxMS, b.wait.MaxMS)},
		drivers: make(map[string]CreditRange),
	}
	for k := range a.drivers {
		t.drivers[k] = CreditRange{}
	}
	for k := range b.drivers {
		t.drivers[k] = CreditRange{}
	}
	for k := range t.drivers {
		x, y := a.drivers[k], b.drivers[k]
		t.drivers[k] = CreditRange{Min: min(x.Min, y.Min), Max: max(x.Max, y.Max)}
	}
	return t
}

// fanOut repeats a per-item tally n times. Items wait concurrently, so wait
// time is not multiplied.
func fanOut(per tally, n int) tally {
	t := tally{
		credits: per.credits.times(n),
		active:  per.active.times(n),
		wait:    per.wait,
		drivers: make(map[string]CreditRange, len(per.drivers)),
	}
	for k, v := range per.drivers {
		t.drivers[k] = v.times(n)
	}
	return t
}

// evaluated is the preview of one step.
type evaluated struct {
	action  string
	preview string
	details map[string]string
	note    string
	cost    tally
}

type walker struct {
	e        *Estimator
	agent    Agent
	entities int
	// outer is the product of the enclosing for_each counts.
	outer    int

	step     int
	bulk     []BulkEntry
	warnings []Warning
}

// Run simulates the plan for entityCount targets. It never fails: precondition
// violations are reported in the result.
func (e *Estimator) Run(plan Plan, agent Agent, entityCount int) *Result {
	if entityCount < 1 {
		entityCount = 1
	}
	res := &Result{
		Success:     true,
		EntityCount: entityCount,
		Steps:       make([]StepResult, 0, len(plan.Steps)),
		Warnings:    []Warning{},
	}
	w := &walker{e: e, agent: agent, entities: entityCount, outer: 1}
	world := newWorld()

	var total tally
	for i, s := range plan.Steps {
		n := i + 1
		if !res.Success {
			res.Steps = append(res.Steps, StepResult{
				Number:  n,
				Action:  stepLabel(s),
				Status:  StepSkipped,
				Preview: "Not simulated because an earlier step failed",
			})
			continue
		}

		w.step, w.bulk, w.warnings = n, nil, nil
		ev, err := w.eval(s, "", world)
		if err != nil {
			msg := err.Error()
			res.Success = false
			res.FailedAtStep = n
			res.Error = fmt.Sprintf("step %d: %s", n, msg)
			res.Steps = append(res.Steps, StepResult{
				Number:  n,
				Action:  stepLabel(s),
				Status:  StepError,
				Preview: "Cannot run: " + msg,
				Note:    msg,
			})
			res.Warnings = append(res.Warnings, Warning{
				Severity:   SeverityError,
				Step:       n,
				Message:    msg,
				Suggestion: Suggest(msg),
			})
			continue
		}

		total.seq(ev.cost)
		res.Steps = append(res.Steps, StepResult{
			Number:  n,
			Action:  ev.action,
			Status:  StepSimulated,
			Preview: ev.preview,
			Details: ev.details,
			Credits: ev.cost.credits,
			Note:    ev.note,
		})
		res.Bulk = append(res.Bulk, w.bulk...)
		res.Warnings = append(res.Warnings, w.warnings...)
	}

	if len(plan.Steps) == 0 {
		res.Warnings = append(res.Warnings, Warning{
			Severity:   SeverityWarning,
			Message:    "plan has no steps",
			Suggestion: Suggest("plan has no steps"),
		})
	}

	res.EstimatedCredits = total.credits
	res.EstimatedDuration = Duration{Active: total.active, Wait: total.wait}
	res.Breakdown = breakdown(total.drivers)

	if agent.Schedule != "" && res.Success {
		e.project(res, agent.Schedule)
	}
	return res
}

func (e *Estimator) project(res *Result, schedule string) {
	runs, err := RunsPerMonth(schedule)
	if err != nil {
		msg := err.Error()
		res.Warnings = append(res.Warnings, Warning{Severity: SeverityWarning, Message: msg, Suggestion: Suggest(msg)})
		return
	}
	p := &Projection{
		Schedule:     schedule,
		RunsPerMonth: runs,
		Credits:      res.EstimatedCredits.times(runs),
		Active:       res.EstimatedDuration.Active.times(runs),
		Threshold:    e.HighUsageCredits,
	}
	if e.HighUsageCredits > 0 && p.Credits.Max > e.HighUsageCredits {
		p.HighUsage = true
		msg := fmt.Sprintf("projected usage of up to %d credits per month exceeds the high-usage threshold of %d",
			p.Credits.Max, e.HighUsageCredits)
		res.Warnings = append(res.Warnings, Warning{Severity: SeverityWarning, Message: msg, Suggestion: Suggest(msg)})
	}
	res.Monthly = p
}

func breakdown(drivers map[string]CreditRange) []CostLine {
	lines := make([]CostLine, 0, len(drivers))
	for k, v := range drivers {
		lines = append(lines, CostLine{Driver: k, Credits: v})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].Driver < lines[j].Driver })
	return lines
}

func (w *walker) walk(steps []Step, path string, world *World) (tally, error) {
	var t tally
	for i, s := range steps {
		ev, err := w.eval(s, fmt.Sprintf("%s[%d]", path, i), world)
		if err != nil {
			return tally{}, err
		}
		t.seq(ev.cost)
	}
	return t, nil
}

func (w *walker) eval(s Step, path string, world *World) (evaluated, error) {
	switch s := s.(type) {
	case Action:
		return w.action(s, path, world)
	case Conditional:
		return w.conditional(s, path, world)
	case ForEach:
		return w.forEach(s, path, world)
	case Wait:
		return evaluated{
			action:  "wait",
			preview: fmt.Sprintf("Would wait %s", s.Duration),
			details: map[string]string{"duration": s.Duration.String()},
			note:    "idle time, not billed",
			cost:    tally{wait: pointTime(s.Duration)},
		}, nil
	default:
		return evaluated{}, prefixed(path, fmt.Errorf("unsupported step type %T", s))
	}
}

func (w *walker) action(a Action, path string, world *World) (evaluated, error) {
	kind, err := w.e.Registry.Get(a.Kind)
	if err != nil {
		return evaluated{}, prefixed(path, err)
	}
	for _, p := range kind.Required() {
		if a.Params[p] == "" {
			return evaluated{}, prefixed(path, fmt.Errorf("missing required parameter %q for %s", p, a.Kind))
		}
	}
	if integ := kind.Integration(a.Params); integ != "" && !w.agent.allows(integ) {
		return evaluated{}, prefixed(path, fmt.Errorf("integration %q is not enabled for this agent", integ))
	}
	preview, details, err := kind.Preview(a.Params, w.agent, world)
	if err != nil {
		return evaluated{}, prefixed(path, err)
	}

	ev := evaluated{action: a.Kind, preview: preview, details: details}
	cost, ok := w.e.Costs[a.Kind]
	if !ok {
		ev.note = "no price listed for " + a.Kind + ", counted as free"
	}
	ev.cost = tally{
		credits: point(cost.Credits),
		active:  pointTime(cost.Time),
		drivers: map[string]CreditRange{a.Kind: point(cost.Credits)},
	}
	return ev, nil
}

func (w *walker) conditional(c Conditional, path string, world *World) (evaluated, error) {
	then, err := w.walk(c.Then, join(path, "then"), world.clone())
	if err != nil {
		return evaluated{}, err
	}
	els, err := w.walk(c.Else, join(path, "else"), world.clone())
	if err != nil {
		return evaluated{}, err
	}

	ev := evaluated{
		action:  "if",
		preview: fmt.Sprintf("If %s: %s, otherwise %s", c.Condition, plural(len(c.Then), "step"), plural(len(c.Else), "step")),
		details: map[string]string{
			"condition": c.Condition,
			"then":      fmt.Sprintf("%s, %d credits", plural(len(c.Then), "step"), then.credits.Max),
			"else":      fmt.Sprintf("%s, %d credits", plural(len(c.Else), "step"), els.credits.Max),
		},
		cost: branch(then, els),
	}
	if ev.cost.credits.IsRange() {
		ev.note = fmt.Sprintf("costs %d to %d credits depending on the branch taken", ev.cost.credits.Min, ev.cost.credits.Max)
	}
	return ev, nil
}

func (w *walker) forEach(f ForEach, path string, world *World) (evaluated, error) {
	if f.Count < 0 {
		return evaluated{}, prefixed(path, fmt.Errorf("for_each over %q has negative count %d", f.Over, f.Count))
	}
	count := f.Count
	if count == 0 {
		count = w.entities
	}
	outer := w.outer
	w.outer = outer * count
	per, err := w.walk(f.Body, join(path, "do"), world.clone())
	w.outer = outer
	if err != nil {
		return evaluated{}, err
	}

	// Bulk entries report run-wide totals, so a nested loop is scaled by
	// every enclosing count.
	total := count * outer
	label := fmt.Sprintf("%s x %d %s", bodyLabel(f.Body), total, f.Over)
	if outer > 1 {
		label = fmt.Sprintf("%s x %d %s (%d per outer item)", bodyLabel(f.Body), total, f.Over, count)
	}
	w.bulk = append(w.bulk, BulkEntry{
		Step:           w.step,
		Label:          label,
		Count:          total,
		PerItemCredits: per.credits,
		Credits:        per.credits.times(total),
	})
	if lf := w.e.LargeFanOut; lf > 0 && total > lf {
		msg := fmt.Sprintf("bulk step fans out to %d %s, above the review limit of %d", total, f.Over, lf)
		w.warnings = append(w.warnings, Warning{Severity: SeverityWarning, Step: w.step, Message: msg, Suggestion: Suggest(msg)})
	}

	return evaluated{
		action:  "for_each",
		preview: fmt.Sprintf("For each of %d %s: %s", count, f.Over, bodyLabel(f.Body)),
		details: map[string]string{
			"over":           f.Over,
			"count":          fmt.Sprint(count),
			"perItemCredits": formatCredits(per.credits),
		},
		note: fmt.Sprintf("bulk: %d x %s credits", count, formatCredits(per.credits)),
		cost: fanOut(per, count),
	}, nil
}

func prefixed(path string, err error) error {
	if path == "" {
		return err
	}
	return fmt.Errorf("%s: %w", path, err)
}

func stepLabel(s Step) string {
	switch s := s.(type) {
	case Action:
		return s.Kind
	case Conditional:
		return "if"
	case ForEach:
		return "for_each"
	case Wait:
		return "wait"
	}
	return "unknown"
}

func bodyLabel(steps []Step) string {
	if len(steps) == 0 {
		return "nothing"
	}
	parts := make([]string, 0, len(steps))
	for _, s := range steps {
		parts = append(parts, stepLabel(s))
	}
	return strings.Join(parts, "+")
}

func plural(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return fmt.Sprintf("%d %ss", n, word)
}

func formatCredits(r CreditRange) string {
	if r.IsRange() {
		return fmt.Sprintf("%d-%d", r.Min, r.Max)
	}
	return fmt.Sprint(r.Min)
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}
