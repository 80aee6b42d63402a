// Package dryrun previews an agent's step plan without side effects and
// estimates what a real run would cost.
package dryrun

import "time"

// Step is one node of a plan. The implementations in this package are the
// only ones: Action, Conditional, ForEach and Wait.
type Step interface {
	step()
}

// Params are an action's parameters after instruction parsing.
type Params map[string]string

// Action is a linear step performed once.
type Action struct {
	Kind   string
	Params Params
}

// Conditional runs Then or Else depending on a condition known only at run
// time.
type Conditional struct {
	Condition string
	Then      []Step
	Else      []Step
}

// ForEach runs Body once per matching item. A zero Count means one item per
// target entity.
type ForEach struct {
	Over  string
	Count int
	Body  []Step
}

// Wait pauses the run without doing work.
type Wait struct {
	Duration time.Duration
}

func (Action) step()      {}
func (Conditional) step() {}
func (ForEach) step()     {}
func (Wait) step()        {}

// Plan is the ordered, parsed step plan of one agent.
type Plan struct {
	Steps []Step
}

// Template is a message template available to an agent's workspace.
type Template struct {
	Name    string `yaml:"name" json:"name"`
	Subject string `yaml:"subject" json:"subject,omitempty"`
}

// Agent carries what plan analysis needs to know about the agent.
type Agent struct {
	ID           string
	WorkspaceID  string
	Schedule     string // cron expression; empty when not schedule-triggered
	Integrations []string
	Templates    map[string]Template
}

func (a Agent) allows(integration string) bool {
	for _, i := range a.Integrations {
		if i == integration {
			return true
		}
	}
	return false
}
