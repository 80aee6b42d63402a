package dryrun

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const samplePlan = `
steps:
  - action: send_email
    params:
      to: "{{contact.email}}"
      template: welcome
  - if: contact.score > 50
    then:
      - action: create_task
        params: {title: Call}
    else:
      - action: add_tag
        params: {tag: cold}
  - for_each: open_deals
    count: 3
    do:
      - action: sync_crm
        params: {integration: hubspot, object: deal}
  - wait: 2d
  - wait: 90m
`

func TestParsePlan(t *testing.T) {
	p, err := ParsePlan([]byte(samplePlan))
	if err != nil {
		t.Fatalf("ParsePlan() error: %v", err)
	}
	if len(p.Steps) != 5 {
		t.Fatalf("got %d steps, want 5", len(p.Steps))
	}

	a, ok := p.Steps[0].(Action)
	if !ok || a.Kind != "send_email" || a.Params["template"] != "welcome" {
		t.Errorf("step 1 = %#v", p.Steps[0])
	}
	c, ok := p.Steps[1].(Conditional)
	if !ok || c.Condition != "contact.score > 50" || len(c.Then) != 1 || len(c.Else) != 1 {
		t.Errorf("step 2 = %#v", p.Steps[1])
	}
	f, ok := p.Steps[2].(ForEach)
	if !ok || f.Over != "open_deals" || f.Count != 3 || len(f.Body) != 1 {
		t.Errorf("step 3 = %#v", p.Steps[2])
	}
	if w, ok := p.Steps[3].(Wait); !ok || w.Duration != 48*time.Hour {
		t.Errorf("step 4 = %#v", p.Steps[3])
	}
	if w, ok := p.Steps[4].(Wait); !ok || w.Duration != 90*time.Minute {
		t.Errorf("step 5 = %#v", p.Steps[4])
	}
}

func TestParsePlan_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"two variants", "steps:\n  - action: add_tag\n    wait: 1h\n", "steps[0]"},
		{"no variant", "steps:\n  - params: {a: b}\n", "steps[0]"},
		{"nested", "steps:\n  - if: x\n    then:\n      - {}\n", "steps[0].then[0]"},
		{"bad wait", "steps:\n  - wait: soon\n", "steps[0]"},
		{"negative count", "steps:\n  - for_each: x\n    count: -1\n", "negative count"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePlan([]byte(tt.doc))
			if !errors.Is(err, ErrInvalidPlan) {
				t.Fatalf("error = %v, want ErrInvalidPlan", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadPlan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	if err := os.WriteFile(path, []byte(samplePlan), 0o600); err != nil {
		t.Fatal(err)
	}
	p, err := LoadPlan(path)
	if err != nil {
		t.Fatalf("LoadPlan() error: %v", err)
	}
	if len(p.Steps) != 5 {
		t.Errorf("got %d steps, want 5", len(p.Steps))
	}

	if _, err := LoadPlan(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSuggest(t *testing.T) {
	tests := []struct {
		err  string
		want string
	}{
		{`integration "slack" is not enabled for this agent`, "Connect slack"},
		{`then[0]: template "promo" does not exist`, `"promo"`},
		{`unknown action kind "fax"`, `"fax"`},
		{`missing required parameter "to" for send_email`, `"to"`},
		{"plan has no steps", "Add instructions"},
		{"something else entirely", ""},
	}
	for _, tt := range tests {
		got := Suggest(tt.err)
		if tt.want == "" {
			if got != "" {
				t.Errorf("Suggest(%q) = %q, want empty", tt.err, got)
			}
			continue
		}
		if !strings.Contains(got, tt.want) {
			t.Errorf("Suggest(%q) = %q, want it to contain %q", tt.err, got, tt.want)
		}
	}
}

func TestWorldIsolatedAcrossBranches(t *testing.T) {
	plan := Plan{Steps: []Step{
		Conditional{
			Condition: "x",
			Then:      []Step{Action{Kind: "add_tag", Params: Params{"tag": "vip"}}},
		},
		Action{Kind: "add_tag", Params: Params{"tag": "vip"}},
	}}
	res := NewEstimator(nil, 0).Run(plan, testAgent, 1)
	if got := res.Steps[1].Preview; !strings.HasPrefix(got, "Would tag") {
		t.Errorf("branch state leaked into later step: %q", got)
	}
}
