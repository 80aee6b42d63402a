package dryrun

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

var testAgent = Agent{
	ID:           "agent-1",
	WorkspaceID:  "ws-1",
	Integrations: []string{"email", "hubspot"},
	Templates: map[string]Template{
		"welcome": {Name: "Welcome", Subject: "Welcome aboard"},
	},
}

func email(to string) Action {
	return Action{Kind: "send_email", Params: Params{"to": to, "template": "welcome"}}
}

func TestRun_Deterministic(t *testing.T) {
	plan := Plan{Steps: []Step{
		email("{{contact.email}}"),
		Conditional{
			Condition: "contact.score > 50",
			Then:      []Step{Action{Kind: "ai_generate", Params: Params{"prompt": "follow-up"}}},
			Else:      []Step{Action{Kind: "add_tag", Params: Params{"tag": "cold"}}},
		},
		ForEach{Over: "open_deals", Body: []Step{Action{Kind: "sync_crm", Params: Params{"integration": "hubspot", "object": "deal"}}}},
		Wait{Duration: 48 * time.Hour},
		Action{Kind: "update_contact", Params: Params{"field": "stage", "value": "nurture"}},
	}}
	agent := testAgent
	agent.Schedule = "@daily"
	e := NewEstimator(DefaultCosts(), 1000)

	first, err := json.Marshal(e.Run(plan, agent, 12))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		again, err := json.Marshal(e.Run(plan, agent, 12))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("run %d differs:\n%s\n%s", i, first, again)
		}
	}
}

func TestRun_FailurePropagation(t *testing.T) {
	plan := Plan{Steps: []Step{
		email("a@example.com"),
		Action{Kind: "add_tag", Params: Params{"tag": "engaged"}},
		Action{Kind: "post_slack", Params: Params{"channel": "#sales"}},
		Action{Kind: "create_task", Params: Params{"title": "Call back"}},
		email("b@example.com"),
	}}

	res := NewEstimator(DefaultCosts(), 0).Run(plan, testAgent, 1)

	if res.Success {
		t.Fatal("Success = true, want false")
	}
	if res.FailedAtStep != 3 {
		t.Errorf("FailedAtStep = %d, want 3", res.FailedAtStep)
	}
	if !strings.Contains(res.Error, `integration "slack" is not enabled`) {
		t.Errorf("Error = %q", res.Error)
	}
	want := []StepStatus{StepSimulated, StepSimulated, StepError, StepSkipped, StepSkipped}
	if len(res.Steps) != len(want) {
		t.Fatalf("got %d steps, want %d", len(res.Steps), len(want))
	}
	for i, s := range res.Steps {
		if s.Status != want[i] {
			t.Errorf("step %d status = %s, want %s", i+1, s.Status, want[i])
		}
		if s.Number != i+1 {
			t.Errorf("step %d numbered %d", i+1, s.Number)
		}
	}

	errs := res.Errors()
	if len(errs) != 1 || errs[0].Step != 3 {
		t.Fatalf("Errors() = %+v", errs)
	}
	if !strings.Contains(errs[0].Suggestion, "Connect slack") {
		t.Errorf("Suggestion = %q", errs[0].Suggestion)
	}
	if res.Monthly != nil {
		t.Error("failed run carries a projection")
	}
}

func TestRun_Preconditions(t *testing.T) {
	tests := []struct {
		name    string
		step    Step
		wantErr string
	}{
		{"unknown template", Action{Kind: "send_email", Params: Params{"to": "x", "template": "nope"}}, `template "nope" does not exist`},
		{"unknown kind", Action{Kind: "teleport", Params: Params{}}, `unknown action kind "teleport"`},
		{"missing param", Action{Kind: "add_tag", Params: Params{}}, `missing required parameter "tag"`},
		{"nested disallowed", Conditional{
			Condition: "x",
			Then:      []Step{Action{Kind: "send_sms", Params: Params{"to": "1", "message": "hi"}}},
		}, `then[0]: integration "twilio" is not enabled`},
		{"bulk body", ForEach{Over: "leads", Count: 3, Body: []Step{Action{Kind: "sync_crm", Params: Params{"integration": "Salesforce", "object": "lead"}}}},
			`do[0]: integration "salesforce" is not enabled`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := NewEstimator(nil, 0).Run(Plan{Steps: []Step{tt.step}}, testAgent, 1)
			if res.Success || res.FailedAtStep != 1 {
				t.Fatalf("Success=%v FailedAtStep=%d", res.Success, res.FailedAtStep)
			}
			if !strings.Contains(res.Steps[0].Note, tt.wantErr) {
				t.Errorf("Note = %q, want it to contain %q", res.Steps[0].Note, tt.wantErr)
			}
			if res.Warnings[0].Suggestion == "" {
				t.Error("no suggestion for precondition failure")
			}
		})
	}
}

func TestRun_ConditionalRange(t *testing.T) {
	costs := CostTable{
		"ai_generate":    {Credits: 2},
		"enrich_contact": {Credits: 5},
		"send_email":     {Credits: 1},
	}
	agent := testAgent
	agent.Integrations = append(agent.Integrations, "apollo")

	plan := Plan{Steps: []Step{
		Conditional{
			Condition: "contact.company == \"\"",
			Then:      []Step{Action{Kind: "ai_generate", Params: Params{"prompt": "guess"}}},
			Else:      []Step{Action{Kind: "enrich_contact"}},
		},
	}}
	res := NewEstimator(costs, 0).Run(plan, agent, 1)
	if got := res.EstimatedCredits; got.Min != 2 || got.Max != 5 {
		t.Errorf("EstimatedCredits = %+v, want [2,5]", got)
	}
	if res.Steps[0].Note == "" {
		t.Error("range step has no note")
	}

	// Shared linear cost is added on both sides.
	plan.Steps = append([]Step{email("a@b.c")}, plan.Steps...)
	plan.Steps = append(plan.Steps, email("a@b.c"))
	res = NewEstimator(costs, 0).Run(plan, agent, 1)
	if got := res.EstimatedCredits; got.Min != 4 || got.Max != 7 {
		t.Errorf("EstimatedCredits = %+v, want [4,7]", got)
	}

	byDriver := map[string]CreditRange{}
	for _, l := range res.Breakdown {
		byDriver[l.Driver] = l.Credits
	}
	if byDriver["send_email"] != (CreditRange{2, 2}) ||
		byDriver["ai_generate"] != (CreditRange{0, 2}) ||
		byDriver["enrich_contact"] != (CreditRange{0, 5}) {
		t.Errorf("Breakdown = %+v", res.Breakdown)
	}
}

func TestRun_BulkEntry(t *testing.T) {
	costs := CostTable{"send_email": {Credits: 1, Time: time.Second}}
	plan := Plan{Steps: []Step{
		ForEach{Over: "contacts", Count: 40, Body: []Step{Action{Kind: "send_email", Params: Params{"to": "{{item.email}}"}}}},
	}}

	res := NewEstimator(costs, 0).Run(plan, testAgent, 1)

	if len(res.Steps) != 1 {
		t.Fatalf("got %d step entries, want 1", len(res.Steps))
	}
	if res.EstimatedCredits != (CreditRange{40, 40}) {
		t.Errorf("EstimatedCredits = %+v, want 40", res.EstimatedCredits)
	}
	if len(res.Bulk) != 1 {
		t.Fatalf("got %d bulk entries, want 1", len(res.Bulk))
	}
	b := res.Bulk[0]
	if b.Count != 40 || b.PerItemCredits != (CreditRange{1, 1}) || b.Credits != (CreditRange{40, 40}) || b.Step != 1 {
		t.Errorf("bulk entry = %+v", b)
	}
	if b.Label == "" {
		t.Error("bulk entry has no label")
	}
	if res.EstimatedDuration.Active.MaxMS != 40_000 {
		t.Errorf("active time = %+v, want 40s", res.EstimatedDuration.Active)
	}
}

func TestRun_BulkDefaultsToEntityCount(t *testing.T) {
	costs := CostTable{"send_email": {Credits: 1}}
	plan := Plan{Steps: []Step{
		ForEach{Over: "targets", Body: []Step{Action{Kind: "send_email", Params: Params{"to": "x"}}}},
	}}
	res := NewEstimator(costs, 0).Run(plan, testAgent, 7)
	if res.EstimatedCredits.Max != 7 || res.Bulk[0].Count != 7 {
		t.Errorf("credits = %+v, bulk = %+v", res.EstimatedCredits, res.Bulk)
	}
}

func TestRun_LargeFanOutWarning(t *testing.T) {
	e := NewEstimator(nil, 0)
	e.LargeFanOut = 10
	plan := Plan{Steps: []Step{
		ForEach{Over: "contacts", Count: 11, Body: []Step{Action{Kind: "add_tag", Params: Params{"tag": "x"}}}},
	}}
	res := e.Run(plan, testAgent, 1)
	if !res.Success || len(res.Warnings) != 1 || res.Warnings[0].Severity != SeverityWarning {
		t.Errorf("Warnings = %+v", res.Warnings)
	}
}

func TestRun_NestedBulkCountsAreRunWide(t *testing.T) {
	costs := CostTable{"add_tag": {Credits: 1}}
	plan := Plan{Steps: []Step{
		ForEach{Over: "companies", Count: 3, Body: []Step{
			ForEach{Over: "contacts", Count: 4, Body: []Step{Action{Kind: "add_tag", Params: Params{"tag": "x"}}}},
		}},
	}}
	e := NewEstimator(costs, 0)
	e.LargeFanOut = 10

	res := e.Run(plan, testAgent, 1)

	if res.EstimatedCredits != (CreditRange{12, 12}) {
		t.Errorf("EstimatedCredits = %+v, want 12", res.EstimatedCredits)
	}
	if len(res.Bulk) != 2 {
		t.Fatalf("got %d bulk entries, want 2", len(res.Bulk))
	}
	inner, outer := res.Bulk[0], res.Bulk[1]
	if inner.Count != 12 || inner.Credits != (CreditRange{12, 12}) || inner.PerItemCredits != (CreditRange{1, 1}) {
		t.Errorf("inner bulk = %+v", inner)
	}
	if !strings.Contains(inner.Label, "x 12 contacts") {
		t.Errorf("inner label = %q", inner.Label)
	}
	if outer.Count != 3 || outer.Credits != (CreditRange{12, 12}) {
		t.Errorf("outer bulk = %+v", outer)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0].Message, "fans out to 12 contacts") {
		t.Errorf("Warnings = %+v", res.Warnings)
	}
}

func TestRun_NegativeCountFails(t *testing.T) {
	costs := CostTable{"add_tag": {Credits: 1}}
	plan := Plan{Steps: []Step{
		ForEach{Over: "contacts", Count: -5, Body: []Step{Action{Kind: "add_tag", Params: Params{"tag": "x"}}}},
		Action{Kind: "add_tag", Params: Params{"tag": "y"}},
	}}

	res := NewEstimator(costs, 0).Run(plan, testAgent, 1)

	if res.Success || res.FailedAtStep != 1 {
		t.Fatalf("Success = %v, FailedAtStep = %d", res.Success, res.FailedAtStep)
	}
	if res.Steps[0].Status != StepError || res.Steps[1].Status != StepSkipped {
		t.Errorf("statuses = %s, %s", res.Steps[0].Status, res.Steps[1].Status)
	}
	if !strings.Contains(res.Error, "negative count -5") {
		t.Errorf("Error = %q", res.Error)
	}
	if res.EstimatedCredits.Min < 0 || res.EstimatedCredits.Max < 0 || len(res.Bulk) != 0 {
		t.Errorf("credits = %+v, bulk = %+v", res.EstimatedCredits, res.Bulk)
	}
}

func TestRun_LongPromptPreviewStaysValid(t *testing.T) {
	prompt := strings.Repeat("é", 80)
	plan := Plan{Steps: []Step{Action{Kind: "ai_generate", Params: Params{"prompt": prompt}}}}

	res := NewEstimator(DefaultCosts(), 0).Run(plan, testAgent, 1)

	if !res.Success {
		t.Fatalf("Error = %q", res.Error)
	}
	preview := res.Steps[0].Preview
	if !utf8.ValidString(preview) {
		t.Fatalf("preview is not valid UTF-8: %q", preview)
	}
	if !strings.Contains(preview, strings.Repeat("é", 57)+"...") || strings.Contains(preview, strings.Repeat("é", 58)) {
		t.Errorf("preview = %q", preview)
	}
}

func TestRun_WaitKeptSeparate(t *testing.T) {
	costs := CostTable{"send_email": {Credits: 1, Time: 2 * time.Second}}
	plan := Plan{Steps: []Step{
		email("a@b.c"),
		Wait{Duration: 2 * 24 * time.Hour},
		email("a@b.c"),
	}}
	res := NewEstimator(costs, 0).Run(plan, testAgent, 1)

	d := res.EstimatedDuration
	if d.Active != (TimeRange{4000, 4000}) {
		t.Errorf("Active = %+v, want 4s", d.Active)
	}
	if d.Wait != (TimeRange{172_800_000, 172_800_000}) {
		t.Errorf("Wait = %+v, want 48h", d.Wait)
	}
	if res.Steps[1].Credits != (CreditRange{}) {
		t.Errorf("wait step charged %+v", res.Steps[1].Credits)
	}
	if got := d.String(); got != "4s active + 48h0m0s waiting" {
		t.Errorf("String() = %q", got)
	}
}

func TestRun_MonthlyProjection(t *testing.T) {
	costs := CostTable{"send_email": {Credits: 2}}
	agent := testAgent
	agent.Schedule = "@daily"
	plan := Plan{Steps: []Step{email("a@b.c")}}

	res := NewEstimator(costs, 50).Run(plan, agent, 1)
	p := res.Monthly
	if p == nil {
		t.Fatal("no projection for scheduled agent")
	}
	if p.RunsPerMonth != 30 || p.Credits != (CreditRange{60, 60}) {
		t.Errorf("projection = %+v", p)
	}
	if !p.HighUsage {
		t.Error("projection above threshold not flagged")
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0].Message, "high-usage") {
		t.Errorf("Warnings = %+v", res.Warnings)
	}

	res = NewEstimator(costs, 100).Run(plan, agent, 1)
	if res.Monthly.HighUsage || len(res.Warnings) != 0 {
		t.Error("projection under threshold flagged")
	}

	agent.Schedule = ""
	if NewEstimator(costs, 100).Run(plan, agent, 1).Monthly != nil {
		t.Error("unscheduled agent has a projection")
	}
}

func TestRun_BadSchedule(t *testing.T) {
	agent := testAgent
	agent.Schedule = "every tuesday"
	res := NewEstimator(nil, 0).Run(Plan{Steps: []Step{email("a@b.c")}}, agent, 1)
	if !res.Success || res.Monthly != nil {
		t.Fatalf("Success=%v Monthly=%v", res.Success, res.Monthly)
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Suggestion == "" {
		t.Errorf("Warnings = %+v", res.Warnings)
	}
}

func TestRun_EmptyPlan(t *testing.T) {
	res := NewEstimator(nil, 0).Run(Plan{}, testAgent, 0)
	if !res.Success || res.EntityCount != 1 || len(res.Warnings) != 1 {
		t.Errorf("res = %+v", res)
	}
}

func TestRunsPerMonth(t *testing.T) {
	tests := []struct {
		expr string
		want int
	}{
		{"@daily", 30},
		{"0 * * * *", 720},
		{"@weekly", 4},
		{"0 9 1 * *", 1},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := RunsPerMonth(tt.expr)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("RunsPerMonth(%q) = %d, want %d", tt.expr, got, tt.want)
			}
		})
	}

	if _, err := RunsPerMonth("* * *"); err == nil {
		t.Error("expected error for malformed schedule")
	}
}

func TestCompare(t *testing.T) {
	e := NewEstimator(CostTable{"send_email": {Credits: 1, Time: time.Second}}, 0)
	prev := e.Run(Plan{Steps: []Step{email("a")}}, testAgent, 1)
	cur := e.Run(Plan{Steps: []Step{email("a"), email("b"), Action{Kind: "post_slack", Params: Params{"channel": "x"}}}}, testAgent, 1)

	d := Compare(prev, cur)
	if d.Credits != (CreditRange{1, 1}) || d.StepsDelta != 2 || !d.BecameFailing || d.BecamePassing {
		t.Errorf("Compare() = %+v", d)
	}
}
