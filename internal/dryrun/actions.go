package dryrun

import (
	"fmt"
	"sort"
	"strings"
)

// ActionKind previews one kind of action. Preview must be pure: it may read
// and update the synthetic World but never touch anything real.
type ActionKind interface {
	// Name returns the action identifier used in plans (e.g. "send_email").
	Name() string

	// Integration returns the integration the action needs, or "" if none.
	Integration(p Params) string

	// Required lists parameters that must be present.
	Required() []string

	// Preview describes what the action would do.
	Preview(p Params, agent Agent, w *World) (string, map[string]string, error)
}

// Registry maps action names to their kinds.
type Registry struct {
	kinds map[string]ActionKind
}

// NewRegistry creates a registry with all built-in action kinds.
func NewRegistry() *Registry {
	r := &Registry{kinds: make(map[string]ActionKind)}
	r.Register(sendEmail{})
	r.Register(sendSMS{})
	r.Register(postSlack{})
	r.Register(updateContact{})
	r.Register(addTag{})
	r.Register(createTask{})
	r.Register(syncCRM{})
	r.Register(enrichContact{})
	r.Register(aiGenerate{})
	r.Register(webhook{})
	return r
}

// Register adds an action kind to the registry.
func (r *Registry) Register(k ActionKind) {
	r.kinds[k.Name()] = k
}

// Get returns the kind for the given action name.
func (r *Registry) Get(name string) (ActionKind, error) {
	k, ok := r.kinds[name]
	if !ok {
		return nil, fmt.Errorf("unknown action kind %q", name)
	}
	return k, nil
}

// Names returns all registered action names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.kinds))
	for n := range r.kinds {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// World is the synthetic state a dry run threads through the plan.
type World struct {
	Sent   map[string]int
	Fields map[string]string
	Tags   []string
	Tasks  int
}

func newWorld() *World {
	return &World{Sent: map[string]int{}, Fields: map[string]string{}}
}

func (w *World) clone() *World {
	c := &World{
		Sent:   make(map[string]int, len(w.Sent)),
		Fields: make(map[string]string, len(w.Fields)),
		Tags:   append([]string(nil), w.Tags...),
		Tasks:  w.Tasks,
	}
	for k, v := range w.Sent {
		c.Sent[k] = v
	}
	for k, v := range w.Fields {
		c.Fields[k] = v
	}
	return c
}

func (w *World) hasTag(tag string) bool {
	for _, t := range w.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func ordinal(n int) string {
	suffix := "th"
	switch {
	case n%100 >= 11 && n%100 <= 13:
	case n%10 == 1:
		suffix = "st"
	case n%10 == 2:
		suffix = "nd"
	case n%10 == 3:
		suffix = "rd"
	}
	return fmt.Sprintf("%d%s", n, suffix)
}

type sendEmail struct{}

func (sendEmail) Name() string              { return "send_email" }
func (sendEmail) Integration(Params) string { return "email" }
func (sendEmail) Required() []string        { return []string{"to"} }

func (sendEmail) Preview(p Params, agent Agent, w *World) (string, map[string]string, error) {
	details := map[string]string{"recipient": p["to"]}
	subject := p["subject"]
	if id := p["template"]; id != "" {
		tpl, ok := agent.Templates[id]
		if !ok {
			return "", nil, fmt.Errorf("template %q does not exist", id)
		}
		details["template"] = tpl.Name
		if subject == "" {
			subject = tpl.Subject
		}
	}
	if subject != "" {
		details["subject"] = subject
	}
	w.Sent["email"]++
	return fmt.Sprintf("Would send the %s email of this run to %s", ordinal(w.Sent["email"]), p["to"]), details, nil
}

type sendSMS struct{}

func (sendSMS) Name() string              { return "send_sms" }
func (sendSMS) Integration(Params) string { return "twilio" }
func (sendSMS) Required() []string        { return []string{"to", "message"} }

func (sendSMS) Preview(p Params, _ Agent, w *World) (string, map[string]string, error) {
	w.Sent["sms"]++
	msg := p["message"]
	return fmt.Sprintf("Would text %s (%d characters)", p["to"], len(msg)),
		map[string]string{"recipient": p["to"], "message": msg}, nil
}

type postSlack struct{}

func (postSlack) Name() string              { return "post_slack" }
func (postSlack) Integration(Params) string { return "slack" }
func (postSlack) Required() []string        { return []string{"channel"} }

func (postSlack) Preview(p Params, _ Agent, w *World) (string, map[string]string, error) {
	w.Sent["slack"]++
	return fmt.Sprintf("Would post to Slack channel %s", p["channel"]),
		map[string]string{"channel": p["channel"], "message": p["message"]}, nil
}

type updateContact struct{}

func (updateContact) Name() string              { return "update_contact" }
func (updateContact) Integration(Params) string { return "" }
func (updateContact) Required() []string        { return []string{"field", "value"} }

func (updateContact) Preview(p Params, _ Agent, w *World) (string, map[string]string, error) {
	field, value := p["field"], p["value"]
	details := map[string]string{"field": field, "value": value}
	desc := fmt.Sprintf("Would set contact %s to %q", field, value)
	if prev, ok := w.Fields[field]; ok {
		details["previous"] = prev
		desc += fmt.Sprintf(" (set earlier in this run to %q)", prev)
	}
	w.Fields[field] = value
	return desc, details, nil
}

type addTag struct{}

func (addTag) Name() string              { return "add_tag" }
func (addTag) Integration(Params) string { return "" }
func (addTag) Required() []string        { return []string{"tag"} }

func (addTag) Preview(p Params, _ Agent, w *World) (string, map[string]string, error) {
	tag := p["tag"]
	if w.hasTag(tag) {
		return fmt.Sprintf("Tag %q is already added earlier in this run", tag), map[string]string{"tag": tag}, nil
	}
	w.Tags = append(w.Tags, tag)
	return fmt.Sprintf("Would tag the contact %q", tag), map[string]string{"tag": tag}, nil
}

type createTask struct{}

func (createTask) Name() string              { return "create_task" }
func (createTask) Integration(Params) string { return "" }
func (createTask) Required() []string        { return []string{"title"} }

func (createTask) Preview(p Params, _ Agent, w *World) (string, map[string]string, error) {
	w.Tasks++
	details := map[string]string{"title": p["title"]}
	if a := p["assignee"]; a != "" {
		details["assignee"] = a
	}
	return fmt.Sprintf("Would create task %q", p["title"]), details, nil
}

type syncCRM struct{}

func (syncCRM) Name() string                { return "sync_crm" }
func (syncCRM) Integration(p Params) string { return strings.ToLower(p["integration"]) }
func (syncCRM) Required() []string          { return []string{"integration", "object"} }

func (syncCRM) Preview(p Params, _ Agent, _ *World) (string, map[string]string, error) {
	return fmt.Sprintf("Would upsert a %s record in %s", p["object"], p["integration"]),
		map[string]string{"integration": p["integration"], "object": p["object"]}, nil
}

type enrichContact struct{}

func (enrichContact) Name() string              { return "enrich_contact" }
func (enrichContact) Integration(Params) string { return "apollo" }
func (enrichContact) Required() []string        { return nil }

func (enrichContact) Preview(p Params, _ Agent, w *World) (string, map[string]string, error) {
	fields := p["fields"]
	if fields == "" {
		fields = "company,title"
	}
	for _, f := range strings.Split(fields, ",") {
		if f = strings.TrimSpace(f); f != "" {
			w.Fields[f] = "<enriched>"
		}
	}
	return fmt.Sprintf("Would look up %s for the contact", fields), map[string]string{"fields": fields}, nil
}

type aiGenerate struct{}

func (aiGenerate) Name() string              { return "ai_generate" }
func (aiGenerate) Integration(Params) string { return "" }
func (aiGenerate) Required() []string        { return []string{"prompt"} }

func (aiGenerate) Preview(p Params, _ Agent, _ *World) (string, map[string]string, error) {
	prompt := p["prompt"]
	short := prompt
	if r := []rune(prompt); len(r) > 60 {
		short = string(r[:57]) + "..."
	}
	return fmt.Sprintf("Would generate text for %q", short), map[string]string{"prompt": prompt}, nil
}

type webhook struct{}

func (webhook) Name() string              { return "webhook" }
func (webhook) Integration(Params) string { return "webhook" }
func (webhook) Required() []string        { return []string{"url"} }

func (webhook) Preview(p Params, _ Agent, _ *World) (string, map[string]string, error) {
	method := p["method"]
	if method == "" {
		method = "POST"
	}
	return fmt.Sprintf("Would call %s %s", method, p["url"]),
		map[string]string{"method": method, "url": p["url"]}, nil
}
