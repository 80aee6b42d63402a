package dryrun

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidPlan is returned for plan documents that cannot be decoded.
var ErrInvalidPlan = errors.New("invalid plan")

// rawStep is the YAML shape of a step. Exactly one of Action, If, ForEach or
// Wait must be set.
type rawStep struct {
	Action  string            `yaml:"action"`
	Params  map[string]string `yaml:"params"`
	If      string            `yaml:"if"`
	Then    []rawStep         `yaml:"then"`
	Else    []rawStep         `yaml:"else"`
	ForEach string            `yaml:"for_each"`
	Count   int               `yaml:"count"`
	Do      []rawStep         `yaml:"do"`
	Wait    string            `yaml:"wait"`
}

type rawPlan struct {
	Steps []rawStep `yaml:"steps"`
}

// UnmarshalYAML decodes a plan with tagged step variants.
func (p *Plan) UnmarshalYAML(node *yaml.Node) error {
	var raw rawPlan
	if err := node.Decode(&raw); err != nil {
		return err
	}
	steps, err := convertSteps(raw.Steps, "steps")
	if err != nil {
		return err
	}
	p.Steps = steps
	return nil
}

// LoadPlan reads a plan from a YAML file.
func LoadPlan(path string) (Plan, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Plan{}, fmt.Errorf("reading plan: %w", err)
	}
	return ParsePlan(data)
}

// ParsePlan decodes a YAML plan document.
func ParsePlan(data []byte) (Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Plan{}, fmt.Errorf("parsing plan: %w", err)
	}
	return p, nil
}

func convertSteps(raw []rawStep, path string) ([]Step, error) {
	steps := make([]Step, 0, len(raw))
	for i, r := range raw {
		s, err := convertStep(r, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, nil
}

func convertStep(r rawStep, path string) (Step, error) {
	set := 0
	for _, v := range []bool{r.Action != "", r.If != "", r.ForEach != "", r.Wait != ""} {
		if v {
			set++
		}
	}
	if set != 1 {
		return nil, fmt.Errorf("%w: %s: exactly one of action, if, for_each, wait is required", ErrInvalidPlan, path)
	}

	switch {
	case r.Action != "":
		return Action{Kind: r.Action, Params: Params(r.Params)}, nil

	case r.If != "":
		then, err := convertSteps(r.Then, path+".then")
		if err != nil {
			return nil, err
		}
		els, err := convertSteps(r.Else, path+".else")
		if err != nil {
			return nil, err
		}
		return Conditional{Condition: r.If, Then: then, Else: els}, nil

	case r.ForEach != "":
		if r.Count < 0 {
			return nil, fmt.Errorf("%w: %s: negative count", ErrInvalidPlan, path)
		}
		body, err := convertSteps(r.Do, path+".do")
		if err != nil {
			return nil, err
		}
		return ForEach{Over: r.ForEach, Count: r.Count, Body: body}, nil

	default:
		d, err := parseWait(r.Wait)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPlan, path, err)
		}
		return Wait{Duration: d}, nil
	}
}

// parseWait accepts Go durations plus a day suffix, e.g. "2d".
func parseWait(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("wait %q: bad day count", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("wait %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("wait %q: negative", s)
	}
	return d, nil
}
