package dryrun

import "regexp"

// suggestionRule maps an error text pattern to a fix the user can apply.
// The suggestion may reference submatches with $1.
type suggestionRule struct {
	Name       string
	Regex      *regexp.Regexp
	Suggestion string
}

var suggestionRules = []suggestionRule{
	{
		Name:       "integration_disabled",
		Regex:      regexp.MustCompile(`integration "([^"]+)" is not enabled`),
		Suggestion: "Connect $1 in the agent's integration settings, or remove the step that uses it.",
	},
	{
		Name:       "template_missing",
		Regex:      regexp.MustCompile(`template "([^"]+)" does not exist`),
		Suggestion: "Create the template \"$1\" in the workspace or point the step at an existing template.",
	},
	{
		Name:       "unknown_action",
		Regex:      regexp.MustCompile(`unknown action kind "([^"]+)"`),
		Suggestion: "Rephrase the instruction for \"$1\" using a supported action.",
	},
	{
		Name:       "missing_param",
		Regex:      regexp.MustCompile(`missing required parameter "([^"]+)"`),
		Suggestion: "Tell the agent what to use for \"$1\" in its instructions.",
	},
	{
		Name:       "bad_schedule",
		Regex:      regexp.MustCompile(`schedule "[^"]*" (could not be parsed|fires more than once)`),
		Suggestion: "Use a five-field cron expression such as \"0 9 * * 1-5\" or a descriptor like @daily.",
	},
	{
		Name:       "high_usage",
		Regex:      regexp.MustCompile(`exceeds the high-usage threshold`),
		Suggestion: "Run the agent less often or narrow the contacts it targets.",
	},
	{
		Name:       "large_fanout",
		Regex:      regexp.MustCompile(`fans out to \d+`),
		Suggestion: "Add a filter to the bulk step so it targets fewer records.",
	},
	{
		Name:       "empty_plan",
		Regex:      regexp.MustCompile(`plan has no steps`),
		Suggestion: "Add instructions describing what the agent should do.",
	},
}

// Suggest returns the fix for an error text, or "" when none is known.
func Suggest(errText string) string {
	for _, r := range suggestionRules {
		m := r.Regex.FindStringSubmatchIndex(errText)
		if m == nil {
			continue
		}
		return string(r.Regex.ExpandString(nil, r.Suggestion, errText, m))
	}
	return ""
}
