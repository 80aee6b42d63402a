package dryrun

import "time"

// Cost is what one execution of an action kind consumes.
type Cost struct {
	Credits int           `yaml:"credits" json:"credits"`
	Time    time.Duration `yaml:"time" json:"time"`
}

// CostTable maps action names to their static cost.
type CostTable map[string]Cost

// DefaultCosts returns the built-in price list.
func DefaultCosts() CostTable {
	return CostTable{
		"send_email":     {Credits: 1, Time: 2 * time.Second},
		"send_sms":       {Credits: 2, Time: 2 * time.Second},
		"post_slack":     {Credits: 1, Time: time.Second},
		"update_contact": {Credits: 0, Time: 500 * time.Millisecond},
		"add_tag":        {Credits: 0, Time: 300 * time.Millisecond},
		"create_task":    {Credits: 0, Time: 500 * time.Millisecond},
		"sync_crm":       {Credits: 1, Time: 3 * time.Second},
		"enrich_contact": {Credits: 3, Time: 4 * time.Second},
		"ai_generate":    {Credits: 2, Time: 6 * time.Second},
		"webhook":        {Credits: 1, Time: 2 * time.Second},
	}
}

// CreditRange is a credit estimate; Min equals Max for a point estimate.
type CreditRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

func point(c int) CreditRange { return CreditRange{Min: c, Max: c} }

func (r CreditRange) add(o CreditRange) CreditRange {
	return CreditRange{Min: r.Min + o.Min, Max: r.Max + o.Max}
}

func (r CreditRange) times(n int) CreditRange {
	return CreditRange{Min: r.Min * n, Max: r.Max * n}
}

// IsRange reports whether the estimate is not a single value.
func (r CreditRange) IsRange() bool { return r.Min != r.Max }

// TimeRange is a duration estimate in milliseconds.
type TimeRange struct {
	MinMS int64 `json:"minMs"`
	MaxMS int64 `json:"maxMs"`
}

func pointTime(d time.Duration) TimeRange {
	ms := d.Milliseconds()
	return TimeRange{MinMS: ms, MaxMS: ms}
}

func (r TimeRange) add(o TimeRange) TimeRange {
	return TimeRange{MinMS: r.MinMS + o.MinMS, MaxMS: r.MaxMS + o.MaxMS}
}

func (r TimeRange) times(n int) TimeRange {
	return TimeRange{MinMS: r.MinMS * int64(n), MaxMS: r.MaxMS * int64(n)}
}

// IsZero reports whether both bounds are zero.
func (r TimeRange) IsZero() bool { return r.MinMS == 0 && r.MaxMS == 0 }
