// Package query turns the user's filter selections into list and export
// requests.
package query

import (
	"errors"
	"fmt"
	"time"

	"github.com/xeet991fx/mrmorris-build-sub005/internal/execution"
)

// DefaultPageSize is the fixed number of executions per page.
const DefaultPageSize = 20

// StatusFilter selects executions by status. StatusAll disables the filter.
type StatusFilter string

const (
	StatusAll       StatusFilter = "all"
	StatusCompleted StatusFilter = StatusFilter(execution.StatusCompleted)
	StatusFailed    StatusFilter = StatusFilter(execution.StatusFailed)
	StatusCancelled StatusFilter = StatusFilter(execution.StatusCancelled)
	StatusRunning   StatusFilter = StatusFilter(execution.StatusRunning)
	StatusWaiting   StatusFilter = StatusFilter(execution.StatusWaiting)
)

// ParseStatusFilter accepts the filter names used on the wire. The empty
// string means all.
func ParseStatusFilter(s string) (StatusFilter, error) {
	switch f := StatusFilter(s); f {
	case "":
		return StatusAll, nil
	case StatusAll, StatusCompleted, StatusFailed, StatusCancelled, StatusRunning, StatusWaiting:
		return f, nil
	}
	return "", fmt.Errorf("%w: status %q", ErrInvalidFilter, s)
}

// DateRange is a relative window resolved at query time.
type DateRange string

const (
	RangeAllTime DateRange = "all"
	RangeLast24h DateRange = "last24h"
	RangeLast7d  DateRange = "last7d"
	RangeLast30d DateRange = "last30d"
)

// ParseDateRange accepts the range names used on the wire. The empty string
// means all time.
func ParseDateRange(s string) (DateRange, error) {
	switch r := DateRange(s); r {
	case "":
		return RangeAllTime, nil
	case RangeAllTime, RangeLast24h, RangeLast7d, RangeLast30d:
		return r, nil
	}
	return "", fmt.Errorf("%w: date range %q", ErrInvalidFilter, s)
}

// Window returns the length of the range, or zero for all time.
func (r DateRange) Window() time.Duration {
	switch r {
	case RangeLast24h:
		return 24 * time.Hour
	case RangeLast7d:
		return 7 * 24 * time.Hour
	case RangeLast30d:
		return 30 * 24 * time.Hour
	}
	return 0
}

// Resolve turns the range into absolute bounds ending at now. Both are nil for
// all time.
func (r DateRange) Resolve(now time.Time) (start, end *time.Time) {
	w := r.Window()
	if w == 0 {
		return nil, nil
	}
	e := now.UTC()
	s := e.Add(-w)
	return &s, &e
}

// ErrInvalidFilter is returned for unknown filter values.
var ErrInvalidFilter = errors.New("invalid filter")

// FilterState is what the user has selected.
type FilterState struct {
	Status    StatusFilter
	DateRange DateRange
	Search    string // settled value only
	Limit     int
	Offset    int
}

// Engine is the filter state machine. Every settled change yields a new
// ListRequest; changes to status, range or search reset the offset.
// Not safe for concurrent use.
type Engine struct {
	clock Clock
	state FilterState

	loaded    bool
	lastCount int
	total     int
	err       error
}

// NewEngine returns an engine with no filters and the given page size.
func NewEngine(clock Clock, pageSize int) *Engine {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Engine{
		clock: clock,
		state: FilterState{Status: StatusAll, DateRange: RangeAllTime, Limit: pageSize},
	}
}

// State returns the current filter state.
func (e *Engine) State() FilterState {
	return e.state
}

// SetStatus changes the status filter and reports whether it changed.
func (e *Engine) SetStatus(s StatusFilter) bool {
	if s == "" {
		s = StatusAll
	}
	if s == e.state.Status {
		return false
	}
	e.state.Status = s
	e.state.Offset = 0
	return true
}

// SetDateRange changes the date window and reports whether it changed.
func (e *Engine) SetDateRange(r DateRange) bool {
	if r == "" {
		r = RangeAllTime
	}
	if r == e.state.DateRange {
		return false
	}
	e.state.DateRange = r
	e.state.Offset = 0
	return true
}

// SettleSearch promotes a debounced search value and reports whether it
// changed.
func (e *Engine) SettleSearch(v string) bool {
	if v == e.state.Search {
		return false
	}
	e.state.Search = v
	e.state.Offset = 0
	return true
}

// HasPrev reports whether there is a previous page.
func (e *Engine) HasPrev() bool {
	return e.state.Offset > 0
}

// HasNext reports whether the last loaded page was full.
func (e *Engine) HasNext() bool {
	return e.loaded && e.lastCount >= e.state.Limit
}

// Next advances one page and reports whether it moved.
func (e *Engine) Next() bool {
	if !e.HasNext() {
		return false
	}
	e.state.Offset += e.state.Limit
	return true
}

// Prev goes back one page and reports whether it moved.
func (e *Engine) Prev() bool {
	if !e.HasPrev() {
		return false
	}
	e.state.Offset -= e.state.Limit
	if e.state.Offset < 0 {
		e.state.Offset = 0
	}
	return true
}

// Request builds the list request for the current state.
func (e *Engine) Request() ListRequest {
	req := ListRequest{
		Search: e.state.Search,
		Limit:  e.state.Limit,
		Skip:   e.state.Offset,
	}
	if e.state.Status != StatusAll {
		req.Status = execution.Status(e.state.Status)
	}
	req.StartDate, req.EndDate = e.state.DateRange.Resolve(e.clock.Now())
	return req
}

// ExportRequest builds the export request: the same filters without paging.
func (e *Engine) ExportRequest(format Format) ExportRequest {
	lr := e.Request()
	return ExportRequest{
		Status:    lr.Status,
		StartDate: lr.StartDate,
		EndDate:   lr.EndDate,
		Format:    format,
	}
}

// PageLoaded records a successful list response.
func (e *Engine) PageLoaded(n, total int) {
	e.loaded = true
	e.lastCount = n
	e.total = total
	e.err = nil
}

// PageFailed records a failed list call. The previous page stays current.
func (e *Engine) PageFailed(err error) {
	e.err = err
}

// Total returns the count reported with the last page.
func (e *Engine) Total() int {
	return e.total
}

// Err returns the transient error of the last list call, if any.
func (e *Engine) Err() error {
	return e.err
}

// DismissError clears the transient error notice.
func (e *Engine) DismissError() {
	e.err = nil
}
