package query

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/xeet991fx/mrmorris-build-sub005/internal/execution"
)

// MaxLimit caps the page size a server accepts.
const MaxLimit = 100

// ListRequest is the payload of a list call.
type ListRequest struct {
	Status    execution.Status
	StartDate *time.Time
	EndDate   *time.Time
	Search    string
	Limit     int
	Skip      int
}

// Values encodes the request as URL query parameters.
func (r ListRequest) Values() url.Values {
	v := url.Values{}
	encodeFilters(v, r.Status, r.StartDate, r.EndDate)
	if r.Search != "" {
		v.Set("search", r.Search)
	}
	v.Set("limit", strconv.Itoa(r.Limit))
	v.Set("skip", strconv.Itoa(r.Skip))
	return v
}

// ParseListRequest decodes and validates URL query parameters.
func ParseListRequest(v url.Values) (ListRequest, error) {
	req := ListRequest{Search: v.Get("search"), Limit: DefaultPageSize}
	var err error
	if req.Status, req.StartDate, req.EndDate, err = decodeFilters(v); err != nil {
		return ListRequest{}, err
	}
	if s := v.Get("limit"); s != "" {
		if req.Limit, err = strconv.Atoi(s); err != nil || req.Limit < 1 {
			return ListRequest{}, fmt.Errorf("%w: limit %q", ErrInvalidFilter, s)
		}
		if req.Limit > MaxLimit {
			req.Limit = MaxLimit
		}
	}
	if s := v.Get("skip"); s != "" {
		if req.Skip, err = strconv.Atoi(s); err != nil || req.Skip < 0 {
			return ListRequest{}, fmt.Errorf("%w: skip %q", ErrInvalidFilter, s)
		}
	}
	return req, nil
}

// Format is the serialization of an export.
type Format string

const (
	FormatStructured Format = "json"
	FormatTabular    Format = "csv"
)

// ParseFormat accepts "json"/"structured" and "csv"/"tabular".
func ParseFormat(s string) (Format, error) {
	switch s {
	case "json", "structured":
		return FormatStructured, nil
	case "csv", "tabular":
		return FormatTabular, nil
	}
	return "", fmt.Errorf("%w: export format %q", ErrInvalidFilter, s)
}

// Extension returns the file extension including the dot.
func (f Format) Extension() string {
	return "." + string(f)
}

// ContentType returns the MIME type of the payload.
func (f Format) ContentType() string {
	if f == FormatTabular {
		return "text/csv"
	}
	return "application/json"
}

// ExportRequest is the payload of an export call.
type ExportRequest struct {
	Status    execution.Status
	StartDate *time.Time
	EndDate   *time.Time
	Format    Format
}

// Values encodes the request as URL query parameters.
func (r ExportRequest) Values() url.Values {
	v := url.Values{}
	encodeFilters(v, r.Status, r.StartDate, r.EndDate)
	v.Set("format", string(r.Format))
	return v
}

// ParseExportRequest decodes and validates URL query parameters.
func ParseExportRequest(v url.Values) (ExportRequest, error) {
	var req ExportRequest
	var err error
	if req.Status, req.StartDate, req.EndDate, err = decodeFilters(v); err != nil {
		return ExportRequest{}, err
	}
	f := v.Get("format")
	if f == "" {
		f = string(FormatStructured)
	}
	if req.Format, err = ParseFormat(f); err != nil {
		return ExportRequest{}, err
	}
	return req, nil
}

func encodeFilters(v url.Values, status execution.Status, start, end *time.Time) {
	if status != "" {
		v.Set("status", string(status))
	}
	if start != nil {
		v.Set("startDate", start.UTC().Format(time.RFC3339Nano))
	}
	if end != nil {
		v.Set("endDate", end.UTC().Format(time.RFC3339Nano))
	}
}

func decodeFilters(v url.Values) (execution.Status, *time.Time, *time.Time, error) {
	var status execution.Status
	if s := v.Get("status"); s != "" && s != string(StatusAll) {
		status = execution.Status(s)
		if !status.Valid() {
			return "", nil, nil, fmt.Errorf("%w: status %q", ErrInvalidFilter, s)
		}
	}
	start, err := parseTime(v.Get("startDate"))
	if err != nil {
		return "", nil, nil, err
	}
	end, err := parseTime(v.Get("endDate"))
	if err != nil {
		return "", nil, nil, err
	}
	if start != nil && end != nil && end.Before(*start) {
		return "", nil, nil, fmt.Errorf("%w: endDate before startDate", ErrInvalidFilter)
	}
	return status, start, end, nil
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, fmt.Errorf("%w: time %q: %v", ErrInvalidFilter, s, err)
	}
	return &t, nil
}
