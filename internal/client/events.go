package client

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/xeet991fx/mrmorris-build-sub005/internal/execution"
)

// maxEventSize bounds one Server-Sent Event line.
const maxEventSize = 1 << 20

// Subscribe opens the agent's event stream. The returned channel is closed
// when ctx is done or the stream ends.
func (c *Client) Subscribe(ctx context.Context, workspaceID, agentID string) (<-chan execution.Event, error) {
	req, err := c.newRequest(ctx, http.MethodGet, agentPath(workspaceID, agentID, "events"), nil, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.do(c.stream, req)
	if err != nil {
		return nil, err
	}

	out := make(chan execution.Event)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		err := readEvents(resp.Body, func(ev execution.Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		})
		if err != nil && ctx.Err() == nil {
			log.Debug().Err(err).Str("agent_id", agentID).Msg("event stream closed")
		}
	}()
	return out, nil
}

// readEvents parses a text/event-stream body and calls emit for every
// execution event until emit returns false or the body ends. Comment lines
// and events of other types are skipped.
func readEvents(r io.Reader, emit func(execution.Event) bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxEventSize)

	var (
		kind string
		data strings.Builder
	)
	dispatch := func() bool {
		defer func() {
			kind = ""
			data.Reset()
		}()
		if data.Len() == 0 {
			return true
		}
		var ev execution.Event
		if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
			log.Debug().Err(err).Str("event", kind).Msg("skipping malformed event")
			return true
		}
		if ev.Kind == "" {
			ev.Kind = execution.EventKind(kind)
		}
		if ev.Validate() != nil {
			return true
		}
		return emit(ev)
	}

	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if !dispatch() {
				return nil
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			kind = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	dispatch()
	return io.ErrUnexpectedEOF
}
