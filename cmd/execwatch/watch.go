package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/xeet991fx/mrmorris-build-sub005/internal/monitor"
	"github.com/xeet991fx/mrmorris-build-sub005/internal/query"
	"github.com/xeet991fx/mrmorris-build-sub005/internal/session"
	"github.com/xeet991fx/mrmorris-build-sub005/internal/store"
)

const clearScreen = "\033[H\033[2J"

var errQuit = errors.New("quit")

func watchCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow an agent's executions live",
		Long: "Follow an agent's executions live. The view updates as executions\n" +
			"start, progress and finish. Type commands followed by Enter.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAgent(); err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			opts := sessionOptions()
			if metricsAddr != "" {
				m := monitor.NewMetrics()
				opts.Observer = m
				srv := serveMetrics(metricsAddr, m)
				defer srv.Close()
			}

			s := session.Open(ctx, newClient(), opts)
			defer s.Close()

			lines := make(chan string)
			go readLines(ctx, lines)

			draw(s)
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-s.Updates():
					draw(s)
				case line, ok := <-lines:
					if !ok {
						return nil
					}
					err := runCommand(s, line)
					if errors.Is(err, errQuit) {
						return nil
					}
					draw(s)
					if err != nil {
						fmt.Println(errorStyle.Render(err.Error()))
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve viewer metrics on this address (e.g. :9091)")
	return cmd
}

func serveMetrics(addr string, m *monitor.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
	return srv
}

func readLines(ctx context.Context, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		select {
		case out <- sc.Text():
		case <-ctx.Done():
			return
		}
	}
}

func draw(s *session.Session) {
	changes, complete, err := s.Changes()
	if err != nil {
		return
	}
	snap, err := s.Snapshot()
	if err != nil {
		return
	}
	var changed map[string]bool
	if complete {
		changed = changedRecords(changes)
	}
	fmt.Print(clearScreen + renderSnapshot(snap, workspaceID, agentID, changed))
}

// changedRecords collects the ids whose record was updated. Page changes are
// left out: a new page is not news for any one row.
func changedRecords(changes []store.Change) map[string]bool {
	out := make(map[string]bool)
	for _, c := range changes {
		if c.Kind == store.ChangeUpserted || c.Kind == store.ChangeDetail {
			out[c.ID] = true
		}
	}
	return out
}

// runCommand applies one line of watch input to the session.
func runCommand(s *session.Session, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return s.Refresh()
	}
	if rest, ok := strings.CutPrefix(line, "/"); ok {
		s.TypeSearch(rest)
		return nil
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "q", "quit":
		return errQuit
	case "n":
		_, err := s.NextPage()
		return err
	case "p":
		_, err := s.PrevPage()
		return err
	case "s":
		f, err := query.ParseStatusFilter(arg)
		if err != nil {
			return err
		}
		return s.SetStatus(f)
	case "d":
		r, err := query.ParseDateRange(arg)
		if err != nil {
			return err
		}
		return s.SetDateRange(r)
	case "o":
		return s.OpenDetail(arg)
	case "c":
		return s.CloseDetail()
	case "r":
		return s.Retry(arg)
	case "e":
		if arg == "" {
			return s.CancelExport()
		}
		f, err := query.ParseFormat(arg)
		if err != nil {
			return err
		}
		if err := s.OpenExport(); err != nil {
			return err
		}
		return s.Export(f)
	case "t":
		n := 0
		if arg != "" {
			var err error
			if n, err = strconv.Atoi(arg); err != nil {
				return fmt.Errorf("entity count: %w", err)
			}
		}
		return s.Test(n)
	case "x":
		return s.DismissNotice()
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
