package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/xeet991fx/mrmorris-build-sub005/internal/agents"
	"github.com/xeet991fx/mrmorris-build-sub005/internal/client"
	"github.com/xeet991fx/mrmorris-build-sub005/internal/config"
	"github.com/xeet991fx/mrmorris-build-sub005/internal/dryrun"
	"github.com/xeet991fx/mrmorris-build-sub005/internal/query"
	"github.com/xeet991fx/mrmorris-build-sub005/internal/session"
)

var (
	configPath  string
	serverURL   string
	apiKey      string
	workspaceID string
	agentID     string
	asJSON      bool

	cfg *config.Config
)

func main() {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	root := &cobra.Command{
		Use:           "execwatch",
		Short:         "Inspect, retry, export and dry-run agent executions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig()
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("EXECWATCH_CONFIG"), "Config file")
	root.PersistentFlags().StringVar(&serverURL, "server", "", "Server URL (overrides collaborator.base_url)")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("EXECWATCH_API_KEY"), "API key")
	root.PersistentFlags().StringVarP(&workspaceID, "workspace", "w", os.Getenv("EXECWATCH_WORKSPACE"), "Workspace ID")
	root.PersistentFlags().StringVarP(&agentID, "agent", "a", "", "Agent ID")
	root.PersistentFlags().BoolVar(&asJSON, "json", false, "Print raw JSON")

	root.AddCommand(listCmd(), showCmd(), retryCmd(), exportCmd(), testCmd(), watchCmd())
	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+err.Error())
		os.Exit(1)
	}
}

func loadConfig() error {
	if configPath == "" {
		cfg = config.DefaultConfig()
	} else {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}
	if serverURL != "" {
		cfg.Collaborator.BaseURL = serverURL
	}
	if apiKey != "" {
		cfg.Collaborator.APIKey = apiKey
	}
	return nil
}

func newClient() *client.Client {
	return client.New(cfg.Collaborator.BaseURL, cfg.Collaborator.APIKey, cfg.Collaborator.Timeout)
}

func requireAgent() error {
	if workspaceID == "" || agentID == "" {
		return fmt.Errorf("--workspace and --agent are required")
	}
	return nil
}

func sessionOptions() session.Options {
	return session.Options{
		WorkspaceID:     workspaceID,
		AgentID:         agentID,
		PageSize:        cfg.Session.PageSize,
		SearchDebounce:  cfg.Session.SearchDebounce,
		OrphanGrace:     cfg.Session.OrphanGrace,
		RefreshInterval: cfg.Session.RefreshInterval,
		ExportDir:       cfg.Session.ExportDir,
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type filterFlags struct {
	status    string
	dateRange string
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.status, "status", "s", "all", "Status filter (all, completed, failed, cancelled, running, waiting)")
	cmd.Flags().StringVarP(&f.dateRange, "range", "r", "all", "Date range (all, last24h, last7d, last30d)")
}

func (f *filterFlags) parse() (query.StatusFilter, query.DateRange, error) {
	status, err := query.ParseStatusFilter(f.status)
	if err != nil {
		return "", "", err
	}
	dr, err := query.ParseDateRange(f.dateRange)
	if err != nil {
		return "", "", err
	}
	return status, dr, nil
}

func listCmd() *cobra.Command {
	var (
		filters filterFlags
		search  string
		page    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List an agent's executions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAgent(); err != nil {
				return err
			}
			status, dr, err := filters.parse()
			if err != nil {
				return err
			}
			if page < 1 {
				return fmt.Errorf("--page must be >= 1")
			}

			engine := query.NewEngine(query.SystemClock{}, cfg.Session.PageSize)
			engine.SetStatus(status)
			engine.SetDateRange(dr)
			engine.SettleSearch(search)
			req := engine.Request()
			req.Skip = (page - 1) * req.Limit

			res, err := newClient().ListExecutions(cmd.Context(), workspaceID, agentID, req)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(res)
			}
			fmt.Print(renderRecords(res.Executions, nil, nil))
			pages := max((res.Count+req.Limit-1)/req.Limit, 1)
			fmt.Println(dimStyle.Render(fmt.Sprintf("\npage %d of %d, %d executions", page, pages, res.Count)))
			return nil
		},
	}
	filters.register(cmd)
	cmd.Flags().StringVarP(&search, "search", "q", "", "Search execution ID or summary")
	cmd.Flags().IntVarP(&page, "page", "p", 1, "Page number")
	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [execution-id]",
		Short: "Show an execution and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAgent(); err != nil {
				return err
			}
			d, err := newClient().GetExecution(cmd.Context(), workspaceID, agentID, args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(d)
			}
			fmt.Print(renderDetail(d))
			return nil
		},
	}
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry [execution-id]",
		Short: "Retry a failed execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAgent(); err != nil {
				return err
			}
			res, err := newClient().RetryExecution(cmd.Context(), workspaceID, agentID, args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(res)
			}
			fmt.Printf("%s %s, new execution %s\n", statusCompleted.Render("✓"), res.Message, res.ExecutionID)
			return nil
		},
	}
}

func exportCmd() *cobra.Command {
	var (
		filters filterFlags
		format  string
		outDir  string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export every matching execution to a JSON or CSV file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAgent(); err != nil {
				return err
			}
			status, dr, err := filters.parse()
			if err != nil {
				return err
			}
			f, err := query.ParseFormat(format)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			opts := sessionOptions()
			opts.RefreshInterval = 0
			if outDir != "" {
				opts.ExportDir = outDir
			}
			s := session.Open(ctx, newClient(), opts)
			defer s.Close()

			if err := s.SetStatus(status); err != nil {
				return err
			}
			if err := s.SetDateRange(dr); err != nil {
				return err
			}
			if err := s.OpenExport(); err != nil {
				return err
			}
			if err := s.Export(f); err != nil {
				return err
			}
			snap, err := s.Wait(ctx, func(snap session.Snapshot) bool { return !snap.Export.InFlight })
			if err != nil {
				return err
			}
			if snap.Export.Err != "" {
				return fmt.Errorf("export failed: %s", snap.Export.Err)
			}
			fmt.Printf("%s exported to %s\n", statusCompleted.Render("✓"), snap.Export.Path)
			return nil
		},
	}
	filters.register(cmd)
	cmd.Flags().StringVarP(&format, "format", "f", "json", "Export format (json, csv)")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "Directory to write the file to")
	return cmd
}

func testCmd() *cobra.Command {
	var (
		entities  int
		agentFile string
		save      string
		compare   string
	)
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Dry-run an agent and estimate its cost",
		Long: "Dry-run an agent on the server, or locally with --agent-file.\n" +
			"Nothing is sent, written or charged.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				res *dryrun.Result
				err error
			)
			if agentFile != "" {
				res, err = simulateLocally(agentFile, entities)
			} else {
				if err := requireAgent(); err != nil {
					return err
				}
				res, err = newClient().TestAgent(cmd.Context(), workspaceID, agentID, dryrun.TestRequest{EntityCount: entities})
			}
			if err != nil {
				return err
			}

			var prev *dryrun.Result
			if compare != "" {
				if prev, err = loadResult(compare); err != nil {
					return err
				}
			}
			if save != "" {
				if err := saveResult(save, res); err != nil {
					return err
				}
			}

			if asJSON {
				return printJSON(res)
			}
			fmt.Print(renderTest(res))
			if prev != nil {
				fmt.Print(renderDelta(dryrun.Compare(prev, res)))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&entities, "entities", "n", 0, "Number of records the agent would act on")
	cmd.Flags().StringVar(&agentFile, "agent-file", "", "Simulate this agent definition locally")
	cmd.Flags().StringVar(&save, "save", "", "Write the result to this file")
	cmd.Flags().StringVar(&compare, "compare", "", "Compare with a result saved earlier")
	return cmd
}

func simulateLocally(path string, entities int) (*dryrun.Result, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading agent file: %w", err)
	}
	def, err := agents.Parse(data)
	if err != nil {
		return nil, err
	}
	est := dryrun.NewEstimator(cfg.CostTable(), cfg.Estimator.HighUsageCredits)
	if cfg.Estimator.LargeFanOut > 0 {
		est.LargeFanOut = cfg.Estimator.LargeFanOut
	}
	return est.Run(def.Plan, def.Agent(), entities), nil
}

func loadResult(path string) (*dryrun.Result, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading previous result: %w", err)
	}
	var res dryrun.Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("parsing previous result: %w", err)
	}
	return &res, nil
}

func saveResult(path string, res *dryrun.Result) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func runHealth(cmd *cobra.Command, args []string) error {
	h, err := newClient().Health(cmd.Context())
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(h)
	}
	fmt.Printf("%s %s  %s database=%v uptime=%s\n", titleStyle.Render("Server"), cfg.Collaborator.BaseURL,
		styleHealth(h.Status), h.Database, h.Uptime)
	return nil
}

func styleHealth(status string) string {
	if status == "ok" {
		return statusCompleted.Render(status)
	}
	return statusFailed.Render(status)
}
