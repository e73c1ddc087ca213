// ============================================================================
// Fabric CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the daemon and its client commands
//
// Command Structure:
//   fabricd                         # Root command
//   ├── run                         # Start the engine, gRPC and admin HTTP servers
//   ├── submit <procedure> k=v...   # Submit a registered procedure (--wait)
//   ├── wait <job-id>               # Block until a job is terminal (--timeout)
//   ├── status <job-id>             # Show a job and its actions
//   ├── cancel <job-id>             # Request cancellation
//   ├── trigger <EVENT> k=v...      # Inject SERVER_LOST / SERVER_DEMOTED / SERVER_PROMOTED
//   ├── procedures                  # List built-in procedures
//   └── wal dump|verify|stats       # Inspect the file backend's checkpoint log offline
//
// Configuration:
//   YAML file (default: configs/fabricd.yaml); a missing default file means
//   built-in defaults. Client commands only read server.grpc_addr, which
//   --addr overrides.
//
// run Command:
//   1. Load and validate config
//   2. Open the checkpoint store (badger / file / postgres / memory)
//   3. Start the engine (crash recovery runs first)
//   4. Serve gRPC and the admin HTTP API under one errgroup
//   5. On SIGINT/SIGTERM: stop servers, stop the engine, close the store
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/fabric-recovery/internal/engine"
	"github.com/ChuLiYu/fabric-recovery/internal/procedure"
	"github.com/ChuLiYu/fabric-recovery/internal/server"
	"github.com/ChuLiYu/fabric-recovery/internal/storage/filestore"
	"github.com/ChuLiYu/fabric-recovery/internal/storage/wal"
	"github.com/ChuLiYu/fabric-recovery/pkg/types"
)

const defaultConfigPath = "configs/fabricd.yaml"

type options struct {
	configFile string
	addr       string
	logLevel   string
}

const version = "1.0.0"

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "fabricd",
		Short: "fabricd: crash-recoverable HA job engine for server farms",
		Long: `fabricd runs failover, switchover, promote and demote procedures as
checkpointed action chains with:
- per-group exclusive locking in FIFO order
- retries for transient errors
- reverse-order compensation on failure
- resume from the first unfinished action after a crash`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(cmd.ErrOrStderr(), opts.logLevel)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", defaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.addr, "addr", "", "daemon gRPC address (default: server.grpc_addr)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn or error")

	rootCmd.AddCommand(
		buildRunCommand(opts),
		buildSubmitCommand(opts),
		buildWaitCommand(opts),
		buildStatusCommand(opts),
		buildCancelCommand(opts),
		buildTriggerCommand(opts),
		buildLookupCommand(opts),
		buildProceduresCommand(),
		buildWALCommand(opts),
	)
	return rootCmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := BuildCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

func setupLogging(w io.Writer, level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("bad --log-level %q: %w", level, err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})))
	return nil
}

func (o *options) load() (*Config, error) {
	return LoadConfig(o.configFile, o.configFile == defaultConfigPath)
}

func buildRunCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the fabric engine daemon",
		Long:  "Recover unfinished jobs from the checkpoint store, then serve gRPC and the admin HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return Run(ctx, cfg)
		},
	}
}

func buildSubmitCommand(opts *options) *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "submit <procedure> [key=value...]",
		Short: "Submit a procedure",
		Example: `  fabricd submit failover group=g1
  fabricd submit promote group=g1 candidate=s3 --wait 30s`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kv, err := parseKV(args[1:])
			if err != nil {
				return err
			}
			return withClient(cmd, opts, func(ctx context.Context, c *server.Client) error {
				id, err := c.SubmitProcedure(ctx, args[0], kv)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job %d submitted\n", id)
				if wait <= 0 {
					return nil
				}
				return waitAndPrint(ctx, cmd.OutOrStdout(), c, id, wait)
			})
		},
	}
	cmd.Flags().DurationVarP(&wait, "wait", "w", 0, "wait up to this long for the job to finish")
	return cmd
}

func buildWaitCommand(opts *options) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "wait <job-id>",
		Short: "Wait for a job to reach a terminal status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, opts, func(ctx context.Context, c *server.Client) error {
				return waitAndPrint(ctx, cmd.OutOrStdout(), c, id, timeout)
			})
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", time.Minute, "maximum time to wait")
	return cmd
}

func buildStatusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show job status and its action checkpoints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, opts, func(ctx context.Context, c *server.Client) error {
				job, err := c.GetJob(ctx, id)
				if err != nil {
					return err
				}
				printJob(cmd.OutOrStdout(), job)
				return nil
			})
		},
	}
}

func buildCancelCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request cancellation of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, opts, func(ctx context.Context, c *server.Client) error {
				if err := c.Cancel(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cancel requested for job %d\n", id)
				return nil
			})
		},
	}
}

func buildTriggerCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:     "trigger <EVENT> [key=value...]",
		Short:   "Publish a server event (SERVER_LOST, SERVER_DEMOTED, SERVER_PROMOTED)",
		Example: "  fabricd trigger SERVER_LOST group=g1 server=s1",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parseKV(args[1:])
			if err != nil {
				return err
			}
			name := types.EventName(strings.ToUpper(args[0]))
			return withClient(cmd, opts, func(ctx context.Context, c *server.Client) error {
				id, err := c.PublishEvent(ctx, name, payload)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "event %s published (%s)\n", name, id)
				return nil
			})
		},
	}
}

func buildLookupCommand(opts *options) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:     "lookup <group>",
		Short:   "List the master and member servers of a group",
		Example: "  fabricd lookup g1 --status spare",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *server.Client) error {
				view, err := c.LookupServers(ctx, args[0], status)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Group %s  master=%s\n", view.Group, view.Master)
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SERVER\tSTATUS\tALIVE\tMASTER\tSOURCE\tAPPLIED")
				for _, s := range view.Servers {
					fmt.Fprintf(tw, "%s\t%s\t%t\t%t\t%s\t%d\n", s.ID, s.Status, s.Alive, s.ID == view.Master, s.Source, s.Applied)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", "", "only list servers with this status")
	return cmd
}

func buildProceduresCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "procedures",
		Short: "List built-in procedures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tREQUIRED\tACTIONS\tDESCRIPTION")
			for _, p := range procedure.NewDefaultRegistry().Procedures() {
				var names []string
				for _, st := range p.Steps(map[string]string{}) {
					names = append(names, st.Action)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Name, strings.Join(p.Required, ","), strings.Join(names, " > "), p.Description)
			}
			return tw.Flush()
		},
	}
}

func buildWALCommand(opts *options) *cobra.Command {
	var path string

	walPath := func() (string, error) {
		if path != "" {
			return path, nil
		}
		cfg, err := opts.load()
		if err != nil {
			return "", err
		}
		return filestore.WALPath(cfg.Store.Path), nil
	}

	cmd := &cobra.Command{
		Use:   "wal",
		Short: "Inspect the file backend's checkpoint log (daemon must be stopped)",
	}
	cmd.PersistentFlags().StringVar(&path, "path", "", "WAL file (default: <store.path>/checkpoint.wal)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "dump",
			Short: "Print every record",
			RunE: func(cmd *cobra.Command, args []string) error {
				p, err := walPath()
				if err != nil {
					return err
				}
				return wal.DumpWAL(p, cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "verify",
			Short: "Check checksums and sequence order",
			RunE: func(cmd *cobra.Command, args []string) error {
				p, err := walPath()
				if err != nil {
					return err
				}
				if err := wal.ValidateWAL(p); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", p)
				return nil
			},
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Show record counts",
			RunE: func(cmd *cobra.Command, args []string) error {
				p, err := walPath()
				if err != nil {
					return err
				}
				stats, err := wal.GetWALStats(p)
				if err != nil {
					return err
				}
				data, err := stats.MarshalStats()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			},
		},
	)
	return cmd
}

// ============================================================================
// Client helpers
// ============================================================================

func withClient(cmd *cobra.Command, opts *options, fn func(ctx context.Context, c *server.Client) error) error {
	addr := opts.addr
	if addr == "" {
		cfg, err := opts.load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		addr = cfg.Server.GRPCAddr
	}
	client, err := server.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(cmd.Context(), client)
}

func waitAndPrint(ctx context.Context, w io.Writer, c *server.Client, id types.JobID, timeout time.Duration) error {
	job, err := c.WaitForJob(ctx, id, timeout)
	if job != nil {
		printJob(w, job)
	}
	if errors.Is(err, engine.ErrWaitTimeout) && job != nil {
		return fmt.Errorf("job %d still %s after %s", id, job.Status, timeout)
	}
	return err
}

func printJob(w io.Writer, job *types.Job) {
	fmt.Fprintf(w, "Job %d  %s  %s\n", job.ID, job.Procedure, job.Status)
	if len(job.Args) > 0 {
		fmt.Fprintf(w, "  args:   %s\n", formatKV(job.Args))
	}
	if len(job.Result) > 0 {
		fmt.Fprintf(w, "  result: %s\n", formatKV(job.Result))
	}
	if job.Error != "" {
		fmt.Fprintf(w, "  error:  %s\n", job.Error)
	}
	if job.Parked {
		fmt.Fprintf(w, "  PARKED: %s\n", job.ParkReason)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  #\tACTION\tSTATUS\tATTEMPTS\tCOMPENSATION\tERROR")
	for _, a := range job.Actions {
		comp := string(a.Compensation)
		if a.Compensator == "" {
			comp = "-"
		} else if comp == "" {
			comp = a.Compensator
		}
		errText := a.Error
		if a.CompensationError != "" {
			errText = strings.TrimSpace(errText + " undo: " + a.CompensationError)
		}
		fmt.Fprintf(tw, "  %d\t%s\t%s\t%d\t%s\t%s\n", a.Index, a.Name, a.Status, a.Attempts, comp, errText)
	}
	_ = tw.Flush()
}

func parseJobID(s string) (types.JobID, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("bad job id %q", s)
	}
	return types.JobID(id), nil
}

func parseKV(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		out[k] = v
	}
	return out, nil
}

func formatKV(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + m[k]
	}
	return strings.Join(parts, " ")
}
