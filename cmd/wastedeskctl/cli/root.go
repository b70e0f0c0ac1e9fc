// Package cli implements the wastedeskctl operator commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/hibiken/asynq"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"

	"github.com/wastedesk/wastedesk/jobs"
)

// Settings holds the CLI environment defaults; flags override them.
type Settings struct {
	APIURL        string        `envconfig:"WASTEDESK_API_URL" default:"http://127.0.0.1:8080"`
	Operator      string        `envconfig:"WASTEDESK_OPERATOR"`
	Timeout       time.Duration `envconfig:"WASTEDESK_CLI_TIMEOUT" default:"30s"`
	RedisAddr     string        `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD"`
	RedisDB       int           `envconfig:"REDIS_DB" default:"0"`
}

// LoadSettings reads CLI defaults from the environment.
func LoadSettings() (Settings, error) {
	var s Settings
	if err := envconfig.Process("", &s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Queue is the subset of JobsCLI used by the commands.
type Queue interface {
	Trigger(ctx context.Context, name, period string) (*asynq.TaskInfo, error)
	InspectQueue(ctx context.Context) (QueueStats, error)
	ListArchived(ctx context.Context, size int) ([]*asynq.TaskInfo, error)
	Close() error
}

// Operator is the subset of OperatorClient used by the commands.
type Operator interface {
	Approve(ctx context.Context, id string) (ApprovalResult, error)
	ListDeclarations(ctx context.Context, status string, limit int) ([]DeclarationSummary, error)
	ListJobs(ctx context.Context, status string, limit int) ([]JobSummary, error)
}

// Deps builds the backends lazily so commands only connect to what they use.
type Deps struct {
	Queue    func(Settings) Queue
	Operator func(Settings) Operator
}

// DefaultDeps connects to Redis and the operator API.
func DefaultDeps() Deps {
	return Deps{
		Queue: func(s Settings) Queue {
			return NewJobsCLI(asynq.RedisClientOpt{Addr: s.RedisAddr, Password: s.RedisPassword, DB: s.RedisDB})
		},
		Operator: func(s Settings) Operator {
			return NewOperatorClient(s.APIURL, s.Operator, s.Timeout)
		},
	}
}

// NewRootCommand assembles the wastedeskctl command tree.
func NewRootCommand(settings Settings, deps Deps) *cobra.Command {
	root := &cobra.Command{
		Use:           "wastedeskctl",
		Short:         "Operate the wastedesk declaration engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&settings.APIURL, "api", settings.APIURL, "operator API base URL")
	root.PersistentFlags().StringVar(&settings.Operator, "operator", settings.Operator, "operator identity sent with approvals")
	root.PersistentFlags().StringVar(&settings.RedisAddr, "redis", settings.RedisAddr, "Redis address of the trigger queue")

	root.AddCommand(
		triggerCommand(&settings, deps),
		queueCommand(&settings, deps),
		approveCommand(&settings, deps),
		declarationsCommand(&settings, deps),
		jobsCommand(&settings, deps),
	)
	return root
}

func triggerCommand(settings *Settings, deps Deps) *cobra.Command {
	var period string
	cmd := &cobra.Command{
		Use:       "trigger <name>",
		Short:     "Enqueue a one-off trigger run",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: jobs.TriggerNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue := deps.Queue(*settings)
			defer func() { _ = queue.Close() }()
			info, err := queue.Trigger(cmd.Context(), args[0], period)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s as task %s on queue %s\n", args[0], info.ID, info.Queue)
			return nil
		},
	}
	cmd.Flags().StringVar(&period, "period", "", "pin the trigger to a period (YYYY-MM)")
	return cmd
}

func queueCommand(settings *Settings, deps Deps) *cobra.Command {
	var archived int
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show trigger queue depth",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			queue := deps.Queue(*settings)
			defer func() { _ = queue.Close() }()
			stats, err := queue.InspectQueue(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "queue=%s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
				stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
			if archived <= 0 {
				return nil
			}
			tasks, err := queue.ListArchived(cmd.Context(), archived)
			if err != nil {
				return err
			}
			for _, t := range tasks {
				fmt.Fprintf(out, "archived %s %s: %s\n", t.ID, t.Type, t.LastErr)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&archived, "archived", 0, "also list up to N archived runs")
	return cmd
}

func approveCommand(settings *Settings, deps Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "approve <declaration-id>",
		Short: "Approve a declaration waiting for approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if settings.Operator == "" {
				return fmt.Errorf("operator required: pass --operator or set WASTEDESK_OPERATOR")
			}
			result, err := deps.Operator(*settings).Approve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !result.Success {
				return fmt.Errorf("approval refused: %s", result.Message)
			}
			fmt.Fprintln(cmd.OutOrStdout(), result.Message)
			return nil
		},
	}
}

func declarationsCommand(settings *Settings, deps Deps) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "declarations",
		Short: "List declarations by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			decls, err := deps.Operator(*settings).ListDeclarations(cmd.Context(), status, limit)
			if err != nil {
				return err
			}
			w := newTable(cmd.OutOrStdout())
			fmt.Fprintln(w, "ID\tSTREAM\tPERIOD\tKIND\tSTATUS\tWEIGHT\tSHIPMENTS")
			for _, d := range decls {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n", d.ID, d.WasteStreamNumber, d.Period, d.Kind, d.Status, d.TotalWeight, d.TotalShipments)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "WAITING_APPROVAL", "declaration status")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows")
	return cmd
}

func jobsCommand(settings *Settings, deps Deps) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List declaration jobs by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := deps.Operator(*settings).ListJobs(cmd.Context(), status, limit)
			if err != nil {
				return err
			}
			w := newTable(cmd.OutOrStdout())
			fmt.Fprintln(w, "ID\tTYPE\tPERIOD\tSTATUS\tERROR")
			for _, j := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.Type, j.Period, j.Status, j.Error)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "FAILED", "job status")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows")
	return cmd
}

func newTable(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
}
