package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/snapvault/pkg/backfill"
	"github.com/ethpandaops/snapvault/pkg/redis"
)

//nolint:gochecknoglobals // Command flags need to be global for cobra
var (
	backfillCfgFile   string
	backfillFrom      string
	backfillTo        string
	backfillDistricts []string
	backfillForce     bool
	backfillReason    string
)

// backfillCmd represents the backfill command group
//
//nolint:gochecknoglobals // Cobra commands are typically global
var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Manage backfill jobs",
	Long: `Submit and inspect historical collection jobs. Only one job can be
active at a time; new submissions are rejected until it finishes.

Examples:
  # Backfill every configured district over a range
  snapvault backfill submit --from 2024-01-01 --to 2024-01-31

  # Backfill a subset of districts
  snapvault backfill submit --from 2024-01-01 --to 2024-01-07 --district 101 --district 205

  # Inspect and cancel
  snapvault backfill status <job-id>
  snapvault backfill cancel <job-id>
  snapvault backfill cancel <job-id> --force --reason "worker host lost"`,
}

//nolint:gochecknoglobals // Cobra commands are typically global
var backfillSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new backfill job",
	RunE:  runBackfillSubmit,
}

//nolint:gochecknoglobals // Cobra commands are typically global
var backfillStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the state of a backfill job",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackfillStatus,
}

//nolint:gochecknoglobals // Cobra commands are typically global
var backfillListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all known backfill jobs",
	RunE:  runBackfillList,
}

//nolint:gochecknoglobals // Cobra commands are typically global
var backfillCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a backfill job",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackfillCancel,
}

func init() {
	rootCmd.AddCommand(backfillCmd)
	backfillCmd.AddCommand(backfillSubmitCmd, backfillStatusCmd, backfillListCmd, backfillCancelCmd)

	backfillCmd.PersistentFlags().StringVar(&backfillCfgFile, "config", "config.yaml", "config file (default is config.yaml)")

	backfillSubmitCmd.Flags().StringVar(&backfillFrom, "from", "", "First date to collect (YYYY-MM-DD)")
	backfillSubmitCmd.Flags().StringVar(&backfillTo, "to", "", "Last date to collect (YYYY-MM-DD)")
	backfillSubmitCmd.Flags().StringArrayVar(&backfillDistricts, "district", nil, "District to collect (repeatable, default all configured)")

	_ = backfillSubmitCmd.MarkFlagRequired("from")
	_ = backfillSubmitCmd.MarkFlagRequired("to")

	backfillCancelCmd.Flags().BoolVar(&backfillForce, "force", false, "Force-cancel regardless of runtime state")
	backfillCancelCmd.Flags().StringVar(&backfillReason, "reason", "", "Reason recorded on a force-cancelled job")
}

func newBackfillClient() (*backfill.Client, error) {
	cfg, err := LoadCLIConfig(backfillCfgFile)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opt, err := goredis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	queue := backfill.NewQueueManager(redis.NewAsynqRedisOptions(opt))

	return backfill.NewClient(logger, &cfg.Backfill, goredis.NewClient(opt), queue, cfg.Redis.Prefix), nil
}

func runBackfillSubmit(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	client, err := newBackfillClient()
	if err != nil {
		return err
	}
	defer closeBackfillClient(client)

	job, err := client.Submit(context.Background(), backfill.SubmitRequest{
		Range:     backfill.DateRange{From: backfillFrom, To: backfillTo},
		Districts: backfillDistricts,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Submitted job %s (%s .. %s, %d districts)\n",
		job.ID, job.Range.From, job.Range.To, len(job.Districts))

	return nil
}

func runBackfillStatus(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	client, err := newBackfillClient()
	if err != nil {
		return err
	}
	defer closeBackfillClient(client)

	job, err := client.GetJob(context.Background(), args[0])
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(job)
}

func runBackfillList(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	client, err := newBackfillClient()
	if err != nil {
		return err
	}
	defer closeBackfillClient(client)

	jobs, err := client.ListJobs(context.Background())
	if err != nil {
		return err
	}

	for _, job := range jobs {
		fmt.Printf("%s  %-16s  %s .. %s  errors=%d\n",
			job.ID, job.Status, job.Range.From, job.Range.To, job.ErrorCount)
	}

	return nil
}

func runBackfillCancel(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	client, err := newBackfillClient()
	if err != nil {
		return err
	}
	defer closeBackfillClient(client)

	ctx := context.Background()

	if backfillForce {
		if err := client.ForceCancelJob(ctx, args[0], backfillReason); err != nil {
			return err
		}

		fmt.Printf("Force-cancelled job %s\n", args[0])

		return nil
	}

	if err := client.CancelJob(ctx, args[0]); err != nil {
		return err
	}

	fmt.Printf("Cancelled job %s\n", args[0])

	return nil
}

func closeBackfillClient(client *backfill.Client) {
	if err := client.Close(); err != nil {
		logger.WithError(err).Error("Failed to close backfill client")
	}
}
