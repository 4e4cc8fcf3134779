package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/snapvault/pkg/breaker"
	"github.com/ethpandaops/snapvault/pkg/snapshot"
	"github.com/ethpandaops/snapvault/pkg/storage"
)

//nolint:gochecknoglobals // Command flags need to be global for cobra
var (
	snapshotsCfgFile string
	snapshotsLimit   int
	snapshotsStatus  string
)

// snapshotsCmd represents the snapshots command group
//
//nolint:gochecknoglobals // Cobra commands are typically global
var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "Inspect stored snapshots",
	Long: `Read-only access to the snapshot store.

Examples:
  # Most recent successful snapshot
  snapvault snapshots latest

  # Enumerate snapshot metadata, newest first
  snapvault snapshots list --limit 10

  # One district document from a given date
  snapvault snapshots get 2024-01-05 --district 101`,
}

//nolint:gochecknoglobals // Cobra commands are typically global
var snapshotsLatestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Show the most recent successful snapshot",
	RunE:  runSnapshotsLatest,
}

//nolint:gochecknoglobals // Cobra commands are typically global
var snapshotsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshot metadata, newest first",
	RunE:  runSnapshotsList,
}

//nolint:gochecknoglobals // Cobra flags are typically global
var snapshotsDistrict string

//nolint:gochecknoglobals // Cobra commands are typically global
var snapshotsGetCmd = &cobra.Command{
	Use:   "get <snapshot-id>",
	Short: "Show a snapshot, or one district document from it",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotsGet,
}

func init() {
	rootCmd.AddCommand(snapshotsCmd)
	snapshotsCmd.AddCommand(snapshotsLatestCmd, snapshotsListCmd, snapshotsGetCmd)

	snapshotsCmd.PersistentFlags().StringVar(&snapshotsCfgFile, "config", "config.yaml", "config file (default is config.yaml)")

	snapshotsListCmd.Flags().IntVar(&snapshotsLimit, "limit", 20, "Maximum number of snapshots to list")
	snapshotsListCmd.Flags().StringVar(&snapshotsStatus, "status", "", "Filter by status (success, partial_success, failed)")

	snapshotsGetCmd.Flags().StringVar(&snapshotsDistrict, "district", "", "Return only this district's document")
}

func newSnapshotStore(ctx context.Context) (storage.Store, func(), error) {
	cfg, err := loadConfigFromFile(snapshotsCfgFile)
	if err != nil {
		return nil, nil, err
	}

	client, err := storage.NewGCSClient(ctx, &cfg.Storage)
	if err != nil {
		return nil, nil, err
	}

	brCfg := cfg.Breaker
	brCfg.Name = "object-store"
	brCfg.IsFailure = storage.IsCountedFailure

	store := storage.New(logger, client, &cfg.Storage, breaker.New(logger, brCfg))

	cleanup := func() {
		if err := client.Close(); err != nil {
			logger.WithError(err).Error("Failed to close object store client")
		}
	}

	return store, cleanup, nil
}

func runSnapshotsLatest(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	ctx := context.Background()

	store, cleanup, err := newSnapshotStore(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	snap, err := store.GetLatestSuccessful(ctx)
	if err != nil {
		return err
	}

	if snap == nil {
		fmt.Println("no successful snapshot found")

		return nil
	}

	return printJSON(snap.Metadata)
}

func runSnapshotsList(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	ctx := context.Background()

	store, cleanup, err := newSnapshotStore(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	metas, err := store.ListSnapshots(ctx, storage.ListOptions{
		Limit:  snapshotsLimit,
		Status: snapshot.Status(snapshotsStatus),
	})
	if err != nil {
		return err
	}

	for _, meta := range metas {
		fmt.Printf("%s  %-16s  ok=%d failed=%d\n",
			meta.SnapshotID, meta.Status, meta.SuccessCount, meta.FailureCount)
	}

	return nil
}

func runSnapshotsGet(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	ctx := context.Background()

	store, cleanup, err := newSnapshotStore(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if snapshotsDistrict != "" {
		doc, err := store.ReadDistrict(ctx, args[0], snapshotsDistrict)
		if err != nil {
			return err
		}

		if doc == nil {
			fmt.Println("not found")

			return nil
		}

		return printJSON(doc)
	}

	snap, err := store.GetSnapshot(ctx, args[0])
	if err != nil {
		return err
	}

	if snap == nil {
		fmt.Println("not found")

		return nil
	}

	return printJSON(snap)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}
