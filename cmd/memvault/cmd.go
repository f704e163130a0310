package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/eidetic-ai/memvault"
	"github.com/eidetic-ai/memvault/config"
	"github.com/eidetic-ai/memvault/memory"
)

func newCmd() *cobra.Command {
	var rosterFile string

	cmd := &cobra.Command{
		Use:          "memvault",
		Short:        "Conversational memory engine",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&rosterFile, "roster", "characters.yaml", "character roster file")

	cmd.AddCommand(
		newSweepCmd(&rosterFile),
		newDecayCmd(&rosterFile),
		newMigrateCmd(&rosterFile),
		newExportCmd(&rosterFile),
	)
	return cmd
}

func newEngine(cmd *cobra.Command, rosterFile string) (*memvault.Engine, error) {
	roster, err := config.LoadRosterFromFile(rosterFile)
	if err != nil {
		return nil, err
	}
	return memvault.NewEngine(cmd.Context(),
		memvault.WithCharacters(roster.CharacterIDs()...),
	)
}

func newSweepCmd(rosterFile *string) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the lifecycle and decay sweeps",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := newEngine(cmd, *rosterFile)
			if err != nil {
				return err
			}
			defer engine.Close()

			if once {
				engine.SweepOnce(cmd.Context())
				return nil
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if err := engine.StartSweeper(ctx); err != nil && !errors.Is(err, ctx.Err()) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single sweep and exit")
	return cmd
}

func newDecayCmd(rosterFile *string) *cobra.Command {
	var (
		characterID string
		rate        float64
		list        bool
		threshold   float64
	)

	cmd := &cobra.Command{
		Use:   "decay",
		Short: "Apply significance decay, or list decay candidates",
		RunE: func(cmd *cobra.Command, args []string) error {
			if characterID == "" {
				return errors.Errorf("--character is required")
			}

			engine, err := newEngine(cmd, *rosterFile)
			if err != nil {
				return err
			}
			defer engine.Close()

			if list {
				records, err := engine.ListDecayCandidates(cmd.Context(), characterID, threshold)
				if err != nil {
					return err
				}
				for _, record := range records {
					fmt.Fprintf(os.Stdout, "%s\t%.3f\t%s\n", record.ID, record.Significance, record.CreatedAt.Format("2006-01-02"))
				}
				return nil
			}

			report, err := engine.ApplyDecay(cmd.Context(), characterID, rate)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "processed=%d decayed=%d protected=%d skipped=%d\n",
				report.Processed, report.Decayed, report.Protected, report.Skipped)
			return nil
		},
	}
	cmd.Flags().StringVar(&characterID, "character", "", "character id")
	cmd.Flags().Float64Var(&rate, "rate", 0.1, "decay rate in (0, 1]")
	cmd.Flags().BoolVar(&list, "list", false, "list candidates instead of decaying")
	cmd.Flags().Float64Var(&threshold, "threshold", 0.3, "significance ceiling for --list")
	return cmd
}

func newMigrateCmd(rosterFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Schema migration between collection generations",
	}

	var characterID string
	cmd.PersistentFlags().StringVar(&characterID, "character", "", "character id")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "snapshot",
			Short: "Snapshot the live collection",
			RunE: func(cmd *cobra.Command, args []string) error {
				engine, err := newEngine(cmd, *rosterFile)
				if err != nil {
					return err
				}
				defer engine.Close()

				entry, err := engine.Migrator().Snapshot(cmd.Context(), characterID)
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "snapshot %s -> %s\n", entry.ID, entry.Location)
				return nil
			},
		},
		&cobra.Command{
			Use:   "backfill",
			Short: "Create the next generation and backfill it from the live collection",
			RunE: func(cmd *cobra.Command, args []string) error {
				engine, err := newEngine(cmd, *rosterFile)
				if err != nil {
					return err
				}
				defer engine.Close()

				ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer cancel()

				migrator := engine.Migrator()
				target, err := migrator.NewGeneration(ctx, characterID, nil, 0)
				if err != nil {
					return err
				}
				report, err := migrator.Backfill(ctx, characterID, target)
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "backfilled %s: processed=%d embedded=%d resumed=%v\n",
					target.Collection, report.Processed, report.Embedded, report.Resumed)
				return nil
			},
		},
		newCutoverCmd(rosterFile, &characterID),
		newRollbackCmd(rosterFile, &characterID),
	)
	return cmd
}

func newCutoverCmd(rosterFile *string, characterID *string) *cobra.Command {
	var collection string

	cmd := &cobra.Command{
		Use:   "cutover",
		Short: "Repoint the alias at a backfilled generation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if collection == "" {
				return errors.Errorf("--collection is required")
			}

			engine, err := newEngine(cmd, *rosterFile)
			if err != nil {
				return err
			}
			defer engine.Close()

			target, err := engine.Migrator().HandleForCollection(*characterID, collection)
			if err != nil {
				return err
			}
			return engine.Migrator().Cutover(cmd.Context(), *characterID, target)
		},
	}
	cmd.Flags().StringVar(&collection, "collection", "", "target physical collection")
	return cmd
}

func newRollbackCmd(rosterFile *string, characterID *string) *cobra.Command {
	var snapshotID string

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Repoint the alias back at a snapshotted collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			if snapshotID == "" {
				return errors.Errorf("--snapshot is required")
			}

			engine, err := newEngine(cmd, *rosterFile)
			if err != nil {
				return err
			}
			defer engine.Close()

			return engine.Migrator().Rollback(cmd.Context(), *characterID, snapshotID)
		},
	}
	cmd.Flags().StringVar(&snapshotID, "snapshot", "", "snapshot id")
	return cmd
}

func newExportCmd(rosterFile *string) *cobra.Command {
	var (
		characterID string
		userID      string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Stream namespace records to stdout as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := newEngine(cmd, *rosterFile)
			if err != nil {
				return err
			}
			defer engine.Close()

			characters := engine.Characters()
			if characterID != "" {
				characters = []string{characterID}
			}
			var filter *memory.Filter
			if userID != "" {
				filter = &memory.Filter{UserID: userID}
			}

			encoder := json.NewEncoder(os.Stdout)
			for _, id := range characters {
				if err := engine.Export(cmd.Context(), id, filter, func(record *memory.MemoryRecord) error {
					return encoder.Encode(record)
				}); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&characterID, "character", "", "export only this character")
	cmd.Flags().StringVar(&userID, "user", "", "restrict to one user's records")
	return cmd
}
