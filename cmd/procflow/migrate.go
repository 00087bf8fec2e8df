package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/eleven-am/procflow/internal/adapters/serialization"
	"github.com/eleven-am/procflow/internal/xjson"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate [file...]",
	Short: "Rewrite instance documents at the current schema version",
	Long: `Upgrades persisted instance documents to the current schema version.

With file arguments each file is migrated and written back in place. Without
arguments every instance in the configured store is loaded, which migrates it,
and saved again; this needs the definitions the instances were started from.

Examples:
  procflow migrate backup/*.json
  procflow migrate -c procflow.yaml -d order.yaml`,
	RunE: runMigrate,
}

var migrateDryRun bool

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "Report what would change without writing")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, err := openManager(cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	out := cmd.OutOrStdout()
	if len(args) > 0 {
		for _, path := range args {
			from, err := migrateFile(m.Serializer(), path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Fprintf(out, "%s: v%d -> v%d\n", path, from, serialization.CurrentVersion)
		}
		return nil
	}

	ctx := cmd.Context()
	loaded, err := m.LoadAll(ctx)
	if err != nil {
		return err
	}
	if migrateDryRun {
		fmt.Fprintf(out, "%d stored instances readable at v%d\n", loaded, serialization.CurrentVersion)
		return nil
	}
	for _, id := range m.List() {
		if err := m.Save(ctx, id); err != nil {
			return fmt.Errorf("save %s: %w", id, err)
		}
	}
	fmt.Fprintf(out, "%d stored instances rewritten at v%d\n", loaded, serialization.CurrentVersion)
	return nil
}

func migrateFile(s *serialization.Serializer, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	doc, from, err := s.Upgrade(raw)
	if err != nil {
		return from, err
	}
	if migrateDryRun || from == serialization.CurrentVersion {
		return from, nil
	}
	upgraded, err := xjson.MarshalIndent(doc)
	if err != nil {
		return from, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return from, err
	}
	return from, os.WriteFile(path, upgraded, info.Mode().Perm())
}
