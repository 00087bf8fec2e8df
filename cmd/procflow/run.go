package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/eleven-am/procflow/internal/core"
	"github.com/eleven-am/procflow/internal/xjson"
)

var runCmd = &cobra.Command{
	Use:   "run <definition-id>",
	Short: "Start a process instance and step it until it blocks or finishes",
	Long: `Starts an instance of the given definition and runs engine steps.

With --complete-manual every READY user and manual task is completed with
empty data, so a definition without messages or timers runs to the end.

Examples:
  procflow run order -d order.yaml --data '{"amount": 42}'
  procflow run order -d order.yaml --data-file input.json --complete-manual`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runData           string
	runDataFile       string
	runInstanceID     string
	runScope          string
	runCompleteManual bool
	runMaxRounds      int
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runData, "data", "", "Initial process data as a JSON object")
	runCmd.Flags().StringVar(&runDataFile, "data-file", "", "File holding the initial process data as a JSON object")
	runCmd.Flags().StringVar(&runInstanceID, "id", "", "Instance id (generated when empty)")
	runCmd.Flags().StringVar(&runScope, "scope", "", "Correlation scope to join")
	runCmd.Flags().BoolVar(&runCompleteManual, "complete-manual", false, "Complete READY user and manual tasks automatically")
	runCmd.Flags().IntVar(&runMaxRounds, "max-rounds", 100, "Upper bound on step and complete rounds")
}

func readRunData() (map[string]interface{}, error) {
	raw := []byte(runData)
	if runDataFile != "" {
		b, err := os.ReadFile(runDataFile)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	data := map[string]interface{}{}
	if len(raw) == 0 {
		return data, nil
	}
	if err := xjson.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("initial data must be a JSON object: %w", err)
	}
	return data, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	data, err := readRunData()
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, err := openManager(cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	var opts []core.StartOption
	if runInstanceID != "" {
		opts = append(opts, core.WithInstanceID(runInstanceID))
	}
	if runScope != "" {
		opts = append(opts, core.WithCorrelationScope(runScope))
	}
	id, err := m.StartInstance(ctx, args[0], data, opts...)
	if err != nil {
		return err
	}

	for round := 0; round < runMaxRounds; round++ {
		result, err := m.DoEngineSteps(ctx, id)
		if err != nil {
			return err
		}
		if result.Finished || !runCompleteManual {
			break
		}
		ready, err := m.ReadyTasks(ctx, id)
		if err != nil {
			return err
		}
		if len(ready) == 0 {
			break
		}
		for _, t := range ready {
			if _, err := m.CompleteTask(ctx, id, t.GUID, nil); err != nil {
				return err
			}
		}
	}

	info, err := m.Instance(ctx, id)
	if err != nil {
		return err
	}
	out, err := xjson.MarshalIndent(info)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
