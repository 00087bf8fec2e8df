package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/eleven-am/procflow/internal/adapters/serialization"
	"github.com/eleven-am/procflow/internal/core"
	"github.com/eleven-am/procflow/internal/xjson"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <instance-id>",
	Short: "Show the task tree of a stored instance or document file",
	Long: `Shows the status and tasks of a process instance.

The instance is read from the configured store. With --file the argument is
a document path instead; it is migrated in memory to the current schema and
printed without restoring it, so no definitions are required.

Examples:
  procflow inspect order-1 -c procflow.yaml -d order.yaml
  procflow inspect --file backup/order-1.json --json`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

var (
	inspectFile bool
	inspectJSON bool
)

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().BoolVar(&inspectFile, "file", false, "Treat the argument as a document file")
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "Print JSON instead of a table")
}

func runInspect(cmd *cobra.Command, args []string) error {
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
	if inspectFile {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		doc, from, err := m.Serializer().Upgrade(raw)
		if err != nil {
			return err
		}
		if inspectJSON {
			return printJSON(out, doc)
		}
		printDocument(out, doc, from)
		return nil
	}

	info, err := m.Instance(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if inspectJSON {
		return printJSON(out, info)
	}
	printInstance(out, info)
	return nil
}

func printJSON(w io.Writer, v interface{}) error {
	raw, err := xjson.MarshalIndent(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(raw))
	return err
}

func printInstance(w io.Writer, info *core.InstanceInfo) {
	fmt.Fprintf(w, "instance:   %s\ndefinition: %s\nstatus:     %s\nrevision:   %d\n", info.ID, info.DefinitionID, info.Status, info.Version)
	if info.LastError != nil {
		fmt.Fprintf(w, "last error: %s\n", info.LastError.Message)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nGUID\tSPEC\tKIND\tSTATE\tPARENT")
	for _, t := range info.Tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.GUID, t.SpecID, t.Kind, t.State, t.Parent)
	}
	_ = tw.Flush()
}

func printDocument(w io.Writer, doc *serialization.Document, from int) {
	fmt.Fprintf(w, "instance:   %s\ndefinition: %s (%s)\nstatus:     %s\nrevision:   %d\nschema:     v%d (stored as v%d)\n",
		doc.InstanceID, doc.Definition.ID, doc.Definition.Hash, doc.Status, doc.Revision, doc.Version, from)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nGUID\tSPEC\tGRAPH\tSTATE\tPARENT")
	for _, t := range doc.Tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.GUID, t.SpecID, t.GraphID, t.State, t.Parent)
	}
	_ = tw.Flush()
}
