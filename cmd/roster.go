package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/roster"
)

var rosterCmd = &cobra.Command{
	Use:   "roster",
	Short: "Manage enrolled identities",
}

var rosterImportCmd = &cobra.Command{
	Use:   "import <roster.yaml>",
	Short: "Import identities into PostgreSQL",
	Long: `Import identities from a YAML roster into PostgreSQL. New identities start
with a count of 0 and no attendance event; existing identities are renamed and
keep their records.

Roster format:
  identities:
    - id: "104"
      name: Jana Nováková`,
	Args: cobra.ExactArgs(1),
	RunE: runRosterImport,
}

var rosterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List identities with their attendance records",
	RunE:  runRosterList,
}

func init() {
	rootCmd.AddCommand(rosterCmd)
	rosterCmd.AddCommand(rosterImportCmd)
	rosterCmd.AddCommand(rosterListCmd)
}

func runRosterImport(cmd *cobra.Command, args []string) error {
	r, err := roster.Load(args[0])
	if err != nil {
		return err
	}

	pool, err := connectPostgres()
	if err != nil {
		return err
	}
	defer pool.Close()

	ctx := context.Background()
	writer, err := database.GetIdentityWriter(ctx)
	if err != nil {
		return err
	}

	for _, identity := range r.Identities() {
		if err := writer.UpsertIdentity(ctx, identity); err != nil {
			return fmt.Errorf("importing identity %s: %w", identity.ID, err)
		}
	}
	fmt.Printf("Imported %d identities from %s\n", r.Len(), args[0])
	return nil
}

func runRosterList(cmd *cobra.Command, args []string) error {
	pool, err := connectPostgres()
	if err != nil {
		return err
	}
	defer pool.Close()

	ctx := context.Background()
	writer, err := database.GetIdentityWriter(ctx)
	if err != nil {
		return err
	}
	entries, err := writer.ListRoster(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCOUNT\tLAST EVENT")
	for _, e := range entries {
		last := "-"
		if e.Record.LastEventAt != nil {
			last = e.Record.LastEventAt.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", e.Identity.ID, e.Identity.DisplayName, e.Record.TotalCount, last)
	}
	return tw.Flush()
}
