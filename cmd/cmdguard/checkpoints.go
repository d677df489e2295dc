package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "List or restore file checkpoints taken before destructive commands",
	RunE:  runCheckpointList,
}

var checkpointsRestoreCmd = &cobra.Command{
	Use:   "restore <id>",
	Short: "Restore the files of a checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointRestore,
}

var flagPrune int

var checkpointsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete all but the newest checkpoints",
	RunE:  runCheckpointPrune,
}

func init() {
	checkpointsPruneCmd.Flags().IntVar(&flagPrune, "keep", 20, "number of checkpoints to keep")
	checkpointsCmd.AddCommand(checkpointsRestoreCmd, checkpointsPruneCmd)
}

func runCheckpointList(_ *cobra.Command, _ []string) error {
	c, err := initComponents(initOptions{})
	if err != nil {
		return err
	}
	defer c.Cleanup()
	if c.Checkpoints == nil {
		return fmt.Errorf("checkpoints are disabled in the config")
	}

	cps, err := c.Checkpoints.List()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tPATHS\tCOMMAND")
	for _, cp := range cps {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", cp.ID, cp.CreatedAt.Local().Format("2006-01-02 15:04:05"), len(cp.Entries), cp.Command)
	}
	return tw.Flush()
}

func runCheckpointRestore(_ *cobra.Command, args []string) error {
	c, err := initComponents(initOptions{})
	if err != nil {
		return err
	}
	defer c.Cleanup()
	if c.Checkpoints == nil {
		return fmt.Errorf("checkpoints are disabled in the config")
	}

	if err := c.Checkpoints.Restore(args[0]); err != nil {
		return fmt.Errorf("restoring checkpoint %s: %w", args[0], err)
	}
	fmt.Printf("restored checkpoint %s\n", args[0])
	return nil
}

func runCheckpointPrune(_ *cobra.Command, _ []string) error {
	c, err := initComponents(initOptions{})
	if err != nil {
		return err
	}
	defer c.Cleanup()
	if c.Checkpoints == nil {
		return fmt.Errorf("checkpoints are disabled in the config")
	}

	n, err := c.Checkpoints.Prune(flagPrune)
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d checkpoint(s)\n", n)
	return nil
}
