package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// toolsCmd lists the tool catalogue.
var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the registered tools",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openBackend(false)
		if err != nil {
			return err
		}
		defer a.Close()

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tACCESS\tDESCRIPTION")
		for _, spec := range a.registry.Specs() {
			access := "write"
			if spec.ReadOnly {
				access = "read"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", spec.Name, access, spec.Description)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(toolsCmd)
}
