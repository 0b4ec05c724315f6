package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/chatstream/internal/version"
)

func newVersionCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Get()
			switch output {
			case "json":
				s, err := info.ToJSON()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), s)
			case "short":
				fmt.Fprintln(cmd.OutOrStdout(), info.String())
			case "text":
				fmt.Fprintln(cmd.OutOrStdout(), info.Text())
			default:
				return fmt.Errorf("unknown output format %q (text, json, short)", output)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format (text, json, short)")
	return cmd
}
