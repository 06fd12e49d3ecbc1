package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowtap/flowtap/filter"
	"github.com/flowtap/flowtap/util"
)

var validateFilterCmd = &cobra.Command{
	Use:   "validate-filter <expression>",
	Short: "Compile a filter expression and report which stage and protocols it needs",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidateFilter,
}

func init() {
	rootCmd.AddCommand(validateFilterCmd)
}

func runValidateFilter(cmd *cobra.Command, args []string) error {
	compiled, err := filter.Compile(args[0], filter.StagePacket)
	if err != nil {
		return util.ExitError{ExitCode: 1, Err: err}
	}
	protos := compiled.Protocols()
	if len(protos) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "valid: no session protocols referenced, evaluates entirely at the packet stage\n")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "valid: requires session protocols %v\n", protos)
	return nil
}
