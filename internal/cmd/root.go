// Package cmd holds the root cobra command for konvoy and its eight verbs.
// Grounded on the teacher's internal/cmd root (cobra root command plus a
// cmdutil.Helper threaded through PersistentFlags), stripped of the
// daemon/login/prune/turbostate-bridge machinery the teacher needs for a
// JS-monorepo remote-cache CLI but this single-project build engine does
// not.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/arncore/konvoy/internal/cmdutil"
)

// RunWithArgs runs konvoy with the specified arguments (not including the
// binary name itself), returning the process exit code.
func RunWithArgs(args []string, version string) int {
	helper := cmdutil.NewHelper(version)
	root := getCmd(helper)
	root.SetArgs(args)

	err := root.Execute()
	if err == nil {
		return 0
	}

	var cmdErr *cmdutil.Error
	if errors.As(err, &cmdErr) {
		fmt.Fprintf(os.Stderr, "error: %v\n", cmdErr.Err)
		return cmdErr.ExitCode
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}

func getCmd(helper *cmdutil.Helper) *cobra.Command {
	root := &cobra.Command{
		Use:           "konvoy",
		Short:         "A native-first build driver",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       helper.Version,
	}
	root.SetVersionTemplate("{{.Version}}\n")
	helper.AddFlags(root.PersistentFlags())

	root.AddCommand(newInitCmd(helper))
	root.AddCommand(newBuildCmd(helper))
	root.AddCommand(newRunCmd(helper))
	root.AddCommand(newTestCmd(helper))
	root.AddCommand(newCleanCmd(helper))
	root.AddCommand(newDoctorCmd(helper))
	root.AddCommand(newLintCmd(helper))
	root.AddCommand(newUpdateCmd(helper))
	return root
}
