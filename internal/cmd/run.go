package cmd

import (
	"context"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/arncore/konvoy/internal/cmdutil"
	"github.com/arncore/konvoy/internal/orchestrator"
)

func newRunCmd(helper *cmdutil.Helper) *cobra.Command {
	bf := &buildFlags{}
	cmd := &cobra.Command{
		Use:   "run [-- args...]",
		Short: "Build, then exec the produced binary",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := helper.GetCmdBase()
			if err != nil {
				return err
			}
			o := orchestrator.New(base.Log, distURL())
			result, err := o.Build(context.Background(), base.ProjectDir, bf.options(base.Verbose))
			if err != nil {
				return err
			}

			child := exec.CommandContext(context.Background(), result.OutputPath, args...)
			child.Stdin = cmd.InOrStdin()
			child.Stdout = cmd.OutOrStdout()
			child.Stderr = cmd.ErrOrStderr()
			runErr := child.Run()
			if runErr == nil {
				return nil
			}
			if exitErr, ok := runErr.(*exec.ExitError); ok {
				return &cmdutil.Error{ExitCode: exitErr.ExitCode(), Err: runErr}
			}
			return runErr
		},
	}
	bf.addFlags(cmd.Flags())
	return cmd
}
