package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/arncore/konvoy/internal/cmdutil"
	"github.com/arncore/konvoy/internal/orchestrator"
)

func newTestCmd(helper *cmdutil.Helper) *cobra.Command {
	bf := &buildFlags{}
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Build with the test runner and test sources included",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := helper.GetCmdBase()
			if err != nil {
				return err
			}
			o := orchestrator.New(base.Log, distURL())
			result, err := o.Test(context.Background(), base.ProjectDir, bf.options(base.Verbose))
			if err != nil {
				return err
			}
			base.Log.Printf("Finished %s-test target in %.2fs", profileLabel(bf), result.Duration.Seconds())
			return nil
		},
	}
	bf.addFlags(cmd.Flags())
	return cmd
}
