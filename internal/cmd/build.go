package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/arncore/konvoy/internal/cmdutil"
	"github.com/arncore/konvoy/internal/orchestrator"
)

func newBuildCmd(helper *cmdutil.Helper) *cobra.Command {
	bf := &buildFlags{}
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Run the build pipeline",
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
			base.Log.Printf("Finished %s target in %.2fs", profileLabel(bf), result.Duration.Seconds())
			if result.TracePath != "" {
				base.Log.Printf("trace written to %s", result.TracePath)
			}
			return nil
		},
	}
	bf.addFlags(cmd.Flags())
	return cmd
}

func profileLabel(bf *buildFlags) string {
	if bf.release {
		return "release"
	}
	return "debug"
}
