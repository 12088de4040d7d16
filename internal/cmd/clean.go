package cmd

import (
	"github.com/spf13/cobra"

	"github.com/arncore/konvoy/internal/cmdutil"
	"github.com/arncore/konvoy/internal/orchestrator"
)

func newCleanCmd(helper *cmdutil.Helper) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove the project's .konvoy/ directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := helper.GetCmdBase()
			if err != nil {
				return err
			}
			if err := orchestrator.Clean(base.ProjectDir); err != nil {
				return err
			}
			base.Log.Successf("cleaned %s", base.ProjectDir)
			return nil
		},
	}
}
