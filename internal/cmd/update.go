package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/arncore/konvoy/internal/cmdutil"
	"github.com/arncore/konvoy/internal/orchestrator"
)

func newUpdateCmd(helper *cmdutil.Helper) *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Resolve fresh per-target hashes for registry dependencies and rewrite the lockfile",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := helper.GetCmdBase()
			if err != nil {
				return err
			}
			o := orchestrator.New(base.Log, distURL())
			result, err := o.Update(context.Background(), base.ProjectDir, orchestrator.Options{Verbose: base.Verbose})
			if err != nil {
				return err
			}
			if result.Updated == 0 {
				base.Log.Printf("lockfile already up to date")
			} else {
				base.Log.Successf("updated %d registry dependency entries", result.Updated)
			}
			return nil
		},
	}
}
