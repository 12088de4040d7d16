package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/arncore/konvoy/internal/cmdutil"
	"github.com/arncore/konvoy/internal/orchestrator"
)

type lintFlags struct {
	config string
	locked bool
}

func (f *lintFlags) addFlags(flags *pflag.FlagSet) {
	flags.StringVar(&f.config, "config", "", "path to the linter's config file")
	flags.BoolVar(&f.locked, "locked", false, "fail rather than write an out-of-date lockfile")
}

func newLintCmd(helper *cmdutil.Helper) *cobra.Command {
	lf := &lintFlags{}
	cmd := &cobra.Command{
		Use:   "lint",
		Short: "Run the static-analysis adapter",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := helper.GetCmdBase()
			if err != nil {
				return err
			}
			o := orchestrator.New(base.Log, distURL())
			result, err := o.Lint(context.Background(), base.ProjectDir, lf.config, orchestrator.Options{
				Verbose: base.Verbose,
				Locked:  lf.locked,
			})
			if err != nil {
				return err
			}
			if result.ErrorCount == 0 {
				base.Log.Successf("no lint errors (%d finding(s))", len(result.Findings))
			}
			return nil
		},
	}
	lf.addFlags(cmd.Flags())
	return cmd
}
