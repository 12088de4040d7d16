package cmd

import (
	"github.com/spf13/cobra"

	"github.com/arncore/konvoy/internal/cmdutil"
	"github.com/arncore/konvoy/internal/orchestrator"
)

func newDoctorCmd(helper *cmdutil.Helper) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Report host target, compiler detection, and manifest presence",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := helper.GetCmdBase()
			if err != nil {
				return err
			}
			report, err := orchestrator.Doctor(base.ProjectDir)
			if err != nil {
				return err
			}
			base.Log.Printf("host target: %s", report.HostTarget)
			base.Log.Printf("manifest present: %v", report.ManifestPresent)
			if report.CompilerHomeSet {
				base.Log.Printf("compiler home override: %s", report.CompilerHome)
			} else {
				base.Log.Printf("compiler home override: not set (using managed toolchain)")
			}
			return nil
		},
	}
}
