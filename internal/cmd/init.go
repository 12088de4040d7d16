package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/arncore/konvoy/internal/cmdutil"
	"github.com/arncore/konvoy/internal/errs"
	"github.com/arncore/konvoy/internal/fsutil"
	"github.com/arncore/konvoy/internal/manifest"
	"github.com/arncore/konvoy/internal/orchestrator"
)

const defaultToolchainVersion = "1.9.0"

const mainTemplate = "fun main() {\n    println(\"Hello from %s\")\n}\n"

const gitignoreTemplate = ".konvoy/\n"

func newInitCmd(helper *cmdutil.Helper) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Scaffold a new binary project in the current directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := helper.GetCmdBase()
			if err != nil {
				return err
			}

			if name == "" {
				name = filepath.Base(base.ProjectDir)
			}

			manifestPath := filepath.Join(base.ProjectDir, orchestrator.ManifestFile)
			if _, statErr := os.Stat(manifestPath); statErr == nil {
				return errs.New(errs.ManifestInvalid, "%s already exists", manifestPath)
			}

			m := &manifest.Manifest{
				Name:             name,
				Kind:             manifest.Binary,
				EntryPoint:       "main.kt",
				ToolchainVersion: defaultToolchainVersion,
			}
			if err := m.Validate(); err != nil {
				return err
			}

			data, err := m.Marshal()
			if err != nil {
				return err
			}
			if err := os.WriteFile(manifestPath, data, 0o644); err != nil {
				return errs.IO(manifestPath, err)
			}

			srcDir := filepath.Join(base.ProjectDir, "src")
			if err := fsutil.EnsureDir(srcDir); err != nil {
				return err
			}
			mainPath := filepath.Join(srcDir, "main.kt")
			if err := os.WriteFile(mainPath, []byte(fmt.Sprintf(mainTemplate, name)), 0o644); err != nil {
				return errs.IO(mainPath, err)
			}

			gitignorePath := filepath.Join(base.ProjectDir, ".gitignore")
			if _, statErr := os.Stat(gitignorePath); os.IsNotExist(statErr) {
				if err := os.WriteFile(gitignorePath, []byte(gitignoreTemplate), 0o644); err != nil {
					return errs.IO(gitignorePath, err)
				}
			}

			base.Log.Successf("initialised %q in %s", name, base.ProjectDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "package name (default: the directory's base name)")
	return cmd
}
