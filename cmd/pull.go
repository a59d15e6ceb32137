package cmd

import (
	"fmt"
	"path/filepath"

	adbadapter "github.com/Nishant-Joshi-Bose/Product-Docker-sub000/adapter/adb"
	"github.com/Nishant-Joshi-Bose/Product-Docker-sub000/config"
	adbproto "github.com/Nishant-Joshi-Bose/Product-Docker-sub000/transport/adb"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var pullFlags struct {
	remote string
	out    string
}

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Copy crash dumps and logs off the device over ADB",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()

		return c.Invoke(func(log *zap.SugaredLogger, cfg *config.Config, client *adbproto.Client) error {
			remote := pullFlags.remote
			if remote == "" {
				remote = cfg.ADB.PullDir
			}

			out := pullFlags.out
			if out == "" {
				out = filepath.Join(cfg.Capture.Output, "Pull")
			}

			bar := newSpinner("pulling "+remote, false)
			defer bar.Finish()

			a := adbadapter.New(log, client)
			files, err := a.Pull(cmd.Context(), remote, out, func(entry adbproto.ListDirectoryEntry) {
				bar.Describe("pulling " + entry.Name)
				bar.Add(1)
			})
			if err != nil {
				return err
			}

			bar.Finish()
			fmt.Println()
			for _, f := range files {
				fmt.Println(f)
			}
			return nil
		})
	},
}

func init() {
	pullCmd.Flags().StringVar(&pullFlags.remote, "remote", "", "device directory (default from profile)")
	pullCmd.Flags().StringVar(&pullFlags.out, "out", "", "local directory (default <output>/Pull)")
}
