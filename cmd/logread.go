package cmd

import (
	"fmt"

	"github.com/Nishant-Joshi-Bose/Product-Docker-sub000/capture"
	"github.com/spf13/cobra"
)

var logreadFlags struct {
	name   string
	noSave bool
}

var logreadCmd = &cobra.Command{
	Use:   "logread",
	Short: "Print the device's whole log buffer",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()

		return c.Invoke(func(e *capture.Engine) error {
			defer e.Close()

			var opts []capture.LogreadOption
			if logreadFlags.name != "" {
				opts = append(opts, capture.WithLogName(logreadFlags.name))
			}
			if logreadFlags.noSave {
				opts = append(opts, capture.WithoutLogreadSave())
			}

			text, err := e.Logread(cmd.Context(), opts...)
			if err != nil {
				return err
			}

			fmt.Print(text)
			return nil
		})
	},
}

func init() {
	logreadCmd.Flags().StringVar(&logreadFlags.name, "name", "", "name of the saved dump")
	logreadCmd.Flags().BoolVar(&logreadFlags.noSave, "no-save", false, "only print the dump")
}
