package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/Nishant-Joshi-Bose/Product-Docker-sub000/capture"
	"github.com/spf13/cobra"
)

var ErrNotReady = errors.New("device is not ready")

var probeTimeout time.Duration

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Wait for the device to finish booting",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()

		return c.Invoke(func(a capture.Adapter) error {
			if !a.ProbeReady(cmd.Context(), probeTimeout) {
				return fmt.Errorf("%w after %s", ErrNotReady, probeTimeout)
			}

			fmt.Println("ready")
			return nil
		})
	},
}

func init() {
	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", capture.DefaultReadyTimeout, "how long to wait")
}
