package cmd

import (
	"fmt"

	"github.com/Nishant-Joshi-Bose/Product-Docker-sub000/config"
	adbproto "github.com/Nishant-Joshi-Bose/Product-Docker-sub000/transport/adb"
	"github.com/spf13/cobra"
)

var adbAddr string

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the devices attached to the ADB server",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()

		return c.Invoke(func(cfg *config.Config, client *adbproto.Client) error {
			if adbAddr != "" && adbAddr != cfg.ADB.Server {
				client = adbproto.New(log, adbproto.NewRawConnectionFactory(adbAddr), cfg.ADB.Serial)
			}

			devices, err := client.Devices(cmd.Context())
			if err != nil {
				return err
			}

			for _, d := range devices {
				fmt.Printf("%s\t%s\n", d.Serial, d.State)
			}
			return nil
		})
	},
}

func init() {
	devicesCmd.Flags().StringVar(&adbAddr, "adb-addr", "", "ADB server address (default from profile)")
}
