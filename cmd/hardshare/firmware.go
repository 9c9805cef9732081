package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hardshare/hardshare/internal/firmware"
)

var (
	fwAddr    string
	fwIniPath string
	fwTimeout time.Duration
)

// firmwarePushCmd frames an ini file plus a firmware blob and ships
// them to a device-side firmware proxy over TCP.
var firmwarePushCmd = &cobra.Command{
	Use:   "firmware-push BLOB",
	Short: "Send a firmware image to a local firmware proxy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		blob, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		var ini []byte
		if fwIniPath != "" {
			ini, err = os.ReadFile(fwIniPath)
			if err != nil {
				return err
			}
		}

		frame := firmware.Frame{Ini: ini, Blob: blob}
		if err := firmware.Send(fwAddr, frame, fwTimeout); err != nil {
			return err
		}
		fmt.Printf("sent %d ini bytes and %d blob bytes to %s\n", len(ini), len(blob), fwAddr)
		return nil
	},
}

func init() {
	firmwarePushCmd.Flags().StringVar(&fwAddr, "addr", "127.0.0.1:9950", "firmware proxy address")
	firmwarePushCmd.Flags().StringVar(&fwIniPath, "ini", "", "settings file sent ahead of the blob")
	firmwarePushCmd.Flags().DurationVar(&fwTimeout, "timeout", 30*time.Second, "send timeout")

	rootCmd.AddCommand(firmwarePushCmd)
}
