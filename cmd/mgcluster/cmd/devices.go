package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/graphcompute/mgcluster/pkg/cluster"
)

var nvidiaSMIPath string

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the GPUs visible on this host",
	Long:  `Queries nvidia-smi for the devices a cluster can be pinned to. Device 0 is kept for the driving process by default.`,
	Args:  cobra.NoArgs,
	RunE:  runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
	devicesCmd.Flags().StringVar(&nvidiaSMIPath, "nvidia-smi", "nvidia-smi", "path to nvidia-smi")
}

func runDevices(cmd *cobra.Command, args []string) error {
	devices, err := cluster.NvidiaSMIProbe{Path: nvidiaSMIPath}.Devices(cmd.Context())
	if err != nil {
		return err
	}
	if done, err := printStructured(os.Stdout, outputFormat, devices); done {
		return err
	}

	if len(devices) == 0 {
		fmt.Println("No devices found")
		return nil
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Index", "Name", "Memory")
	for _, d := range devices {
		table.Append(strconv.Itoa(d.Index), d.Name, humanize.IBytes(d.MemoryBytes))
	}
	table.Render()
	fmt.Printf("\nTotal devices: %d\n", len(devices))
	return nil
}
