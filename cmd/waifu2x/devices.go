package main

import (
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/gogpu/waifu2x"
)

// NewDevicesCmd returns the devices command.
func NewDevicesCmd() *cobra.Command {
	devicesCmd := &cobra.Command{
		Use:   "devices",
		Short: "List compute devices",
		Args:  cobra.NoArgs,
		RunE:  DevicesHandler,
	}

	devicesCmd.Flags().String("backend", "", "List only this backend's devices")

	return devicesCmd
}

func DevicesHandler(cmd *cobra.Command, args []string) error {
	backend, err := cmd.Flags().GetString("backend")
	if err != nil {
		return err
	}

	names := waifu2x.Backends()
	if backend != "" {
		names = []string{backend}
	}

	var data [][]string
	for _, name := range names {
		infos, err := waifu2x.Devices(name)
		if err != nil {
			if backend != "" {
				return err
			}
			waifu2x.Logger().Debug("waifu2x: skip backend", "backend", name, "err", err)
			continue
		}
		for _, info := range infos {
			data = append(data, []string{
				strconv.Itoa(info.Index),
				info.Name,
				info.Type,
				strconv.Itoa(info.ComputeQueues),
				info.Backend,
			})
		}
	}

	if len(data) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "No compute devices found.")
		return nil
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"INDEX", "NAME", "TYPE", "QUEUES", "BACKEND"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	return nil
}
