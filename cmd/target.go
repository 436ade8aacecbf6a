// This file is part of backupd
//
// Copyright (C) 2020  BizFly Cloud
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>

package cmd

import (
	"fmt"
	"strconv"

	"github.com/bizflycloud/bizflyctl/formatter"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bizflycloud/backupd/pkg/target"
)

var (
	listTargetsHeaders = []string{"Kind", "Path", "Device", "Label", "FS", "Mounted", "Free", "Total", "Description"}
	checkHeaders       = []string{"Path", "Exists", "Writable", "Created", "Free", "Total"}
	deviceHeaders      = []string{"Disk", "Partition", "FS", "Label", "Size", "Removable", "Mountpoints"}

	checkCreate bool
	usbRef      target.DeviceRef
	usbFormat   bool
	usbLabel    string
	usbFSType   string
	usbConfirm  string
	usbSubdir   string
)

var targetCmd = &cobra.Command{
	Use:   "target",
	Short: "Inspect backup destinations.",
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmd.Help(); err != nil {
			logger.Error(err.Error())
		}
	},
}

var listTargetCmd = &cobra.Command{
	Use:   "list",
	Short: "List local, removable and cloud destinations.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := requestContext()
		defer cancel()
		targets, err := newClient().Targets(ctx)
		exitOnError(err)
		data := make([][]string, 0, len(targets))
		for _, t := range targets {
			path := t.Path
			if path == "" {
				path = t.Mountpoint
			}
			if t.Provider != "" {
				path = string(t.Provider)
			}
			data = append(data, []string{
				string(t.Kind),
				path,
				t.Device,
				t.Label,
				t.FSType,
				strconv.FormatBool(t.Mounted),
				bytesOrEmpty(t.FreeBytes),
				bytesOrEmpty(t.TotalBytes),
				t.Description,
			})
		}
		formatter.Output(listTargetsHeaders, data)
	},
}

var checkTargetCmd = &cobra.Command{
	Use:   "check <dir>",
	Short: "Check that a directory can hold backups.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := requestContext()
		defer cancel()
		res, err := newClient().CheckTarget(ctx, args[0], checkCreate)
		exitOnError(err)
		formatter.Output(checkHeaders, [][]string{{
			res.Path,
			strconv.FormatBool(res.Exists),
			strconv.FormatBool(res.Writable),
			strconv.FormatBool(res.Created),
			humanize.Bytes(res.FreeBytes),
			humanize.Bytes(res.TotalBytes),
		}})
	},
}

var usbCmd = &cobra.Command{
	Use:   "usb",
	Short: "Manage removable drives.",
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmd.Help(); err != nil {
			logger.Error(err.Error())
		}
	},
}

var usbInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Describe a removable drive.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := requestContext()
		defer cancel()
		info, err := newClient().DeviceInfo(ctx, usbRef)
		exitOnError(err)
		formatter.Output(deviceHeaders, [][]string{{
			info.Disk,
			info.Partition,
			info.Filesystem,
			info.Label,
			humanize.Bytes(uint64(info.Size)),
			strconv.FormatBool(info.IsRemovable),
			fmt.Sprint(info.Mountpoints),
		}})
	},
}

var usbMountCmd = &cobra.Command{
	Use:   "mount <device>",
	Short: "Mount a removable drive.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := requestContext()
		defer cancel()
		res, err := newClient().MountDevice(ctx, args[0])
		exitOnError(err)
		fmt.Println("Mounted to", res.MountedTo)
	},
}

var usbPrepareCmd = &cobra.Command{
	Use:   "prepare",
	Short: "Mount a removable drive for backups, formatting it first with --format.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := requestContext()
		defer cancel()
		res, err := newClient().PrepareDevice(ctx, target.PrepareRequest{
			DeviceRef:    usbRef,
			Format:       usbFormat,
			Label:        usbLabel,
			FSType:       usbFSType,
			Confirmation: usbConfirm,
			Subdir:       usbSubdir,
		})
		exitOnError(err)
		fmt.Println("Mounted to", res.MountedTo)
		if res.Dir != "" {
			fmt.Println("Backup directory:", res.Dir)
		}
	},
}

var usbEjectCmd = &cobra.Command{
	Use:   "eject",
	Short: "Unmount every partition of a removable drive.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := requestContext()
		defer cancel()
		res, err := newClient().EjectDevice(ctx, usbRef)
		exitOnError(err)
		for _, m := range res.Unmounted {
			fmt.Println("Unmounted", m)
		}
		fmt.Println("Safe to remove", res.Device)
	},
}

func bytesOrEmpty(n uint64) string {
	if n == 0 {
		return ""
	}
	return humanize.Bytes(n)
}

func addDeviceRefFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&usbRef.Mountpoint, "mountpoint", "", "mountpoint of the drive")
	cmd.Flags().StringVar(&usbRef.Device, "device", "", "device of the drive")
}

func init() {
	checkTargetCmd.Flags().BoolVar(&checkCreate, "create", false, "create the directory when missing")
	targetCmd.AddCommand(listTargetCmd)
	targetCmd.AddCommand(checkTargetCmd)
	rootCmd.AddCommand(targetCmd)

	addDeviceRefFlags(usbInfoCmd)
	addDeviceRefFlags(usbPrepareCmd)
	addDeviceRefFlags(usbEjectCmd)
	usbPrepareCmd.Flags().BoolVar(&usbFormat, "format", false, "format the drive first, erasing it")
	usbPrepareCmd.Flags().StringVar(&usbLabel, "label", "", "filesystem label when formatting")
	usbPrepareCmd.Flags().StringVar(&usbFSType, "fs-type", "", "filesystem when formatting")
	usbPrepareCmd.Flags().StringVar(&usbConfirm, "confirm", "", "type FORMAT to confirm erasing the drive")
	usbPrepareCmd.Flags().StringVar(&usbSubdir, "subdir", "", "backup directory inside the drive")
	usbCmd.AddCommand(usbInfoCmd)
	usbCmd.AddCommand(usbMountCmd)
	usbCmd.AddCommand(usbPrepareCmd)
	usbCmd.AddCommand(usbEjectCmd)
	rootCmd.AddCommand(usbCmd)
}
