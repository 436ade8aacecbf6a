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
	"os"

	"github.com/bizflycloud/bizflyctl/formatter"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	quotaHeaders = []string{"Used", "Available"}

	cloudRuleID       string
	cloudExpectedSize int64
)

var cloudCmd = &cobra.Command{
	Use:   "cloud",
	Short: "Manage backups in the configured cloud storage.",
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmd.Help(); err != nil {
			logger.Error(err.Error())
		}
	},
}

var listCloudCmd = &cobra.Command{
	Use:   "list",
	Short: "List remote backups.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := requestContext()
		defer cancel()
		l, err := newClient().ListRemote(ctx, cloudRuleID)
		exitOnError(err)
		formatter.Output(listArtifactsHeaders, artifactRows(l.Items))
	},
}

var verifyCloudCmd = &cobra.Command{
	Use:   "verify <key>",
	Short: "Check that a remote backup exists.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := requestContext()
		defer cancel()
		res, err := newClient().VerifyRemote(ctx, args[0], cloudExpectedSize)
		exitOnError(err)
		outputVerify(res)
		if !res.OK {
			os.Exit(2)
		}
	},
}

var deleteCloudCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Delete a remote backup.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := requestContext()
		defer cancel()
		exitOnError(newClient().DeleteRemote(ctx, args[0]))
		fmt.Println("Deleted", args[0])
	},
}

var quotaCloudCmd = &cobra.Command{
	Use:   "quota",
	Short: "Show the cloud storage quota.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := requestContext()
		defer cancel()
		q, err := newClient().Quota(ctx)
		exitOnError(err)
		if !q.Known {
			fmt.Println("The provider does not report a quota.")
			return
		}
		formatter.Output(quotaHeaders, [][]string{{humanize.Bytes(uint64(q.Used)), humanize.Bytes(uint64(q.Available))}})
	},
}

func init() {
	listCloudCmd.Flags().StringVar(&cloudRuleID, "rule-id", "", "only backups of this schedule rule")
	verifyCloudCmd.Flags().Int64Var(&cloudExpectedSize, "size", 0, "expected size in bytes")
	cloudCmd.AddCommand(listCloudCmd)
	cloudCmd.AddCommand(verifyCloudCmd)
	cloudCmd.AddCommand(deleteCloudCmd)
	cloudCmd.AddCommand(quotaCloudCmd)
	rootCmd.AddCommand(cloudCmd)
}
