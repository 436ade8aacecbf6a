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

	"github.com/bizflycloud/bizflyctl/formatter"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bizflycloud/backupd/pkg/backupapi"
	"github.com/bizflycloud/backupd/pkg/job"
)

var (
	listJobsHeaders = []string{"ID", "Operation", "Type", "Rule", "Status", "Stage", "Progress", "Created", "Message"}

	jobRuleID string
	jobStatus string
	jobLimit  int
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect and cancel jobs.",
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmd.Help(); err != nil {
			logger.Error(err.Error())
		}
	},
}

var listJobCmd = &cobra.Command{
	Use:   "list",
	Short: "List running and past jobs.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := requestContext()
		defer cancel()
		jobs, err := newClient().ListJobs(ctx, backupapi.JobFilter{
			RuleID: jobRuleID,
			Status: job.Status(jobStatus),
			Limit:  jobLimit,
		})
		exitOnError(err)
		outputJobs(jobs)
	},
}

var showJobCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := requestContext()
		defer cancel()
		j, err := newClient().GetJob(ctx, args[0])
		exitOnError(err)
		outputJobs([]job.Job{*j})
		if j.Result.BackupFile != "" {
			fmt.Println("Backup file:", j.Result.BackupFile)
		}
		if j.Result.RemoteFile != "" {
			fmt.Println("Remote file:", j.Result.RemoteFile)
		}
		if j.Warning != "" {
			fmt.Println("Warning:", j.Warning)
		}
	},
}

var cancelJobCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := requestContext()
		defer cancel()
		j, err := newClient().CancelJob(ctx, args[0])
		exitOnError(err)
		outputJobs([]job.Job{*j})
	},
}

var waitJobCmd = &cobra.Command{
	Use:   "wait <job-id>",
	Short: "Wait for a job to finish.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		waitJob(newClient(), args[0])
	},
}

func jobProgress(j job.Job) string {
	if j.Progress.UploadPct != nil {
		return fmt.Sprintf("%s, upload %.0f%%", humanize.Bytes(uint64(j.Progress.BytesCurrent)), *j.Progress.UploadPct)
	}
	if j.Progress.BytesCurrent == 0 {
		return ""
	}
	return humanize.Bytes(uint64(j.Progress.BytesCurrent))
}

func jobRows(jobs []job.Job) [][]string {
	data := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		data = append(data, []string{
			j.ID,
			string(j.Operation),
			string(j.Spec.Type),
			j.Spec.RuleID,
			string(j.Status),
			string(j.Stage),
			jobProgress(j),
			humanize.Time(j.CreatedAt),
			j.Message,
		})
	}
	return data
}

func outputJobs(jobs []job.Job) {
	formatter.Output(listJobsHeaders, jobRows(jobs))
}

func init() {
	listJobCmd.Flags().StringVar(&jobRuleID, "rule-id", "", "only jobs of this schedule rule")
	listJobCmd.Flags().StringVar(&jobStatus, "status", "", "only jobs with this status")
	listJobCmd.Flags().IntVar(&jobLimit, "limit", 20, "maximum number of jobs")
	jobCmd.AddCommand(listJobCmd)
	jobCmd.AddCommand(showJobCmd)
	jobCmd.AddCommand(cancelJobCmd)
	jobCmd.AddCommand(waitJobCmd)
	rootCmd.AddCommand(jobCmd)
}
