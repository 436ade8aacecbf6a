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
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bizflycloud/bizflyctl/formatter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/bizflycloud/backupd/pkg/settings"
)

var (
	listRulesHeaders = []string{"ID", "Name", "Enabled", "Type", "Target", "Days", "Time", "Keep", "Next run"}

	settingsFile string
	runNowWait   bool
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change the agent settings.",
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmd.Help(); err != nil {
			logger.Error(err.Error())
		}
	},
}

var showSettingsCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the settings as YAML. Secrets are masked.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := requestContext()
		defer cancel()
		s, err := newClient().GetSettings(ctx)
		exitOnError(err)
		out, err := yaml.Marshal(s.Settings)
		exitOnError(err)
		fmt.Print(string(out))
	},
}

var applySettingsCmd = &cobra.Command{
	Use:   "apply",
	Short: "Replace the settings with a YAML file. Masked secrets keep their stored value.",
	Run: func(cmd *cobra.Command, args []string) {
		data, err := os.ReadFile(settingsFile)
		exitOnError(err)
		var next settings.Settings
		exitOnError(yaml.UnmarshalStrict(data, &next))
		ctx, cancel := requestContext()
		defer cancel()
		s, err := newClient().UpdateSettings(ctx, next)
		exitOnError(err)
		fmt.Println("Settings saved, backup directory:", s.BackupDir)
	},
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Inspect and run scheduled backups.",
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmd.Help(); err != nil {
			logger.Error(err.Error())
		}
	},
}

var listScheduleCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedule rules with their next run.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := requestContext()
		defer cancel()
		s, err := newClient().GetSettings(ctx)
		exitOnError(err)
		rules := s.Schedules
		sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
		data := make([][]string, 0, len(rules))
		for _, r := range rules {
			next := ""
			if t, ok := s.NextRuns[r.ID]; ok {
				next = t.Local().Format(time.RFC1123)
			}
			days := strings.Join(r.Days, ",")
			if days == "" {
				days = "every day"
			}
			data = append(data, []string{
				r.ID,
				r.Name,
				strconv.FormatBool(r.Enabled),
				string(r.Type),
				string(r.Target),
				days,
				r.Time,
				strconv.Itoa(r.KeepLast),
				next,
			})
		}
		formatter.Output(listRulesHeaders, data)
	},
}

var runNowCmd = &cobra.Command{
	Use:   "run-now <rule-id>",
	Short: "Run a schedule rule immediately.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := newClient()
		ctx, cancel := requestContext()
		defer cancel()
		a, err := c.RunNow(ctx, args[0])
		exitOnError(err)
		fmt.Println("Job accepted:", a.JobID)
		if runNowWait {
			waitJob(c, a.JobID)
		}
	},
}

func init() {
	applySettingsCmd.Flags().StringVarP(&settingsFile, "file", "f", "", "settings YAML file")
	_ = applySettingsCmd.MarkFlagRequired("file")
	settingsCmd.AddCommand(showSettingsCmd)
	settingsCmd.AddCommand(applySettingsCmd)
	rootCmd.AddCommand(settingsCmd)

	runNowCmd.Flags().BoolVar(&runNowWait, "wait", false, "wait for the job to finish")
	scheduleCmd.AddCommand(listScheduleCmd)
	scheduleCmd.AddCommand(runNowCmd)
	rootCmd.AddCommand(scheduleCmd)
}
