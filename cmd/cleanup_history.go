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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/bizflycloud/backupd/pkg/history"
)

var historyMaxAge time.Duration

var cleanupHistoryCmd = &cobra.Command{
	Use:   "cleanup-history",
	Short: "Remove old finished jobs from the job history",
	Run: func(cmd *cobra.Command, args []string) {
		dbPath := filepath.Join(viper.GetString("state_dir"), historyFile)
		if _, err := os.Stat(dbPath); err != nil {
			logger.Error("job history not found", zap.String("path", dbPath), zap.Error(err))
			os.Exit(1)
		}
		n, err := pruneHistory(context.Background(), dbPath, time.Now().Add(-historyMaxAge))
		if err != nil {
			logger.Error(err.Error())
			os.Exit(1)
		}
		fmt.Printf("%d old jobs removed \n", n)
	},
}

func pruneHistory(ctx context.Context, dbPath string, cutoff time.Time) (int, error) {
	h, err := history.Open(dbPath, history.WithLogger(logger))
	if err != nil {
		return 0, err
	}
	defer h.Close()
	return h.Prune(ctx, cutoff)
}

func init() {
	cleanupHistoryCmd.Flags().DurationVar(&historyMaxAge, "older-than", 30*24*time.Hour, "remove jobs created before this age")
	rootCmd.AddCommand(cleanupHistoryCmd)
}
