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

	"github.com/spf13/cobra"

	"github.com/bizflycloud/backupd/pkg/job"
	"github.com/bizflycloud/backupd/pkg/pipeline"
)

var (
	restoreDir   string
	restoreJobID string
	restoreKey   string
	restoreWait  bool
)

// restoreCmd represents the restore command
var restoreCmd = &cobra.Command{
	Use:   "restore <backup-file>",
	Short: "Restore a backup.",
	Long:  `Restore a backup file. Encrypted backups are decrypted with --encrypt-key or $BACKUPD_ENCRYPTION_KEY first.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		spec := job.Spec{
			ID:         restoreJobID,
			BackupFile: args[0],
			TargetDir:  restoreDir,
			Encryption: pipeline.Encryption{Key: restoreKey},
		}
		if spec.Encryption.Key == "" {
			spec.Encryption.Key = os.Getenv("BACKUPD_ENCRYPTION_KEY")
		}
		c := newClient()
		ctx, cancel := requestContext()
		defer cancel()
		a, err := c.Restore(ctx, spec)
		exitOnError(err)
		fmt.Println("Job accepted:", a.JobID)
		if restoreWait {
			waitJob(c, a.JobID)
		}
	},
}

func init() {
	restoreCmd.Flags().StringVar(&restoreDir, "dest-directory", "", "The destination directory to restore")
	restoreCmd.Flags().StringVar(&restoreJobID, "job-id", "", "idempotency id of the job")
	restoreCmd.Flags().StringVar(&restoreKey, "encrypt-key", "", "decryption passphrase")
	restoreCmd.Flags().BoolVar(&restoreWait, "wait", false, "wait for the job to finish")
	rootCmd.AddCommand(restoreCmd)
}
