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
	"strconv"
	"time"

	"github.com/bizflycloud/bizflyctl/formatter"
	"github.com/spf13/cobra"

	"github.com/bizflycloud/backupd/pkg/backupapi"
	"github.com/bizflycloud/backupd/pkg/job"
	"github.com/bizflycloud/backupd/pkg/pipeline"
	"github.com/bizflycloud/backupd/pkg/target"
	"github.com/bizflycloud/backupd/pkg/verify"
)

const pollInterval = time.Second

var (
	listArtifactsHeaders = []string{"Name", "Type", "Rule", "Created", "Size", "Encrypted", "Busy"}
	verifyHeaders        = []string{"OK", "Size", "Files", "SHA256", "Detail"}

	backupType      string
	backupJobID     string
	backupMode      string
	backupDataset   string
	backupSources   []string
	backupExcludes  []string
	backupEncMethod string
	backupEncKey    string
	backupWait      bool
	backupDir       string
	verifyMode      string
	dest            destinationFlags
)

// destinationFlags are shared by the commands that take a destination.
type destinationFlags struct {
	kind       string
	path       string
	mountpoint string
	device     string
	subdir     string
}

func (d destinationFlags) destination() target.Destination {
	if d.kind == "" && d.path == "" && d.mountpoint == "" && d.device == "" {
		return target.Destination{}
	}
	kind := target.Kind(d.kind)
	if kind == "" {
		kind = target.KindLocal
		if d.mountpoint != "" || d.device != "" {
			kind = target.KindRemovable
		}
	}
	return target.Destination{
		Kind:       kind,
		Path:       d.path,
		Mountpoint: d.mountpoint,
		Device:     d.device,
		Subdir:     d.subdir,
	}
}

// backupCmd represents the backup command
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Perform backup tasks.",
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmd.Help(); err != nil {
			logger.Error(err.Error())
		}
	},
}

// backupCreateCmd represents the backup create command
var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Run a backup immediately.",
	Run: func(cmd *cobra.Command, args []string) {
		spec := job.Spec{
			ID:          backupJobID,
			Type:        pipeline.BackupType(backupType),
			Destination: dest.destination(),
			Mode:        pipeline.Mode(backupMode),
			Dataset:     backupDataset,
			Sources:     backupSources,
			Excludes:    backupExcludes,
			Encryption:  pipeline.Encryption{Method: backupEncMethod, Key: backupEncKey},
		}
		if spec.Encryption.Key == "" {
			spec.Encryption.Key = os.Getenv("BACKUPD_ENCRYPTION_KEY")
		}
		c := newClient()
		ctx, cancel := requestContext()
		defer cancel()
		a, err := c.CreateBackup(ctx, spec)
		exitOnError(err)
		fmt.Println("Job accepted:", a.JobID)
		if backupWait {
			waitJob(c, a.JobID)
		}
	},
}

// backupListCmd represents the backup list command
var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the backups in a backup directory.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := requestContext()
		defer cancel()
		l, err := newClient().ListArtifacts(ctx, backupDir)
		exitOnError(err)
		fmt.Println("Backup directory:", l.BackupDir)
		formatter.Output(listArtifactsHeaders, artifactRows(l.Items))
	},
}

var backupDeleteCmd = &cobra.Command{
	Use:   "delete <path>",
	Short: "Delete a backup file.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := requestContext()
		defer cancel()
		exitOnError(newClient().DeleteArtifact(ctx, args[0]))
		fmt.Println("Deleted", args[0])
	},
}

var backupVerifyCmd = &cobra.Command{
	Use:   "verify <path>",
	Short: "Verify a backup file.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := requestContext()
		defer cancel()
		res, err := newClient().Verify(ctx, args[0], verify.Mode(verifyMode))
		exitOnError(err)
		outputVerify(res)
		if !res.OK {
			os.Exit(2)
		}
	},
}

func artifactRows(items []backupapi.Artifact) [][]string {
	data := make([][]string, 0, len(items))
	for _, a := range items {
		name := a.Path
		if name == "" {
			name = a.Key
		}
		data = append(data, []string{
			name,
			a.Type,
			a.RuleID,
			a.CreatedAt.Local().Format(time.RFC3339),
			a.SizeHuman,
			strconv.FormatBool(a.Encrypted),
			strconv.FormatBool(a.Busy),
		})
	}
	return data
}

func outputVerify(res *verify.Result) {
	files := ""
	if res.FileCount > 0 {
		files = strconv.Itoa(res.FileCount)
	}
	formatter.Output(verifyHeaders, [][]string{{strconv.FormatBool(res.OK), res.SizeHuman, files, res.SHA256, res.Detail}})
}

// waitJob follows a job until it ends and exits non-zero unless it succeeded.
func waitJob(c *backupapi.Client, id string) {
	pw := backupapi.NewProgressWriter(os.Stderr)
	j, err := c.WaitJob(context.Background(), id, pollInterval, pw.Report)
	fmt.Fprintln(os.Stderr)
	exitOnError(err)
	outputJobs([]job.Job{*j})
	if j.Status != job.StatusSuccess {
		os.Exit(1)
	}
}

func addDestinationFlags(cmd *cobra.Command, d *destinationFlags) {
	cmd.Flags().StringVar(&d.kind, "dest", "", "destination kind: local, removable or cloud")
	cmd.Flags().StringVar(&d.path, "path", "", "local backup directory, or staging directory for cloud")
	cmd.Flags().StringVar(&d.mountpoint, "mountpoint", "", "mountpoint of a removable drive")
	cmd.Flags().StringVar(&d.device, "device", "", "device of a removable drive")
	cmd.Flags().StringVar(&d.subdir, "subdir", "", "directory inside the removable drive")
}

func init() {
	rootCmd.AddCommand(backupCmd)

	backupCreateCmd.Flags().StringVar(&backupType, "type", string(pipeline.TypeData), "backup type: full, incremental, data or personal")
	backupCreateCmd.Flags().StringVar(&backupJobID, "job-id", "", "idempotency id of the job")
	backupCreateCmd.Flags().StringVar(&backupMode, "mode", "", "local, local_and_cloud or cloud_only")
	backupCreateCmd.Flags().StringVar(&backupDataset, "dataset", "", "named source set")
	backupCreateCmd.Flags().StringSliceVar(&backupSources, "source", nil, "source paths")
	backupCreateCmd.Flags().StringSliceVar(&backupExcludes, "exclude", nil, "exclude patterns")
	backupCreateCmd.Flags().StringVar(&backupEncMethod, "encrypt", "", "encryption method: age or openssl")
	backupCreateCmd.Flags().StringVar(&backupEncKey, "encrypt-key", "", "encryption passphrase (default $BACKUPD_ENCRYPTION_KEY)")
	backupCreateCmd.Flags().BoolVar(&backupWait, "wait", false, "wait for the job to finish")
	addDestinationFlags(backupCreateCmd, &dest)
	backupCmd.AddCommand(backupCreateCmd)

	backupListCmd.Flags().StringVar(&backupDir, "backup-dir", "", "backup directory (default is the configured one)")
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupDeleteCmd)

	backupVerifyCmd.Flags().StringVar(&verifyMode, "mode", string(verify.ModeIntegrity), "integrity or checksum")
	backupCmd.AddCommand(backupVerifyCmd)
}
