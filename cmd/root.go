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
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/bizflycloud/backupd/pkg/backupapi"
	"github.com/bizflycloud/backupd/pkg/job"
	"github.com/bizflycloud/backupd/pkg/pipeline"
	"github.com/bizflycloud/backupd/pkg/retention"
	"github.com/bizflycloud/backupd/pkg/support"
)

const (
	httpPrefix = "http://"
	unixPrefix = "unix://"
	localhost  = "127.0.0.1"
	envPrefix  = "BACKUPD"

	requestTimeout = 60 * time.Second
)

var (
	cfgFile string
	addr    string
	debug   bool
	logger  *zap.Logger
	paths   support.Paths
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "backupd",
	Short: "Backup agent.",
	Long:  `backupd runs backup and restore jobs against local, removable and cloud targets, and is the CLI to talk to a running agent.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmd.Help(); err != nil {
			fmt.Println(err)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if debug {
			logger.Error(err.Error())
		}
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.backupd.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug (default is false)")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "", "address of the agent server, a unix:// socket or host:port.")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	newLogger := zap.NewProduction
	if debug {
		newLogger = zap.NewDevelopment
	}
	var err error
	if logger, err = newLogger(); err != nil {
		panic(err)
	}

	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := homedir.Dir()
		if err != nil {
			logger.Error(err.Error())
			os.Exit(1)
		}

		// Search config in home directory with name ".backupd" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigName(".backupd")
	}

	if paths, err = support.DefaultPaths(); err != nil {
		logger.Error("failed to get default paths", zap.Error(err))
		os.Exit(1)
	}
	setDefaults(paths)

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		logger.Debug("Using config file: " + viper.ConfigFileUsed())
	}

	if addr == "" {
		addr = listenAddr(viper.GetString("addr"), viper.GetInt("port"))
	}
}

func setDefaults(p support.Paths) {
	viper.SetDefault("addr", p.Addr)
	viper.SetDefault("state_dir", p.StateDir)
	viper.SetDefault("log_file", p.LogFile)
	viper.SetDefault("max_concurrent_jobs", job.DefaultMaxConcurrent)
	viper.SetDefault("job_ttl", job.DefaultTTL)
	viper.SetDefault("checkpoint_bytes", pipeline.DefaultCheckpointBytes)
	viper.SetDefault("scheduler_tick", retention.DefaultTick)
	viper.SetDefault("limit_upload", 0)
	viper.SetDefault("limit_download", 0)
}

// listenAddr returns the agent address. A port, when set, selects TCP on localhost.
func listenAddr(configured string, port int) string {
	if port > 0 {
		return strings.Join([]string{localhost, strconv.Itoa(port)}, ":")
	}
	return configured
}

// clientURL turns a listen address into the URL a client dials.
func clientURL(listen string) string {
	if strings.HasPrefix(listen, unixPrefix) || strings.Contains(listen, "://") {
		return listen
	}
	return httpPrefix + listen
}

func newClient() *backupapi.Client {
	c, err := backupapi.NewClient(
		backupapi.WithServerURL(clientURL(addr)),
		backupapi.WithLogger(logger),
	)
	if err != nil {
		logger.Error("failed to create agent client", zap.Error(err))
		os.Exit(1)
	}
	return c
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

// exitOnError prints err for the user and exits.
func exitOnError(err error) {
	if err == nil {
		return
	}
	var apiErr *backupapi.APIError
	if errors.As(err, &apiErr) {
		fmt.Fprintln(os.Stderr, "Error:", apiErr.Message)
		if apiErr.RequiresSudoPassword {
			fmt.Fprintln(os.Stderr, "Run `backupd credential store` first.")
		}
		for _, m := range apiErr.StillMounted {
			fmt.Fprintln(os.Stderr, "Still mounted:", m)
		}
		for _, h := range apiErr.Hints {
			fmt.Fprintln(os.Stderr, "Hint:", h)
		}
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, "Error:", err.Error())
	os.Exit(1)
}
