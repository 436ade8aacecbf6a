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
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/bizflycloud/backupd/pkg/agentversion"
	"github.com/bizflycloud/backupd/pkg/broker/mqtt"
	"github.com/bizflycloud/backupd/pkg/credential"
	"github.com/bizflycloud/backupd/pkg/history"
	"github.com/bizflycloud/backupd/pkg/job"
	"github.com/bizflycloud/backupd/pkg/limiter"
	"github.com/bizflycloud/backupd/pkg/pipeline"
	"github.com/bizflycloud/backupd/pkg/retention"
	"github.com/bizflycloud/backupd/pkg/server"
	"github.com/bizflycloud/backupd/pkg/settings"
	"github.com/bizflycloud/backupd/pkg/storage_vault"
	"github.com/bizflycloud/backupd/pkg/support"
	"github.com/bizflycloud/backupd/pkg/target"
	"github.com/bizflycloud/backupd/pkg/verify"
)

const (
	historyFile  = "jobs.db"
	closeTimeout = 30 * time.Second
)

// agentCmd represents the agent command
var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run agent.",
	Run: func(cmd *cobra.Command, args []string) {
		stateDir := viper.GetString("state_dir")
		if err := os.MkdirAll(stateDir, 0700); err != nil {
			logger.Fatal("failed to create state dir", zap.String("state_dir", stateDir), zap.Error(err))
		}
		if logFile := viper.GetString("log_file"); logFile != "" {
			if err := os.MkdirAll(filepath.Dir(logFile), 0700); err != nil {
				logger.Fatal("failed to create log dir", zap.Error(err))
			}
		}
		agentLogger, err := support.NewLogger(viper.GetString("log_file"), debug)
		if err != nil {
			logger.Fatal("failed to create agent logger", zap.Error(err))
		}
		defer func() { _ = agentLogger.Sync() }()
		agentLogger.Info("Starting agent", zap.String("version", agentversion.Get().String()))

		a, err := newAgent(stateDir, agentLogger)
		if err != nil {
			agentLogger.Fatal("failed to create agent", zap.Error(err))
		}
		defer a.close()

		a.scheduler.Start()

		agentLogger.Debug("Listening address: " + addr)
		if err := a.server.Run(); !errors.Is(err, http.ErrServerClosed) {
			agentLogger.Fatal("server run failed", zap.Error(err))
		}
	},
}

type agent struct {
	history   *history.Store
	manager   *job.Manager
	scheduler *retention.Scheduler
	server    *server.Server
	logger    *zap.Logger
}

func newAgent(stateDir string, logger *zap.Logger) (*agent, error) {
	gate, err := credential.New(credential.WithValidator(credential.SudoValidator), credential.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	topts := storage_vault.DefaultTransportOptions
	if up, down := viper.GetInt("limit_upload"), viper.GetInt("limit_download"); up > 0 || down > 0 {
		topts.Limiter = limiter.NewStaticLimiter(up, down)
	}
	resolverOpts := []target.Option{
		target.WithCredential(gate),
		target.WithTransportOptions(topts),
		target.WithLogger(logger),
	}
	if roots := viper.GetStringSlice("allowed_roots"); len(roots) > 0 {
		resolverOpts = append(resolverOpts, target.WithAllowedRoots(roots...))
	}
	resolver, err := target.New(resolverOpts...)
	if err != nil {
		return nil, err
	}

	verifier, err := verify.New(verify.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	executor, err := pipeline.New(
		pipeline.WithStateDir(stateDir),
		pipeline.WithVerifier(verifier),
		pipeline.WithCheckpoint(viper.GetInt64("checkpoint_bytes"), pipeline.DefaultCheckpointInterval),
		pipeline.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	hist, err := history.Open(filepath.Join(stateDir, historyFile), history.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	store, err := settings.Open(stateDir, settings.WithLogger(logger))
	if err != nil {
		hist.Close()
		return nil, err
	}

	manager, err := job.New(resolver, executor,
		job.WithCredential(gate),
		job.WithHistory(hist),
		job.WithDatasets(store.Dataset),
		job.WithBusyCheck(verifier.Busy),
		job.WithMaxConcurrent(viper.GetInt("max_concurrent_jobs")),
		job.WithTTL(viper.GetDuration("job_ttl")),
		job.WithLogger(logger),
	)
	if err != nil {
		hist.Close()
		return nil, err
	}

	scheduler, err := retention.New(manager, store, store.Get().RetentionConfig(),
		retention.WithVaultFactory(resolver.Vault),
		retention.WithBusyCheck(manager.Busy),
		retention.WithTick(viper.GetDuration("scheduler_tick")),
		retention.WithLogger(logger),
	)
	if err != nil {
		hist.Close()
		return nil, err
	}
	manager.AddListener(scheduler.OnJob)
	store.OnChange(func(s settings.Settings) {
		if err := scheduler.Reload(s.RetentionConfig()); err != nil {
			logger.Error("Reloading schedules failed", zap.Error(err))
		}
	})

	opts := []server.Option{
		server.WithAddr(addr),
		server.WithJobManager(manager),
		server.WithResolver(resolver),
		server.WithVerifier(verifier),
		server.WithSettings(store),
		server.WithScheduler(scheduler),
		server.WithCredential(gate),
		server.WithHistory(hist),
		server.WithLogger(logger),
	}
	if brokerURL := viper.GetString("broker_url"); brokerURL != "" {
		machineID := viper.GetString("machine_id")
		if machineID == "" {
			if machineID, err = os.Hostname(); err != nil {
				hist.Close()
				return nil, err
			}
		}
		b, err := mqtt.NewBroker(mqtt.WithURL(brokerURL), mqtt.WithClientID(machineID), mqtt.WithLogger(logger))
		if err != nil {
			hist.Close()
			return nil, err
		}
		opts = append(opts, server.WithBroker(b, machineID))
	}
	s, err := server.New(opts...)
	if err != nil {
		hist.Close()
		return nil, err
	}

	return &agent{
		history:   hist,
		manager:   manager,
		scheduler: scheduler,
		server:    s,
		logger:    logger,
	}, nil
}

func (a *agent) close() {
	a.scheduler.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := a.manager.Close(ctx); err != nil {
		a.logger.Error("Closing job manager failed", zap.Error(err))
	}
	if err := a.history.Close(); err != nil {
		a.logger.Error("Closing job history failed", zap.Error(err))
	}
}

func init() {
	rootCmd.AddCommand(agentCmd)
}
