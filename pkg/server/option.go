package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/bizflycloud/backupd/pkg/broker"
	"github.com/bizflycloud/backupd/pkg/credential"
	"github.com/bizflycloud/backupd/pkg/history"
	"github.com/bizflycloud/backupd/pkg/job"
	"github.com/bizflycloud/backupd/pkg/retention"
	"github.com/bizflycloud/backupd/pkg/settings"
	"github.com/bizflycloud/backupd/pkg/target"
	"github.com/bizflycloud/backupd/pkg/verify"
)

type Option func(s *Server) error

// WithAddr returns an Option which set the server listening address.
// A "unix://" prefix selects a unix socket.
func WithAddr(addr string) Option {
	return func(s *Server) error {
		s.Addr = addr
		return nil
	}
}

// WithBroker returns an Option which set the server broker for async messaging.
// The server subscribes to the agent topic of machineID and publishes job
// status to its jobs topic.
func WithBroker(b broker.Broker, machineID string) Option {
	return func(s *Server) error {
		s.b = b
		s.machineID = machineID
		return nil
	}
}

// WithJobManager returns an Option which set the job manager.
func WithJobManager(m *job.Manager) Option {
	return func(s *Server) error {
		s.jobs = m
		return nil
	}
}

// WithResolver returns an Option which set the target resolver.
func WithResolver(r *target.Resolver) Option {
	return func(s *Server) error {
		s.resolver = r
		return nil
	}
}

// WithVerifier returns an Option which set the verification service.
func WithVerifier(v *verify.Service) Option {
	return func(s *Server) error {
		s.verifier = v
		return nil
	}
}

// WithSettings returns an Option which set the settings store.
func WithSettings(st *settings.Store) Option {
	return func(s *Server) error {
		s.settings = st
		return nil
	}
}

// WithScheduler returns an Option which set the retention scheduler.
func WithScheduler(sch *retention.Scheduler) Option {
	return func(s *Server) error {
		s.scheduler = sch
		return nil
	}
}

// WithCredential returns an Option which set the credential gate.
func WithCredential(g *credential.Gate) Option {
	return func(s *Server) error {
		s.cred = g
		return nil
	}
}

// WithHistory returns an Option which set the archive of evicted jobs.
func WithHistory(h *history.Store) Option {
	return func(s *Server) error {
		s.history = h
		return nil
	}
}

// WithGatherer returns an Option which set the metrics served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) error {
		s.gatherer = g
		return nil
	}
}

// WithLogger returns an Option which set the logger for Server.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}
