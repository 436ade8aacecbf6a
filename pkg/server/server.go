package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/valve"
	"github.com/jpillora/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
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

const (
	shutdownTimeout = 20 * time.Second
	eventBuffer     = 64
)

// Server defines parameters for running the backupd HTTP API.
type Server struct {
	Addr        string
	router      *chi.Mux
	useUnixSock bool

	jobs      *job.Manager
	resolver  *target.Resolver
	verifier  *verify.Service
	settings  *settings.Store
	scheduler *retention.Scheduler
	cred      *credential.Gate
	history   *history.Store
	gatherer  prometheus.Gatherer

	b         broker.Broker
	machineID string
	events    chan job.Job

	// signal chan use for testing.
	testSignalCh chan os.Signal

	logger *zap.Logger
}

// New creates new server instance.
func New(opts ...Option) (*Server, error) {
	s := &Server{gatherer: prometheus.DefaultGatherer}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.jobs == nil || s.resolver == nil || s.verifier == nil || s.settings == nil || s.scheduler == nil || s.cred == nil {
		return nil, fmt.Errorf("server requires job manager, resolver, verifier, settings, scheduler and credential gate")
	}
	if s.b != nil && s.machineID == "" {
		return nil, fmt.Errorf("a broker requires a machine id")
	}

	if s.logger == nil {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		s.logger = l
	}

	s.router = chi.NewRouter()
	s.setupRoutes()
	s.useUnixSock = strings.HasPrefix(s.Addr, "unix://")
	s.Addr = strings.TrimPrefix(s.Addr, "unix://")

	if s.b != nil {
		s.events = make(chan job.Job, eventBuffer)
		s.jobs.AddListener(s.enqueueJobEvent)
	}

	return s, nil
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/backup", func(r chi.Router) {
			r.Post("/create", s.CreateBackup)
			r.Get("/jobs", s.ListJobs)
			r.Get("/jobs/{id}", s.GetJob)
			r.Post("/jobs/{id}/cancel", s.CancelJob)
			r.Post("/restore", s.Restore)
			r.Get("/list", s.ListArtifacts)
			r.Post("/delete", s.DeleteArtifact)
			r.Post("/verify", s.VerifyArtifact)

			r.Get("/targets", s.ListTargets)
			r.Get("/target-check", s.CheckTarget)
			r.Route("/usb", func(r chi.Router) {
				r.Get("/info", s.DeviceInfo)
				r.Post("/prepare", s.PrepareDevice)
				r.Post("/mount", s.MountDevice)
				r.Post("/eject", s.EjectDevice)
			})

			r.Get("/settings", s.GetSettings)
			r.Post("/settings", s.UpdateSettings)
			r.Post("/schedule/run-now", s.RunRuleNow)

			r.Route("/cloud", func(r chi.Router) {
				r.Get("/list", s.ListRemote)
				r.Post("/verify", s.VerifyRemote)
				r.Post("/delete", s.DeleteRemote)
				r.Get("/quota", s.Quota)
			})
		})

		r.Route("/users/sudo-password", func(r chi.Router) {
			r.Get("/check", s.CheckCredential)
			r.Post("/", s.StoreCredential)
		})
	})

	s.router.Get("/version", s.Version)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
}

func (s *Server) handleBrokerEvent(e broker.Event) error {
	msg, err := e.Message()
	if err != nil {
		return err
	}
	s.logger.Debug("Got broker event", zap.String("event_type", msg.EventType))
	ctx := context.Background()
	switch msg.EventType {
	case broker.BackupRun:
		id, err := s.scheduler.RunNow(ctx, msg.RuleID)
		if err != nil {
			return fmt.Errorf("event %s: %w", msg.EventType, err)
		}
		s.logger.Info("Rule started from broker", zap.String("rule_id", msg.RuleID), zap.String("job_id", id))
	case broker.BackupCancel:
		if _, err := s.jobs.Cancel(msg.JobID); err != nil {
			return fmt.Errorf("event %s: %w", msg.EventType, err)
		}
	case broker.ConfigUpdate:
		if _, err := s.settings.Reload(); err != nil {
			return fmt.Errorf("event %s: %w", msg.EventType, err)
		}
	default:
		return fmt.Errorf("event %s: %w", msg.EventType, broker.ErrUnknownEventType)
	}
	return nil
}

// enqueueJobEvent is a job.Listener. It never blocks the job manager.
func (s *Server) enqueueJobEvent(j job.Job) {
	select {
	case s.events <- j:
	default:
		s.logger.Warn("Dropping job status event, publisher is behind", zap.String("job_id", j.ID), zap.String("status", string(j.Status)))
	}
}

func (s *Server) publishJobEvents(ctx context.Context) {
	topic := broker.JobsTopic(s.machineID)
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.events:
			if err := valve.Lever(ctx).Open(); err != nil {
				return
			}
			s.publishJob(topic, j)
			valve.Lever(ctx).Close()
		}
	}
}

func (s *Server) publishJob(topic string, j job.Job) {
	data, err := json.Marshal(j)
	if err != nil {
		s.logger.Error("Encoding job event failed", zap.Error(err))
		return
	}
	payload, err := json.Marshal(broker.Message{
		EventType: broker.JobStatus,
		MachineID: s.machineID,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		JobID:     j.ID,
		Job:       data,
	})
	if err != nil {
		s.logger.Error("Encoding job event failed", zap.Error(err))
		return
	}
	if err := s.b.Publish(topic, payload); err != nil {
		s.logger.Warn("Publishing job status failed", zap.String("job_id", j.ID), zap.Error(err))
	}
}

// leverGuard holds the valve open while a request is served so Shutdown
// waits for it.
func (s *Server) leverGuard(valv *valve.Valve, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := valv.Open(); err != nil {
			s.writeError(w, errShuttingDown)
			return
		}
		defer valv.Close()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) connectBroker(ctx context.Context) {
	topics := []string{broker.AgentTopic(s.machineID)}
	b := &backoff.Backoff{Min: time.Second, Max: time.Minute, Jitter: true}
	for {
		err := s.b.ConnectAndSubscribe(s.handleBrokerEvent, topics)
		if err == nil {
			s.logger.Info("Subscribed to broker", zap.String("broker", s.b.String()), zap.Strings("topics", topics))
			return
		}
		d := b.Duration()
		s.logger.Warn("Connecting to broker failed", zap.Error(err), zap.Duration("retry_in", d))
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}
	}
}

func (s *Server) Run() error {
	// Graceful valve shut-off package to manage code preemption and shutdown signaling.
	valv := valve.New()
	baseCtx := valv.Context()

	if s.b != nil {
		go s.connectBroker(baseCtx)
		go s.publishJobEvents(baseCtx)
	}

	srv := http.Server{Handler: chi.ServerBaseContext(baseCtx, s.leverGuard(valv, s.router))}

	c := make(chan os.Signal, 1)
	if s.testSignalCh != nil {
		c = s.testSignalCh
	}
	signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(c)
	go func() {
		<-c
		// signal is a ^C, handle it
		s.logger.Info("shutting down...")

		// first valv
		if err := valv.Shutdown(shutdownTimeout); err != nil {
			s.logger.Error("failed to shutdown valv", zap.Error(err))
		}

		// create context with timeout
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// start http shutdown
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown http server", zap.Error(err))
		}

		if s.b != nil {
			if err := s.b.Disconnect(); err != nil {
				s.logger.Debug("broker disconnect", zap.Error(err))
			}
		}
	}()

	if s.useUnixSock {
		_ = os.Remove(s.Addr)
		unixListener, err := net.Listen("unix", s.Addr)
		if err != nil {
			return err
		}
		if err := os.Chmod(s.Addr, 0600); err != nil {
			unixListener.Close()
			return err
		}
		return srv.Serve(unixListener)
	}

	srv.Addr = s.Addr
	return srv.ListenAndServe()
}
