package job

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	submitted    *prometheus.CounterVec
	finished     *prometheus.CounterVec
	running      prometheus.Gauge
	archiveBytes prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backupd_jobs_submitted_total",
			Help: "Jobs accepted by the job manager.",
		}, []string{"operation", "type"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backupd_jobs_finished_total",
			Help: "Jobs that reached a terminal status.",
		}, []string{"status"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backupd_jobs_running",
			Help: "Jobs currently holding an execution slot.",
		}),
		archiveBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backupd_archive_bytes_total",
			Help: "Source bytes written into archives.",
		}),
	}
	for _, c := range []prometheus.Collector{m.submitted, m.finished, m.running, m.archiveBytes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
