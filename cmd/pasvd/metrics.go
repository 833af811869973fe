package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stats holds daemon counters. All metrics live on a private registry so
// tests can create as many as they like.
type Stats struct {
	reg *prometheus.Registry

	commands      *prometheus.CounterVec
	parseErrors   prometheus.Counter
	volumeSets    prometheus.Counter
	audioErrors   *prometheus.CounterVec
	preemptions   prometheus.Counter
	appliedVolume prometheus.Gauge
	transitioning prometheus.Gauge
}

func NewStats() *Stats {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	return &Stats{
		reg: reg,

		commands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pasvd_commands_total",
			Help: "Commands received over the socket, by kind",
		}, []string{"kind"}),
		parseErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "pasvd_parse_errors_total",
			Help: "Requests rejected by the parser",
		}),
		volumeSets: f.NewCounter(prometheus.CounterOpts{
			Name: "pasvd_volume_sets_total",
			Help: "Set-volume calls issued to the audio server",
		}),
		audioErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pasvd_audio_errors_total",
			Help: "Failed audio server calls, by operation",
		}, []string{"op"}),
		preemptions: f.NewCounter(prometheus.CounterOpts{
			Name: "pasvd_preempted_transitions_total",
			Help: "Transitions replaced by a newer request before finishing",
		}),
		appliedVolume: f.NewGauge(prometheus.GaugeOpts{
			Name: "pasvd_applied_volume",
			Help: "Last linear volume written to the default output",
		}),
		transitioning: f.NewGauge(prometheus.GaugeOpts{
			Name: "pasvd_transitioning",
			Help: "1 while a transition is in progress",
		}),
	}
}

func commandKind(cmd Command) string {
	switch cmd.(type) {
	case ChangeVolume:
		return "change"
	case QueryVolume:
		return "query"
	default:
		return "unknown"
	}
}

func (s *Stats) command(cmd Command) { s.commands.WithLabelValues(commandKind(cmd)).Inc() }
func (s *Stats) parseError()         { s.parseErrors.Inc() }
func (s *Stats) audioError(op string) {
	s.audioErrors.WithLabelValues(op).Inc()
}
func (s *Stats) preempted() { s.preemptions.Inc() }

func (s *Stats) volumeSet(v float64) {
	s.volumeSets.Inc()
	s.appliedVolume.Set(v)
}

func (s *Stats) setTransitioning(on bool) {
	if on {
		s.transitioning.Set(1)
	} else {
		s.transitioning.Set(0)
	}
}

// Handler serves the registry in the Prometheus text format.
func (s *Stats) Handler() http.Handler {
	return promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})
}
