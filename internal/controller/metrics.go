package controller

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rccypher/rapidcopy/internal/model"
)

// metrics exports the controller's observability surface for the
// scraping collaborator.
type metrics struct {
	ticks           prometheus.Counter
	filesByState    *prometheus.GaugeVec
	downloadSpeed   prometheus.Gauge
	validationGauge prometheus.Gauge
	corruptChunks   prometheus.Counter
	commands        *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rapidcopy",
			Subsystem: "controller",
			Name:      "ticks_total",
			Help:      "Reconciler ticks processed.",
		}),
		filesByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rapidcopy",
			Subsystem: "model",
			Name:      "files",
			Help:      "Model files by state.",
		}, []string{"state"}),
		downloadSpeed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rapidcopy",
			Subsystem: "downloader",
			Name:      "speed_bytes_per_second",
			Help:      "Aggregate download speed.",
		}),
		validationGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rapidcopy",
			Subsystem: "validation",
			Name:      "progress",
			Help:      "Progress of the active validation, 0 to 1.",
		}),
		corruptChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rapidcopy",
			Subsystem: "validation",
			Name:      "corrupt_chunks_total",
			Help:      "Chunks found corrupt across all validations.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rapidcopy",
			Subsystem: "controller",
			Name:      "commands_total",
			Help:      "User commands by action and outcome.",
		}, []string{"action", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.ticks, m.filesByState, m.downloadSpeed,
			m.validationGauge, m.corruptChunks, m.commands)
	}
	return m
}

func (m *metrics) observeModel(files []*model.ModelFile) {
	counts := make(map[model.State]int)
	var speed float64
	for _, f := range files {
		counts[f.State]++
		speed += f.DownloadingSpeed
	}
	for s := model.Default; s <= model.Corrupt; s++ {
		m.filesByState.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
	m.downloadSpeed.Set(speed)
}
