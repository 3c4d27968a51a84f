package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	// buildInfo is a constant 1 gauge labelled with version, commit and state backend.
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dealbridge_build_info",
			Help: "Deal bridge build information.",
		},
		[]string{"version", "commit", "backend"},
	)
)

// InitBuildInfo registers build_info once and sets the current labels.
func InitBuildInfo(version, commit, backend string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	if commit == "" {
		commit = "unknown"
	}
	buildInfo.WithLabelValues(version, commit, backend).Set(1)
}
