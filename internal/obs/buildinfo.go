package obs

import (
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "usergate build information.",
		},
		[]string{"version", "commit", "go_version"},
	)
)

// Build metadata, overridden at link time with -ldflags "-X usergate.org/internal/obs.Version=...".
var (
	Version = "dev"
	Commit  = "unknown"
)

// InitBuildInfo registers build_info once and sets it to 1 for the running binary.
func InitBuildInfo() {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.WithLabelValues(Version, Commit, runtime.Version()).Set(1)
}
