// Package version хранит сведения о сборке; значения задаются через -ldflags:
//
//	-X github.com/vladislavdragonenkov/fulfillment/internal/version.version=1.4.0
package version

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Build описывает собранный бинарник.
type Build struct {
	Version string
	Commit  string
	Date    string
}

func Current() Build {
	return Build{Version: version, Commit: commit, Date: date}
}

// Release сообщает, что бинарник собран с явной версией.
func (b Build) Release() bool {
	return b.Version != "" && b.Version != "dev"
}

func (b Build) String() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", b.Version, b.Commit, b.Date)
}

// Collector отдаёт fulfillment_build_info со значением 1 и метками сборки.
func (b Build) Collector() prometheus.Collector {
	info := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fulfillment_build_info",
		Help: "Build information of the running fulfillment binary.",
	}, []string{"version", "commit", "date"})
	info.WithLabelValues(b.Version, b.Commit, b.Date).Set(1)
	return info
}
