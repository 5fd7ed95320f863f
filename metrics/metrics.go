// Package metrics holds the Prometheus instruments exported by the bfield
// engine. Counters are registered at package init via promauto, following
// this codebase's existing metrics convention.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v3/disk"
)

var ArrayInsertsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "bfield_array_inserts_total",
		Help: "Inserts performed against a cascade level.",
	},
	[]string{"level"},
)

var ArrayLookupsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "bfield_array_lookups_total",
		Help: "Lookups performed against a cascade level, by outcome.",
	},
	[]string{"level", "result"},
)

var CascadeLookupsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "bfield_cascade_lookups_total",
		Help: "BField.Get calls, by final outcome.",
	},
	[]string{"result"},
)

var ArrayBitsAllocated = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "bfield_array_bits_allocated",
		Help: "Bit length of each cascade level's array, set at Create/Load.",
	},
	[]string{"level"},
)

// RegisterCascadeDiskUsage registers two gauges reporting free/used space
// on the filesystem holding dir, the directory a BField cascade's array
// files live in. Unlike a whole-device I/O collector, this is scoped to
// exactly the filesystem a given cascade occupies and is queried directly
// by path via gopsutil's disk.Usage rather than resolved through a device or
// mountpoint lookup; the gauges are recomputed on every Prometheus scrape.
func RegisterCascadeDiskUsage(dir string) error {
	free := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name:        "bfield_cascade_disk_free_bytes",
			Help:        "Free bytes on the filesystem backing a cascade's directory.",
			ConstLabels: prometheus.Labels{"dir": dir},
		},
		func() float64 {
			usage, err := disk.Usage(dir)
			if err != nil {
				return 0
			}
			return float64(usage.Free)
		},
	)
	used := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name:        "bfield_cascade_disk_used_bytes",
			Help:        "Used bytes on the filesystem backing a cascade's directory.",
			ConstLabels: prometheus.Labels{"dir": dir},
		},
		func() float64 {
			usage, err := disk.Usage(dir)
			if err != nil {
				return 0
			}
			return float64(usage.Used)
		},
	)
	if err := prometheus.Register(free); err != nil {
		return err
	}
	return prometheus.Register(used)
}
