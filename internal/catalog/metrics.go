package catalog

import "github.com/prometheus/client_golang/prometheus"

const (
	resultOK       = "ok"
	resultError    = "error"
	resultConflict = "conflict"
)

type serviceMetrics struct {
	mutations *prometheus.CounterVec
	conflicts prometheus.Counter
}

func newServiceMetrics(reg prometheus.Registerer) *serviceMetrics {
	m := &serviceMetrics{
		mutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_mutations_total",
				Help: "Catalog write operations by outcome",
			},
			[]string{"op", "result"},
		),
		conflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "catalog_save_conflicts_total",
				Help: "Conditional catalog saves lost to a concurrent writer",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.mutations, m.conflicts)
	}
	return m
}

func (m *serviceMetrics) observe(op, result string) {
	m.mutations.WithLabelValues(op, result).Inc()
}
