package ledgerd

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerd_submissions_total",
		Help: "Submit calls by result (created, replayed or a gRPC code).",
	}, []string{"result"})

	chainLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledgerd_chain_length",
		Help: "Number of chain entries including genesis.",
	})
)

func recordSubmission(result string) {
	submissionsTotal.WithLabelValues(result).Inc()
}

// SetChainLength publishes the current chain length.
func SetChainLength(n int) {
	chainLength.Set(float64(n))
}
