package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/downfa11-org/replicad/internal/logx"
)

// StartExporter serves the Prometheus /metrics endpoint on a background
// goroutine, in the same fire-and-forget style as the teacher's
// StartMetricsServer.
func StartExporter(port int) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", port)
		logx.Info("metrics exporter listening on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logx.Error("metrics exporter failed: %v", err)
		}
	}()
}
