package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// PrometheusHandler serves every counter as one metric in Prometheus text
// format, keyed by an `event` label. Gauges are sampled per scrape.
func PrometheusHandler(m *Metrics, gauges map[string]func() int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintln(w, "# HELP miclink_events_total Internal event counters.")
		_, _ = fmt.Fprintln(w, "# TYPE miclink_events_total counter")
		for _, k := range keys {
			escaped := strings.NewReplacer("\\", "\\\\", "\"", "\\\"").Replace(k)
			_, _ = fmt.Fprintf(w, "miclink_events_total{event=\"%s\"} %d\n", escaped, snap[k])
		}

		names := make([]string, 0, len(gauges))
		for name := range gauges {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			_, _ = fmt.Fprintf(w, "# TYPE miclink_%s gauge\n", name)
			_, _ = fmt.Fprintf(w, "miclink_%s %d\n", name, gauges[name]())
		}
	})
}
