package server

import (
	"fmt"
	"net/http"
	"time"

	"clipvault/internal/store"
	"clipvault/internal/sysmetrics"
)

// registerMetrics registers the /metrics endpoint for Prometheus scraping.
// This endpoint is unauthenticated (standard for Prometheus targets).
func (s *Server) registerMetrics(mux *http.ServeMux) {
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		s.writeMetrics(w, r)
	})
}

func (s *Server) writeMetrics(w http.ResponseWriter, r *http.Request) {
	// -- Server info --
	_, _ = fmt.Fprintf(w, "# HELP clipvault_info Server version and metadata.\n")
	_, _ = fmt.Fprintf(w, "# TYPE clipvault_info gauge\n")
	_, _ = fmt.Fprintf(w, "clipvault_info{version=%q} 1\n", Version)

	_, _ = fmt.Fprintf(w, "# HELP clipvault_up Whether the server is accepting traffic.\n")
	_, _ = fmt.Fprintf(w, "# TYPE clipvault_up gauge\n")
	if s.draining.Load() {
		_, _ = fmt.Fprintf(w, "clipvault_up 0\n")
	} else {
		_, _ = fmt.Fprintf(w, "clipvault_up 1\n")
	}

	_, _ = fmt.Fprintf(w, "# HELP clipvault_uptime_seconds Seconds since server start.\n")
	_, _ = fmt.Fprintf(w, "# TYPE clipvault_uptime_seconds gauge\n")
	_, _ = fmt.Fprintf(w, "clipvault_uptime_seconds %.0f\n", time.Since(s.startTime).Seconds())

	// -- Process --
	_, _ = fmt.Fprintf(w, "# HELP clipvault_process_cpu_percent Process CPU usage since last scrape.\n")
	_, _ = fmt.Fprintf(w, "# TYPE clipvault_process_cpu_percent gauge\n")
	_, _ = fmt.Fprintf(w, "clipvault_process_cpu_percent %.2f\n", s.sys.CPUPercent())

	_, _ = fmt.Fprintf(w, "# HELP clipvault_process_memory_bytes Heap and stack bytes in use.\n")
	_, _ = fmt.Fprintf(w, "# TYPE clipvault_process_memory_bytes gauge\n")
	_, _ = fmt.Fprintf(w, "clipvault_process_memory_bytes %d\n", sysmetrics.MemoryInuse())

	// -- HTTP --
	_, _ = fmt.Fprintf(w, "# HELP clipvault_http_requests_total Requests handled since start.\n")
	_, _ = fmt.Fprintf(w, "# TYPE clipvault_http_requests_total counter\n")
	_, _ = fmt.Fprintf(w, "clipvault_http_requests_total %d\n", s.requestCount.Load())

	_, _ = fmt.Fprintf(w, "# HELP clipvault_http_requests_in_flight Requests currently being served.\n")
	_, _ = fmt.Fprintf(w, "# TYPE clipvault_http_requests_in_flight gauge\n")
	_, _ = fmt.Fprintf(w, "clipvault_http_requests_in_flight %d\n", s.inFlightNow.Load())

	// -- Persist queue --
	if s.svc != nil {
		_, _ = fmt.Fprintf(w, "# HELP clipvault_persist_queue_depth Snippets waiting to be persisted.\n")
		_, _ = fmt.Fprintf(w, "# TYPE clipvault_persist_queue_depth gauge\n")
		_, _ = fmt.Fprintf(w, "clipvault_persist_queue_depth %d\n", s.svc.QueueDepth())

		_, _ = fmt.Fprintf(w, "# HELP clipvault_persist_queue_capacity Capacity of the persist queue.\n")
		_, _ = fmt.Fprintf(w, "# TYPE clipvault_persist_queue_capacity gauge\n")
		_, _ = fmt.Fprintf(w, "clipvault_persist_queue_capacity %d\n", s.svc.QueueCapacity())
	}

	s.writeStoreMetrics(w, r)
}

func (s *Server) writeStoreMetrics(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		return
	}
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.logger.Warn("collect store metrics", "error", err)
		return
	}

	_, _ = fmt.Fprintf(w, "# HELP clipvault_users_total Registered accounts.\n")
	_, _ = fmt.Fprintf(w, "# TYPE clipvault_users_total gauge\n")
	_, _ = fmt.Fprintf(w, "clipvault_users_total %d\n", stats.Users)

	_, _ = fmt.Fprintf(w, "# HELP clipvault_snippets Live snippets by status.\n")
	_, _ = fmt.Fprintf(w, "# TYPE clipvault_snippets gauge\n")
	for _, status := range []store.Status{store.StatusProcessing, store.StatusCompleted, store.StatusFailed} {
		_, _ = fmt.Fprintf(w, "clipvault_snippets{status=%q} %d\n", status, stats.SnippetsByStatus[status])
	}

	_, _ = fmt.Fprintf(w, "# HELP clipvault_snippets_deleted Soft-deleted snippets awaiting purge.\n")
	_, _ = fmt.Fprintf(w, "# TYPE clipvault_snippets_deleted gauge\n")
	_, _ = fmt.Fprintf(w, "clipvault_snippets_deleted %d\n", stats.DeletedSnippets)

	_, _ = fmt.Fprintf(w, "# HELP clipvault_chunks_total Stored chunk rows.\n")
	_, _ = fmt.Fprintf(w, "# TYPE clipvault_chunks_total gauge\n")
	_, _ = fmt.Fprintf(w, "clipvault_chunks_total %d\n", stats.Chunks)

	_, _ = fmt.Fprintf(w, "# HELP clipvault_content_bytes Plaintext bytes across live snippets.\n")
	_, _ = fmt.Fprintf(w, "# TYPE clipvault_content_bytes gauge\n")
	_, _ = fmt.Fprintf(w, "clipvault_content_bytes %d\n", stats.ContentBytes)
}
