package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/marketsync/internal/chart"
)

// maxBuckets bounds how many buckets a single chart query may span.
const maxBuckets = 100_000

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// pathParam extracts a named path parameter using the ServeMux pattern
// wildcards (http.Request.PathValue).
func pathParam(r *http.Request, name string) string {
	return strings.TrimSpace(r.PathValue(name))
}

// parseChartParams reads the chart window from the query string:
//
//	interval=5m     bucket width (Go duration), default: the live interval
//	lookback=24h    window length, 0 or absent means unbounded
//	end=<RFC3339 or unix seconds>
//	outcome=yes     restrict to one outcome
func parseChartParams(r *http.Request) (chart.Params, error) {
	q := r.URL.Query()
	var p chart.Params

	if v := q.Get("interval"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return p, fmt.Errorf("invalid interval %q", v)
		}
		p.Interval = d
	}
	if v := q.Get("lookback"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return p, fmt.Errorf("invalid lookback %q", v)
		}
		p.Lookback = d
	}
	if p.Interval > 0 && p.Lookback > 0 && p.Lookback/p.Interval > maxBuckets {
		return p, fmt.Errorf("lookback %s spans more than %d buckets", p.Lookback, maxBuckets)
	}
	if v := q.Get("end"); v != "" {
		end, err := parseTime(v)
		if err != nil {
			return p, fmt.Errorf("invalid end %q", v)
		}
		p.End = end
	}
	p.Outcome = strings.ToLower(strings.TrimSpace(q.Get("outcome")))
	return p, nil
}

func parseTime(v string) (time.Time, error) {
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("handler", handler))
}
