package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"classes-api/internal/models"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// JobLabel identifies a batch job lifecycle transition.
type JobLabel struct {
	Kind   string
	Status string
}

// ItemLabel identifies the outcome of one batch item.
type ItemLabel struct {
	Kind    string
	Outcome string
}

// EventLabel identifies a notification publish attempt.
type EventLabel struct {
	Name   string
	Result string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests, batch
// jobs, batch items, notification delivery and rate limiting. Writers are
// coordinated by a RWMutex; the active job gauge is atomic.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	jobEvents       map[JobLabel]uint64
	itemOutcomes    map[ItemLabel]uint64
	notifyEvents    map[EventLabel]uint64
	rateLimited     map[string]uint64
	activeJobs      atomic.Int64
}

var (
	defaultMu       sync.RWMutex
	defaultRecorder = New()
)

// New constructs an empty Recorder with initialized backing maps so callers can
// immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		jobEvents:       make(map[JobLabel]uint64),
		itemOutcomes:    make(map[ItemLabel]uint64),
		notifyEvents:    make(map[EventLabel]uint64),
		rateLimited:     make(map[string]uint64),
	}
}

// Default returns the process-wide Recorder used by the package helpers.
func Default() *Recorder {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRecorder
}

// SetDefault swaps the process-wide Recorder. A nil recorder is ignored.
func SetDefault(r *Recorder) {
	if r == nil {
		return
	}
	defaultMu.Lock()
	defaultRecorder = r
	defaultMu.Unlock()
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// JobStarted records the start of a batch job and increments the active job
// gauge.
func (r *Recorder) JobStarted(kind string) {
	r.recordJobEvent(kind, "start")
	r.activeJobs.Add(1)
}

// JobFinished records the terminal status of a batch job and decrements the
// active job gauge without letting it go negative.
func (r *Recorder) JobFinished(kind string, status models.JobStatus) {
	r.recordJobEvent(kind, string(status))
	r.decrementGauge(&r.activeJobs)
}

func (r *Recorder) recordJobEvent(kind, status string) {
	label := JobLabel{
		Kind:   normalizeName(kind),
		Status: normalizeName(status),
	}
	r.mu.Lock()
	r.jobEvents[label]++
	r.mu.Unlock()
}

// ItemProcessed counts one batch item outcome.
func (r *Recorder) ItemProcessed(kind string, failed bool) {
	outcome := "success"
	if failed {
		outcome = "error"
	}
	label := ItemLabel{Kind: normalizeName(kind), Outcome: outcome}
	r.mu.Lock()
	r.itemOutcomes[label]++
	r.mu.Unlock()
}

// ObserveEvent counts a notification publish attempt; err is the publish
// result.
func (r *Recorder) ObserveEvent(name string, err error) {
	result := "published"
	if err != nil {
		result = "failed"
	}
	label := EventLabel{Name: normalizeName(name), Result: result}
	r.mu.Lock()
	r.notifyEvents[label]++
	r.mu.Unlock()
}

// ObserveRateLimited counts a request rejected by the named limiter scope
// ("global" or "tenant").
func (r *Recorder) ObserveRateLimited(scope string) {
	normalized := normalizeName(scope)
	r.mu.Lock()
	r.rateLimited[normalized]++
	r.mu.Unlock()
}

// ActiveJobs exposes the current number of running batch jobs.
func (r *Recorder) ActiveJobs() int64 {
	return r.activeJobs.Load()
}

// JobCounts returns copies of the job lifecycle counters and the active job
// gauge.
func (r *Recorder) JobCounts() (events map[JobLabel]uint64, active int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[JobLabel]uint64, len(r.jobEvents))
	for k, v := range r.jobEvents {
		events[k] = v
	}
	return events, r.activeJobs.Load()
}

// ItemCounts returns a copy of the item outcome counters.
func (r *Recorder) ItemCounts() map[ItemLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make(map[ItemLabel]uint64, len(r.itemOutcomes))
	for k, v := range r.itemOutcomes {
		items[k] = v
	}
	return items
}

// EventCounts returns a copy of the notification counters.
func (r *Recorder) EventCounts() map[EventLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := make(map[EventLabel]uint64, len(r.notifyEvents))
	for k, v := range r.notifyEvents {
		events[k] = v
	}
	return events
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.jobEvents = make(map[JobLabel]uint64)
	r.itemOutcomes = make(map[ItemLabel]uint64)
	r.notifyEvents = make(map[EventLabel]uint64)
	r.rateLimited = make(map[string]uint64)
	r.activeJobs.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting label
// sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	jobLabels := r.sortedJobLabels()
	itemLabels := r.sortedItemLabels()
	eventLabels := r.sortedEventLabels()
	limitScopes := sortedKeys(r.rateLimited)

	fmt.Fprintln(w, "# HELP classes_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE classes_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "classes_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP classes_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE classes_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "classes_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP classes_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE classes_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "classes_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP classes_jobs_total Batch job lifecycle events by kind and status")
	fmt.Fprintln(w, "# TYPE classes_jobs_total counter")
	for _, label := range jobLabels {
		count := r.jobEvents[label]
		fmt.Fprintf(w, "classes_jobs_total{kind=\"%s\",status=\"%s\"} %d\n", label.Kind, label.Status, count)
	}

	fmt.Fprintln(w, "# HELP classes_active_jobs Current number of running batch jobs")
	fmt.Fprintln(w, "# TYPE classes_active_jobs gauge")
	fmt.Fprintf(w, "classes_active_jobs %d\n", r.activeJobs.Load())

	fmt.Fprintln(w, "# HELP classes_job_items_total Batch items processed by kind and outcome")
	fmt.Fprintln(w, "# TYPE classes_job_items_total counter")
	for _, label := range itemLabels {
		count := r.itemOutcomes[label]
		fmt.Fprintf(w, "classes_job_items_total{kind=\"%s\",outcome=\"%s\"} %d\n", label.Kind, label.Outcome, count)
	}

	fmt.Fprintln(w, "# HELP classes_events_total Notification publish attempts by event and result")
	fmt.Fprintln(w, "# TYPE classes_events_total counter")
	for _, label := range eventLabels {
		count := r.notifyEvents[label]
		fmt.Fprintf(w, "classes_events_total{event=\"%s\",result=\"%s\"} %d\n", label.Name, label.Result, count)
	}

	fmt.Fprintln(w, "# HELP classes_rate_limited_total Requests rejected by the rate limiter")
	fmt.Fprintln(w, "# TYPE classes_rate_limited_total counter")
	for _, scope := range limitScopes {
		fmt.Fprintf(w, "classes_rate_limited_total{scope=\"%s\"} %d\n", scope, r.rateLimited[scope])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedJobLabels() []JobLabel {
	labels := make([]JobLabel, 0, len(r.jobEvents))
	for label := range r.jobEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Kind != labels[j].Kind {
			return labels[i].Kind < labels[j].Kind
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func (r *Recorder) sortedItemLabels() []ItemLabel {
	labels := make([]ItemLabel, 0, len(r.itemOutcomes))
	for label := range r.itemOutcomes {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Kind != labels[j].Kind {
			return labels[i].Kind < labels[j].Kind
		}
		return labels[i].Outcome < labels[j].Outcome
	})
	return labels
}

func (r *Recorder) sortedEventLabels() []EventLabel {
	labels := make([]EventLabel, 0, len(r.notifyEvents))
	for label := range r.notifyEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Name != labels[j].Name {
			return labels[i].Name < labels[j].Name
		}
		return labels[i].Result < labels[j].Result
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// normalizePath folds tenant, class and job identifiers out of a request path
// so the label set is bounded by the route table.
func normalizePath(path string) string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	for i, part := range parts {
		switch {
		case i > 0 && parts[i-1] == "tenants":
			parts[i] = ":tenant"
		case i > 0 && (parts[i-1] == "classes" || parts[i-1] == "jobs"):
			parts[i] = ":id"
		case looksLikeIdentifier(part):
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	Default().ObserveRequest(method, path, status, duration)
}

// ObserveEvent records a notification publish on the default recorder.
func ObserveEvent(name string, err error) {
	Default().ObserveEvent(name, err)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return Default().Handler()
}
