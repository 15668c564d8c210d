package prometheus

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-loyalty/core"
	promclient "github.com/prometheus/client_golang/prometheus"
)

// DefaultDroppedLabels are tag keys that identify a single user or account and would explode
// series cardinality.
var DefaultDroppedLabels = []string{"user_id", "account_id", "reference"}

var DefaultDurationBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

type Option func(*Recorder)

func WithDroppedLabels(keys ...string) Option {
	return func(r *Recorder) {
		r.dropped = map[string]struct{}{}
		for _, key := range keys {
			if key = strings.TrimSpace(key); key != "" {
				r.dropped[key] = struct{}{}
			}
		}
	}
}

func WithBuckets(buckets ...float64) Option {
	return func(r *Recorder) {
		if len(buckets) > 0 {
			r.buckets = append([]float64(nil), buckets...)
		}
	}
}

// WithErrorHandler receives registration failures. By default they are swallowed so a metrics
// problem never fails a loyalty operation.
func WithErrorHandler(fn func(name string, err error)) Option {
	return func(r *Recorder) {
		if fn != nil {
			r.onError = fn
		}
	}
}

// Recorder implements core.MetricsRecorder on a prometheus registry. Label names for a metric are
// fixed by its first observation; later tags missing a label record it empty and unknown tags are
// ignored.
type Recorder struct {
	registerer promclient.Registerer
	dropped    map[string]struct{}
	buckets    []float64
	onError    func(name string, err error)

	mu         sync.Mutex
	counters   map[string]*counterFamily
	histograms map[string]*histogramFamily
}

type counterFamily struct {
	labels []string
	vec    *promclient.CounterVec
}

type histogramFamily struct {
	labels []string
	vec    *promclient.HistogramVec
}

func NewRecorder(registerer promclient.Registerer, opts ...Option) *Recorder {
	if registerer == nil {
		registerer = promclient.NewRegistry()
	}
	r := &Recorder{
		registerer: registerer,
		buckets:    DefaultDurationBuckets,
		onError:    func(string, error) {},
		counters:   map[string]*counterFamily{},
		histograms: map[string]*histogramFamily{},
	}
	WithDroppedLabels(DefaultDroppedLabels...)(r)
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Recorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	if r == nil || value < 0 {
		return
	}
	family, err := r.counter(name, tags)
	if err != nil {
		r.onError(name, err)
		return
	}
	family.vec.WithLabelValues(labelValues(family.labels, tags)...).Add(float64(value))
}

func (r *Recorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	if r == nil {
		return
	}
	family, err := r.histogram(name, tags)
	if err != nil {
		r.onError(name, err)
		return
	}
	family.vec.WithLabelValues(labelValues(family.labels, tags)...).Observe(value)
}

func (r *Recorder) counter(name string, tags map[string]string) (*counterFamily, error) {
	metricName := MetricName(name)
	if metricName == "" {
		return nil, fmt.Errorf("prometheus: metric name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if family, ok := r.counters[metricName]; ok {
		return family, nil
	}
	labels := r.labelNames(tags)
	vec := promclient.NewCounterVec(promclient.CounterOpts{
		Name: metricName,
		Help: "Loyalty counter " + name,
	}, labels)
	if err := r.registerer.Register(vec); err != nil {
		existing, ok := alreadyRegistered[*promclient.CounterVec](err)
		if !ok {
			return nil, err
		}
		vec = existing
	}
	family := &counterFamily{labels: labels, vec: vec}
	r.counters[metricName] = family
	return family, nil
}

func (r *Recorder) histogram(name string, tags map[string]string) (*histogramFamily, error) {
	metricName := MetricName(name)
	if metricName == "" {
		return nil, fmt.Errorf("prometheus: metric name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if family, ok := r.histograms[metricName]; ok {
		return family, nil
	}
	labels := r.labelNames(tags)
	vec := promclient.NewHistogramVec(promclient.HistogramOpts{
		Name:    metricName,
		Help:    "Loyalty histogram " + name,
		Buckets: r.buckets,
	}, labels)
	if err := r.registerer.Register(vec); err != nil {
		existing, ok := alreadyRegistered[*promclient.HistogramVec](err)
		if !ok {
			return nil, err
		}
		vec = existing
	}
	family := &histogramFamily{labels: labels, vec: vec}
	r.histograms[metricName] = family
	return family, nil
}

func (r *Recorder) labelNames(tags map[string]string) []string {
	labels := make([]string, 0, len(tags))
	for key := range tags {
		if _, skip := r.dropped[key]; skip {
			continue
		}
		if label := sanitize(key); label != "" {
			labels = append(labels, label)
		}
	}
	sort.Strings(labels)
	return labels
}

func alreadyRegistered[T promclient.Collector](err error) (T, bool) {
	var zero T
	are, ok := err.(promclient.AlreadyRegisteredError)
	if !ok {
		return zero, false
	}
	existing, ok := are.ExistingCollector.(T)
	return existing, ok
}

func labelValues(labels []string, tags map[string]string) []string {
	sanitized := make(map[string]string, len(tags))
	for key, value := range tags {
		sanitized[sanitize(key)] = value
	}
	values := make([]string, len(labels))
	for i, label := range labels {
		values[i] = sanitized[label]
	}
	return values
}

// MetricName maps a dotted loyalty metric name onto the prometheus naming alphabet.
func MetricName(name string) string {
	return sanitize(name)
}

func sanitize(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteRune('_')
			}
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

var _ core.MetricsRecorder = (*Recorder)(nil)
