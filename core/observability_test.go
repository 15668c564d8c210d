package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type capturedCounter struct {
	name  string
	value int64
	tags  map[string]string
}

type capturedHistogram struct {
	name  string
	value float64
	tags  map[string]string
}

type captureMetricsRecorder struct {
	mu         sync.Mutex
	counters   []capturedCounter
	histograms []capturedHistogram
}

func (m *captureMetricsRecorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = append(m.counters, capturedCounter{name: name, value: value, tags: cloneTags(tags)})
}

func (m *captureMetricsRecorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histograms = append(m.histograms, capturedHistogram{name: name, value: value, tags: cloneTags(tags)})
}

func (m *captureMetricsRecorder) counter(name string) (capturedCounter, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.counters) - 1; i >= 0; i-- {
		if m.counters[i].name == name {
			return m.counters[i], true
		}
	}
	return capturedCounter{}, false
}

func (m *captureMetricsRecorder) histogramCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, histogram := range m.histograms {
		if histogram.name == name {
			count++
		}
	}
	return count
}

type capturedLog struct {
	level  string
	msg    string
	fields map[string]any
}

type captureLogger struct {
	mu       *sync.Mutex
	records  *[]capturedLog
	defaults map[string]any
}

func newCaptureLogger() *captureLogger {
	records := []capturedLog{}
	return &captureLogger{mu: &sync.Mutex{}, records: &records, defaults: map[string]any{}}
}

func (l *captureLogger) WithFields(fields map[string]any) Logger {
	merged := cloneFields(l.defaults)
	for key, value := range fields {
		merged[key] = value
	}
	return &captureLogger{mu: l.mu, records: l.records, defaults: merged}
}

func (l *captureLogger) Trace(msg string, args ...any) { l.record("trace", msg, args...) }
func (l *captureLogger) Debug(msg string, args ...any) { l.record("debug", msg, args...) }
func (l *captureLogger) Info(msg string, args ...any)  { l.record("info", msg, args...) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args...) }
func (l *captureLogger) Error(msg string, args ...any) { l.record("error", msg, args...) }
func (l *captureLogger) Fatal(msg string, args ...any) { l.record("fatal", msg, args...) }

func (l *captureLogger) WithContext(context.Context) Logger {
	return &captureLogger{mu: l.mu, records: l.records, defaults: cloneFields(l.defaults)}
}

func (l *captureLogger) record(level string, msg string, args ...any) {
	fields := cloneFields(l.defaults)
	for index := 0; index+1 < len(args); index += 2 {
		key, ok := args[index].(string)
		if !ok {
			continue
		}
		fields[key] = args[index+1]
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.records = append(*l.records, capturedLog{level: level, msg: msg, fields: fields})
}

func (l *captureLogger) find(msg string) (capturedLog, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, record := range *l.records {
		if record.msg == msg {
			return record, true
		}
	}
	return capturedLog{}, false
}

func TestObserveOperation_RecordsCountersAndLogs(t *testing.T) {
	logger := newCaptureLogger()
	metrics := &captureMetricsRecorder{}
	obs := &observer{logger: logger, metricsRecorder: metrics}

	obs.observeOperation(context.Background(), time.Now(), "Ledger Add-Unit", NewLedgerConflictError("changed"), map[string]any{
		"account_id": "acct-1",
		"user_id":    "u-1",
	})

	counter, ok := metrics.counter("loyalty.ledger_add_unit.total")
	if !ok {
		t.Fatalf("expected operation counter to be recorded")
	}
	if counter.tags["status"] != "failure" || counter.tags["text_code"] != ErrorLedgerConflict {
		t.Fatalf("unexpected counter tags: %#v", counter.tags)
	}
	if counter.tags["account_id"] != "acct-1" || counter.tags["user_id"] != "u-1" {
		t.Fatalf("expected identity tags, got %#v", counter.tags)
	}
	if metrics.histogramCount("loyalty.ledger_add_unit.duration_ms") != 1 {
		t.Fatalf("expected duration histogram")
	}

	record, ok := logger.find("ledger_add_unit failed")
	if !ok {
		t.Fatalf("expected failure log line")
	}
	if record.level != "error" || record.fields["account_id"] != "acct-1" {
		t.Fatalf("unexpected log record: %#v", record)
	}
}

func TestObserveOperation_SuccessLogsInfo(t *testing.T) {
	logger := newCaptureLogger()
	metrics := &captureMetricsRecorder{}
	obs := &observer{logger: logger, metricsRecorder: metrics}

	obs.observeOperation(context.Background(), time.Now(), "sign_in", nil, nil)
	counter, ok := metrics.counter("loyalty.sign_in.total")
	if !ok || counter.tags["status"] != "success" {
		t.Fatalf("expected success counter, got %#v", counter)
	}
	if _, ok := logger.find("sign_in succeeded"); !ok {
		t.Fatalf("expected success log line")
	}
}

func TestObserver_NilSafe(t *testing.T) {
	var obs *observer
	obs.observeOperation(context.Background(), time.Now(), "noop", errors.New("boom"), nil)
	obs.observeEvent(context.Background(), "noop", nil)
	obs.logWarn(context.Background(), "noop", nil)
}

func TestController_EmitsOperationMetrics(t *testing.T) {
	metrics := &captureMetricsRecorder{}
	logger := newCaptureLogger()
	h := newHarness(t, testRuntimeConfig(), WithMetricsRecorder(metrics), WithLoggerProvider(stubLoggerProvider{logger: logger}), WithLogger(logger))
	h.signIn(t, "u-1", "250")

	if _, ok := metrics.counter("loyalty.sign_in.total"); !ok {
		t.Fatalf("expected sign_in counter from controller")
	}
	if _, ok := logger.find("sign_in succeeded"); !ok {
		t.Fatalf("expected controller to log through the provided logger")
	}
}

func TestObserver_RedactsSecretFields(t *testing.T) {
	logger := newCaptureLogger()
	obs := &observer{logger: logger}
	obs.logInfo(context.Background(), "factor enrolled", map[string]any{
		"factor_id":    "loyalty-totp-ab12",
		"secret":       "JBSWY3DPEHPK3PXP",
		"uri":          "otpauth://totp/Loyalty:ada",
		"access_token": "eyJhbGciOi",
		"text_code":    ErrorMFAInvalidCode,
		"nested":       map[string]any{"code": "123456"},
	})

	record, ok := logger.find("factor enrolled")
	if !ok {
		t.Fatalf("expected log record")
	}
	for _, key := range []string{"secret", "uri", "access_token"} {
		if record.fields[key] != redactedValue {
			t.Fatalf("expected %s to be redacted, got %v", key, record.fields[key])
		}
	}
	if record.fields["factor_id"] != "loyalty-totp-ab12" || record.fields["text_code"] != ErrorMFAInvalidCode {
		t.Fatalf("expected non-secret fields to pass through, got %#v", record.fields)
	}
	nested, _ := record.fields["nested"].(map[string]any)
	if nested["code"] != redactedValue {
		t.Fatalf("expected nested code to be redacted, got %#v", nested)
	}
}
