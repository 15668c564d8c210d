package core

import (
	"context"
	"fmt"
	"strings"
)

// taggedFields are the log fields copied onto operation metrics. Recorders with a
// fixed label budget may drop the per-user ones.
var taggedFields = []string{"user_id", "account_id", "provider"}

type NopMetricsRecorder struct{}

func (NopMetricsRecorder) IncCounter(context.Context, string, int64, map[string]string) {}

func (NopMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

func operationTags(operation string, status string, fields map[string]any, textCode string) map[string]string {
	tags := map[string]string{
		"operation": operation,
		"status":    status,
	}
	for _, key := range taggedFields {
		raw, ok := fields[key]
		if !ok || raw == nil {
			continue
		}
		if value := strings.TrimSpace(fmt.Sprint(raw)); value != "" {
			tags[key] = value
		}
	}
	if textCode != "" {
		tags["text_code"] = textCode
	}
	return tags
}

func cloneTags(tags map[string]string) map[string]string {
	copied := make(map[string]string, len(tags))
	for key, value := range tags {
		copied[key] = value
	}
	return copied
}
