package gologger

import (
	"strings"

	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

// DefaultJobComponent names the logger handed to background job workers.
const DefaultJobComponent = "loyalty.jobs"

// JobLoggers is one resolved logger exposed under both the glog and go-job contracts.
type JobLoggers struct {
	Provider    glog.LoggerProvider
	Logger      glog.Logger
	JobProvider job.LoggerProvider
	JobLogger   job.Logger
}

// ForJobs resolves the logger a job worker should use. A provider wins over a direct
// logger and a nop logger is the fallback, so the result is never nil.
func ForJobs(component string, provider glog.LoggerProvider, logger glog.Logger) JobLoggers {
	component = strings.TrimSpace(component)
	if component == "" {
		component = DefaultJobComponent
	}
	resolvedProvider, resolvedLogger := glog.Resolve(component, provider, logger)
	loggers := JobLoggers{Provider: resolvedProvider, Logger: resolvedLogger}
	if resolvedProvider != nil {
		loggers.JobProvider = job.GoLoggerProvider(resolvedProvider)
	}
	if resolvedLogger != nil {
		loggers.JobLogger = job.GoLogger(resolvedLogger)
	}
	return loggers
}
