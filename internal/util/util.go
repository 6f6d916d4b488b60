package util

import (
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func GetOutputPath(jobID string) string {
	return fmt.Sprintf("jobs/output/%s.json", jobID)
}

func RecordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// GetModuleKey scopes a module cache entry to one run.
func GetModuleKey(scope, module string) string {
	return fmt.Sprintf("module:%s:%s", scope, module)
}

// ContainerName is the runtime name for a job's container.
func ContainerName(jobID string) string {
	return fmt.Sprintf("job-%s", jobID)
}

// EnvList renders env vars as KEY=VALUE sorted by key.
func EnvList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
