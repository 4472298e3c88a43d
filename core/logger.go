package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// ProductionLogger is the default Logger implementation: structured JSON
// in cluster environments, human-readable text for local development.
// Error output is rate-limited so a failing dependency cannot flood logs.
type ProductionLogger struct {
	level       int
	serviceName string
	format      string
	output      io.Writer
	mu          sync.Mutex

	// Rate limiting for error-level output
	lastError     time.Time
	errorInterval time.Duration
	suppressed    int
}

const (
	levelDebug = iota
	levelInfo
	levelWarn
	levelError
)

func parseLevel(level string) int {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return levelDebug
	case "WARN", "WARNING":
		return levelWarn
	case "ERROR":
		return levelError
	default:
		return levelInfo
	}
}

// NewProductionLogger creates a logger from logging configuration.
// Configuration priority:
//  1. Explicit config values (highest)
//  2. Environment variables (AGENTMESH_LOG_LEVEL, AGENTMESH_LOG_FORMAT)
//  3. Auto-detection (JSON under Kubernetes)
//  4. Defaults (text, info)
func NewProductionLogger(cfg LoggingConfig, serviceName string) *ProductionLogger {
	level := cfg.Level
	if level == "" {
		level = os.Getenv("AGENTMESH_LOG_LEVEL")
	}
	if level == "" {
		level = "info"
	}

	format := cfg.Format
	if format == "" {
		format = os.Getenv("AGENTMESH_LOG_FORMAT")
	}
	if format == "" {
		if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
			format = "json"
		} else {
			format = "text"
		}
	}

	return &ProductionLogger{
		level:         parseLevel(level),
		serviceName:   serviceName,
		format:        format,
		output:        os.Stdout,
		errorInterval: time.Second,
	}
}

// SetOutput redirects log output; used by tests.
func (l *ProductionLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(levelDebug, "DEBUG", msg, fields)
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log(levelInfo, "INFO", msg, fields)
}

func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(levelWarn, "WARN", msg, fields)
}

func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	l.mu.Lock()
	if time.Since(l.lastError) < l.errorInterval {
		l.suppressed++
		l.mu.Unlock()
		return
	}
	l.lastError = time.Now()
	suppressed := l.suppressed
	l.suppressed = 0
	l.mu.Unlock()

	if suppressed > 0 {
		if fields == nil {
			fields = map[string]interface{}{}
		}
		fields["suppressed_errors"] = suppressed
	}
	l.log(levelError, "ERROR", msg, fields)
}

func (l *ProductionLogger) log(level int, label, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	if l.format == "json" {
		entry := make(map[string]interface{}, len(fields)+4)
		for k, v := range fields {
			switch val := v.(type) {
			case error:
				entry[k] = val.Error()
			default:
				entry[k] = v
			}
		}
		entry["timestamp"] = now.Format(time.RFC3339Nano)
		entry["level"] = label
		entry["service"] = l.serviceName
		entry["message"] = msg
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(l.output, string(data))
		}
		return
	}

	// Text format: stable field ordering for readability
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s: %s", now.Format("15:04:05.000"), label, l.serviceName, msg)
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, fields[k])
		}
	}
	fmt.Fprintln(l.output, b.String())
}
