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

// ProductionLogger writes structured log lines to an io.Writer.
//
// Two formats are supported:
//   - "json": one JSON object per line, suited to log aggregation
//   - "text": "<time> [LEVEL] [service:component] message key=value ..."
//
// Fields named timestamp, level, service, component and message are reserved
// and never overwritten by caller-supplied fields.
type ProductionLogger struct {
	mu          sync.RWMutex
	level       string
	format      string
	timeFormat  string
	serviceName string
	component   string
	output      io.Writer
}

var _ ComponentLogger = (*ProductionLogger)(nil)

var logLevels = map[string]int{
	"DEBUG": 0,
	"INFO":  1,
	"WARN":  2,
	"ERROR": 3,
}

// NewProductionLogger creates a logger from the logging section of Config.
// Output "stderr" selects os.Stderr, anything else writes to os.Stdout.
func NewProductionLogger(cfg LoggingConfig, serviceName string) *ProductionLogger {
	out := io.Writer(os.Stdout)
	if strings.EqualFold(cfg.Output, "stderr") {
		out = os.Stderr
	}
	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = time.RFC3339Nano
	}
	format := cfg.Format
	if format == "" {
		format = "json"
	}
	return &ProductionLogger{
		level:       strings.ToUpper(cfg.Level),
		format:      format,
		timeFormat:  timeFormat,
		serviceName: serviceName,
		component:   "callrelay",
		output:      out,
	}
}

// WithComponent returns a logger sharing this logger's settings that tags
// every line with the given component name.
func (l *ProductionLogger) WithComponent(component string) Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &ProductionLogger{
		level:       l.level,
		format:      l.format,
		timeFormat:  l.timeFormat,
		serviceName: l.serviceName,
		component:   component,
		output:      l.output,
	}
}

// SetOutput changes the output writer (useful for testing)
func (l *ProductionLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

// SetLevel dynamically updates the log level
func (l *ProductionLogger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = strings.ToUpper(level)
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log("INFO", msg, fields)
}

func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log("WARN", msg, fields)
}

func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	l.log("ERROR", msg, fields)
}

func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	l.log("DEBUG", msg, fields)
}

func (l *ProductionLogger) log(level, msg string, fields map[string]interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.shouldLog(level) {
		return
	}

	timestamp := time.Now().Format(l.timeFormat)
	if l.format == "json" {
		l.logJSON(timestamp, level, msg, fields)
	} else {
		l.logText(timestamp, level, msg, fields)
	}
}

func (l *ProductionLogger) logJSON(timestamp, level, msg string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp": timestamp,
		"level":     level,
		"service":   l.serviceName,
		"component": l.component,
		"message":   msg,
	}
	for k, v := range fields {
		if _, reserved := entry[k]; reserved {
			continue
		}
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		entry[k] = v
	}

	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(l.output, `{"level":"ERROR","message":"log marshal failed","error":%q}`+"\n", err.Error())
		return
	}
	fmt.Fprintln(l.output, string(data))
}

func (l *ProductionLogger) logText(timestamp, level, msg string, fields map[string]interface{}) {
	var b strings.Builder

	// operation and error first, the rest sorted for stable output
	if op, ok := fields["operation"]; ok {
		fmt.Fprintf(&b, " operation=%v", op)
	}
	if err, ok := fields["error"]; ok {
		fmt.Fprintf(&b, " error=%q", fmt.Sprint(err))
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k != "operation" && k != "error" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}

	fmt.Fprintf(l.output, "%s [%s] [%s:%s] %s%s\n",
		timestamp, level, l.serviceName, l.component, msg, b.String())
}

func (l *ProductionLogger) shouldLog(level string) bool {
	current, ok1 := logLevels[l.level]
	message, ok2 := logLevels[level]
	if !ok1 || !ok2 {
		return true
	}
	return message >= current
}
