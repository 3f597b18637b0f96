// Package trace provides transparent SQL tracing for modernc.org/sqlite.
//
// It registers a "sqlite-trace" driver that wraps the standard "sqlite" driver,
// intercepting every Exec and Query at the database/sql/driver level. Only the
// driver name changes:
//
//	import _ "github.com/hazyhaar/energia/trace"  // registers "sqlite-trace"
//
//	db, _ := dbopen.Open("data/energia.db", dbopen.WithTrace())
//
// Every statement is logged via slog with adaptive levels (Debug, Warn above
// the slow threshold, Error on failure). When a Recorder is installed with
// SetRecorder, each statement is also handed to it (Prometheus histograms in
// energia). Trace IDs are read from context via kit.GetTraceID.
package trace

import (
	"context"
	"database/sql"
	"sync"
	"time"

	sqlite "modernc.org/sqlite"
)

// Entry is a single SQL trace record.
type Entry struct {
	TraceID  string        // correlation with HTTP/MCP request
	Task     string        // scheduler task, if any
	Op       string        // "Exec" or "Query"
	Query    string        // SQL statement
	Duration time.Duration //
	Err      error         // nil on success
}

// Recorder receives every traced statement. Implementations must not block.
type Recorder interface {
	RecordQuery(ctx context.Context, e *Entry)
}

var (
	globalRecorder Recorder
	recorderMu     sync.RWMutex

	slowThreshold = 100 * time.Millisecond
)

// SetRecorder installs the global recorder. Pass nil for slog-only mode.
func SetRecorder(r Recorder) {
	recorderMu.Lock()
	globalRecorder = r
	recorderMu.Unlock()
}

func getRecorder() Recorder {
	recorderMu.RLock()
	defer recorderMu.RUnlock()
	return globalRecorder
}

// SetSlowThreshold changes the duration above which statements log at Warn.
func SetSlowThreshold(d time.Duration) {
	recorderMu.Lock()
	slowThreshold = d
	recorderMu.Unlock()
}

func getSlowThreshold() time.Duration {
	recorderMu.RLock()
	defer recorderMu.RUnlock()
	return slowThreshold
}

func init() {
	sql.Register("sqlite-trace", &TracingDriver{
		Driver: &sqlite.Driver{},
	})
}
