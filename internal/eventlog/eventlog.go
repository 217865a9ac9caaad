// Copyright 2021-2023 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package eventlog

// This package implements the daemon visible event log, a bounded append
// only buffer of structured entries that survives restarts.  It is not a
// replacement for the process logger, every append is mirrored there, but
// the buffer is what clients and the status tooling inspect.

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/leaf-ai/go-service/pkg/log"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
	"go.uber.org/atomic"
)

// Severity grades a single entry.
type Severity int

const (
	Debug Severity = iota
	Notification
	Warning
	Error
)

var severityNames = map[Severity]string{
	Debug:        "Debug",
	Notification: "Notification",
	Warning:      "Warning",
	Error:        "Error",
}

func (s Severity) String() (name string) {
	if name, isPresent := severityNames[s]; isPresent {
		return name
	}
	return "Unknown"
}

// Entry is a single structured event.  MoleQueueID is zero when the event
// is not tied to a job.
type Entry struct {
	Timestamp   time.Time `json:"timestamp"`
	Severity    Severity  `json:"severity"`
	Message     string    `json:"message"`
	MoleQueueID uint64    `json:"moleQueueId,omitempty"`
}

// DefaultMaxEntries bounds the buffer when no limit is configured.
const DefaultMaxEntries = 1000

// Log is the bounded event buffer.  One instance exists per daemon and is
// passed through construction to every component that reports events.
type Log struct {
	maxEntries int
	entries    []Entry
	logger     *log.Logger

	newErrors     atomic.Int64
	silenced      atomic.Bool
	firstErrorFn  func()
	resetErrorsFn func()

	sync.Mutex
}

func New(maxEntries int, logger *log.Logger) (elog *Log) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Log{
		maxEntries: maxEntries,
		entries:    make([]Entry, 0, maxEntries),
		logger:     logger,
	}
}

// OnFirstNewError registers the callback run on the 0 to 1 transition of
// the new error counter.
func (elog *Log) OnFirstNewError(handler func()) {
	elog.Lock()
	elog.firstErrorFn = handler
	elog.Unlock()
}

// OnNewErrorCountReset registers the callback run when the counter is
// explicitly reset.
func (elog *Log) OnNewErrorCountReset(handler func()) {
	elog.Lock()
	elog.resetErrorsFn = handler
	elog.Unlock()
}

// SilenceNewErrors suppresses the first-new-error callback while leaving
// the counter running.
func (elog *Log) SilenceNewErrors(silence bool) {
	elog.silenced.Store(silence)
}

// NewErrorCount reports the number of Error entries appended since the
// last reset.
func (elog *Log) NewErrorCount() (count int64) {
	return elog.newErrors.Load()
}

// ResetNewErrorCount zeroes the counter and runs the reset callback.
func (elog *Log) ResetNewErrorCount() {
	elog.newErrors.Store(0)

	elog.Lock()
	handler := elog.resetErrorsFn
	elog.Unlock()

	if handler != nil {
		handler()
	}
}

// Append adds an entry for an event not associated with any job.
func (elog *Log) Append(severity Severity, message string) {
	elog.AppendJob(severity, message, 0)
}

// AppendJob adds an entry tied to the given MoleQueue id.
func (elog *Log) AppendJob(severity Severity, message string, moleQueueID uint64) {
	entry := Entry{
		Timestamp:   time.Now(),
		Severity:    severity,
		Message:     message,
		MoleQueueID: moleQueueID,
	}

	elog.Lock()
	elog.entries = append(elog.entries, entry)
	if overflow := len(elog.entries) - elog.maxEntries; overflow > 0 {
		elog.entries = append(elog.entries[:0:0], elog.entries[overflow:]...)
	}
	firstErrorFn := elog.firstErrorFn
	elog.Unlock()

	elog.mirror(severity, message, moleQueueID)

	if severity == Error {
		if elog.newErrors.Inc() == 1 && !elog.silenced.Load() && firstErrorFn != nil {
			firstErrorFn()
		}
	}
}

func (elog *Log) mirror(severity Severity, message string, moleQueueID uint64) {
	if elog.logger == nil {
		return
	}
	switch severity {
	case Debug:
		elog.logger.Debug(message, "moleQueueId", moleQueueID)
	case Notification:
		elog.logger.Info(message, "moleQueueId", moleQueueID)
	case Warning:
		elog.logger.Warn(message, "moleQueueId", moleQueueID)
	case Error:
		elog.logger.Error(message, "moleQueueId", moleQueueID)
	}
}

// Entries returns a copy of the buffer, oldest first.
func (elog *Log) Entries() (entries []Entry) {
	elog.Lock()
	defer elog.Unlock()
	return append([]Entry{}, elog.entries...)
}

// MaxEntries reports the configured buffer bound.
func (elog *Log) MaxEntries() (maxEntries int) {
	return elog.maxEntries
}

// persisted is the on-disk shape, a JSON object rather than a bare array
// so the bound travels with the entries.
type persisted struct {
	MaxEntries int     `json:"maxEntries"`
	Entries    []Entry `json:"entries"`
}

// Save writes the buffer to the supplied file, creating the parent
// directory when needed.  Invoked during clean shutdown.
func (elog *Log) Save(outputPath string) (err kv.Error) {
	elog.Lock()
	state := persisted{MaxEntries: elog.maxEntries, Entries: append([]Entry{}, elog.entries...)}
	elog.Unlock()

	data, errGo := json.MarshalIndent(state, "", "  ")
	if errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	if errGo = os.MkdirAll(filepath.Dir(outputPath), 0700); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("path", outputPath)
	}
	if errGo = ioutil.WriteFile(outputPath, data, 0600); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("path", outputPath)
	}
	return nil
}

// Load restores a buffer saved by an earlier daemon.  A missing file is
// not an error, the daemon may simply never have run here before.
func (elog *Log) Load(inputPath string) (err kv.Error) {
	data, errGo := ioutil.ReadFile(inputPath)
	if os.IsNotExist(errGo) {
		return nil
	}
	if errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("path", inputPath)
	}

	state := persisted{}
	if errGo = json.Unmarshal(data, &state); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("path", inputPath)
	}

	elog.Lock()
	defer elog.Unlock()

	elog.entries = state.Entries
	if overflow := len(elog.entries) - elog.maxEntries; overflow > 0 {
		elog.entries = append(elog.entries[:0:0], elog.entries[overflow:]...)
	}
	return nil
}
