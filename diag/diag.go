// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package diag implements the diagnostic sink that every call site in
// the write path reports errors into, per the (kind, file, line,
// iosystem, filehandle) propagation policy. Reporting into the sink
// never replaces returning the error to the caller; it exists so that
// a host application can observe every failure, not just the first
// one that aborts a call.
package diag

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/grailbio/pio/errors"
	"github.com/grailbio/pio/log"
)

// Event is a single diagnostic event, corresponding to one call
// site's error.
type Event struct {
	Kind     errors.Kind
	File     string
	Line     int
	IOSystem string
	Handle   string
	Err      error
}

func (r Event) String() string {
	return fmt.Sprintf("%s:%d [%s/%s] %s: %v", r.File, r.Line, r.IOSystem, r.Handle, r.Kind, r.Err)
}

// A Sink receives diagnostic reports. Implementations must be safe
// for concurrent use.
type Sink interface {
	Report(r Event)
}

var (
	mu   sync.Mutex
	sink Sink = logSink{}
)

// SetSink installs sink as the process-wide diagnostic sink and
// returns the previous one. SetSink should not be called concurrently
// with reporting, and is thus suitable to be called only upon program
// initialization.
func SetSink(s Sink) Sink {
	mu.Lock()
	defer mu.Unlock()
	old := sink
	sink = s
	return old
}

// Report constructs an Event at the caller's source location and
// delivers it to the installed sink. iosystem and handle identify
// which IOSystem and file handle the error occurred on; either may be
// empty if not applicable.
func Report(err error, iosystem, handle string) {
	_, file, line, _ := runtime.Caller(1)
	mu.Lock()
	s := sink
	mu.Unlock()
	s.Report(Event{
		Kind:     errors.Recover(err).Kind,
		File:     file,
		Line:     line,
		IOSystem: iosystem,
		Handle:   handle,
		Err:      err,
	})
}

type logSink struct{}

func (logSink) Report(r Event) {
	if log.At(log.Error) {
		log.Error.Print(r.String())
	}
}

// Memory is an in-memory Sink used by tests to assert on reported
// diagnostics without parsing log output.
type Memory struct {
	mu      sync.Mutex
	reports []Event
}

// Report implements Sink.
func (m *Memory) Report(r Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, r)
}

// Reports returns a copy of all reports received so far.
func (m *Memory) Reports() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.reports))
	copy(out, m.reports)
	return out
}

// Reset clears all recorded reports.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = nil
}
