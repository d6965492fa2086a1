// Copyright (C) 2017 Google Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logcat streams and parses device log output. It is kept separate
// from package adb so that adb.Session does not need to import it directly;
// callers wire a *Streamer to a Session themselves.
package logcat

import (
	"bufio"
	"context"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/appium/adbkit/core/app/crash"
	"github.com/appium/adbkit/core/log"
	"github.com/appium/adbkit/core/os/android/adb"
	"github.com/appium/adbkit/errkind"
)

// Priority is a logcat message's severity code.
type Priority byte

// Priorities recognized in `logcat -v long` output.
const (
	Verbose Priority = 'V'
	Debug   Priority = 'D'
	Info    Priority = 'I'
	Warning Priority = 'W'
	Error   Priority = 'E'
	Fatal   Priority = 'F'
)

func (p Priority) String() string { return string(rune(p)) }

// Message is one parsed logcat entry.
type Message struct {
	Timestamp time.Time
	ProcessID int
	ThreadID  int
	Priority  Priority
	Tag       string
	Text      string
}

// "[ MM-DD HH:MM:SS.FFF  PID: TID P/TAG ]"
var headerRegex = regexp.MustCompile(`\[\s*([0-9]*)-([0-9]*)\s*([0-9]*):([0-9]*):([0-9]*).([0-9]*)\s*([0-9]*):\s*([0-9]*)\s*([VDIWEF])\/([^\s]*)\s*\]`)

func parseHeader(line string) (Message, bool) {
	parts := headerRegex.FindStringSubmatch(line)
	if parts == nil {
		return Message{}, false
	}
	month, _ := strconv.Atoi(parts[1])
	day, _ := strconv.Atoi(parts[2])
	hour, _ := strconv.Atoi(parts[3])
	minute, _ := strconv.Atoi(parts[4])
	second, _ := strconv.Atoi(parts[5])
	microseconds, _ := strconv.Atoi(parts[6])
	pid, _ := strconv.Atoi(parts[7])
	tid, _ := strconv.Atoi(parts[8])

	return Message{
		Timestamp: time.Date(time.Now().Year(), time.Month(month), day, hour, minute, second, microseconds*1e6, time.Local),
		ProcessID: pid,
		ThreadID:  tid,
		Priority:  Priority(parts[9][0]),
		Tag:       parts[10],
	}, true
}

// StartOptions configures a Streamer's attachment to the device's logcat
// buffer.
type StartOptions struct {
	// Format is the `-v` argument passed to logcat. Defaults to "long": the
	// bracketed multi-line header format parseHeader understands. Other
	// values are accepted and streamed, but only "long" output is parsed
	// into Message values.
	Format string
	// FilterSpecs are tag:priority filter expressions appended to the
	// logcat invocation, e.g. "ActivityManager:I", "*:S".
	FilterSpecs []string
	// MaxBufferSize bounds the in-memory ring buffer. Defaults to 1000.
	MaxBufferSize int
	// ClearDeviceLogsOnStart issues `logcat -c` before attaching.
	ClearDeviceLogsOnStart bool
}

// Listener receives each Message as it is parsed, in source order.
type Listener func(Message)

// ErrorListener receives the sentinel error delivered when the stream ends
// unexpectedly (the child process exited on its own rather than in response
// to Stop).
type ErrorListener func(error)

// Streamer attaches to one Session's `adb logcat` output, maintains a
// bounded ring buffer of recently parsed Message values, and fans each one
// out to registered listeners. A Streamer may be started, stopped, and
// started again; it is not safe to call Start concurrently with itself.
type Streamer struct {
	mu           sync.Mutex
	running      bool
	attached     bool // set once Start has successfully handed off streaming
	cancel       context.CancelFunc
	buffer       []Message
	maxBuffer    int
	listeners    map[int]chan Message
	errListeners map[int]chan error
	nextID       int
}

// NewStreamer returns an idle Streamer.
func NewStreamer() *Streamer {
	return &Streamer{listeners: map[int]chan Message{}, errListeners: map[int]chan error{}}
}

// On registers a listener invoked for each Message parsed after this call.
// The returned id is passed to Off to remove it. A listener's execution runs
// on its own goroutine and never delays ingestion or other listeners, but
// all calls to one listener are strictly ordered.
func (st *Streamer) On(l Listener) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	id := st.nextID
	st.nextID++
	ch := make(chan Message, 256)
	st.listeners[id] = ch
	crash.Go(func() {
		for m := range ch {
			l(m)
		}
	})
	return id
}

// Off removes a listener previously registered with On. It is a no-op if id
// is unknown.
func (st *Streamer) Off(id int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if ch, ok := st.listeners[id]; ok {
		delete(st.listeners, id)
		close(ch)
	}
}

// OnError registers a listener invoked once with the sentinel error
// delivered when the stream ends unexpectedly. The returned id is passed to
// OffError to remove it before it fires.
func (st *Streamer) OnError(l ErrorListener) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	id := st.nextID
	st.nextID++
	ch := make(chan error, 1)
	st.errListeners[id] = ch
	crash.Go(func() {
		for err := range ch {
			l(err)
		}
	})
	return id
}

// OffError removes a listener previously registered with OnError. It is a
// no-op if id is unknown.
func (st *Streamer) OffError(id int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if ch, ok := st.errListeners[id]; ok {
		delete(st.errListeners, id)
		close(ch)
	}
}

// GetLogs returns a snapshot copy of the ring buffer.
func (st *Streamer) GetLogs() []Message {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]Message, len(st.buffer))
	copy(out, st.buffer)
	return out
}

// Clear issues `logcat -c` against s independently of any running stream.
// Failures are logged and swallowed.
func (st *Streamer) Clear(ctx context.Context, s *adb.Session) {
	if _, err := s.Executor().Shell(ctx, []string{"logcat", "-c"}, adb.ExecOptions{}); err != nil {
		log.W(ctx, "logcat clear failed: %v", err)
	}
}

func (st *Streamer) publish(m Message) {
	st.mu.Lock()
	st.buffer = append(st.buffer, m)
	if max := st.maxBuffer; max > 0 && len(st.buffer) > max {
		st.buffer = append([]Message(nil), st.buffer[len(st.buffer)-max:]...)
	}
	chans := make([]chan Message, 0, len(st.listeners))
	for _, ch := range st.listeners {
		chans = append(chans, ch)
	}
	st.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- m:
		default:
			// Listener fell behind; drop rather than stall ingestion.
		}
	}
}

func (st *Streamer) closeListeners() {
	st.mu.Lock()
	defer st.mu.Unlock()
	for id, ch := range st.listeners {
		delete(st.listeners, id)
		close(ch)
	}
}

// publishError delivers err to every registered error listener, dropping it
// for a listener that has already fallen behind rather than stalling.
func (st *Streamer) publishError(err error) {
	st.mu.Lock()
	chans := make([]chan error, 0, len(st.errListeners))
	for _, ch := range st.errListeners {
		chans = append(chans, ch)
	}
	st.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- err:
		default:
		}
	}
}

func (st *Streamer) closeErrorListeners() {
	st.mu.Lock()
	defer st.mu.Unlock()
	for id, ch := range st.errListeners {
		delete(st.errListeners, id)
		close(ch)
	}
}

// Start attaches to s's `adb logcat` output and begins parsing it into the
// ring buffer and registered listeners. It returns once startup succeeds or
// fails: a first stdout line arriving, or stderr emitting a line that is not
// an `execvp()` failure, is taken as success; stderr containing `execvp()`
// (the adb binary could not exec logcat) is a StartFailed error. Streaming
// continues on background goroutines after Start returns; call Stop to tear
// it down. Start fails with AlreadyRunning if the Streamer is already
// attached.
func (st *Streamer) Start(ctx context.Context, s *adb.Session, opts StartOptions) error {
	st.mu.Lock()
	if st.running {
		st.mu.Unlock()
		return &errkind.AlreadyRunning{Subsystem: "logcat"}
	}
	st.running = true
	runCtx, cancel := context.WithCancel(ctx)
	st.cancel = cancel
	maxBuffer := opts.MaxBufferSize
	if maxBuffer <= 0 {
		maxBuffer = 1000
	}
	st.maxBuffer = maxBuffer
	st.buffer = nil
	st.mu.Unlock()

	stop := func(err error) error {
		st.mu.Lock()
		st.running = false
		st.cancel = nil
		st.mu.Unlock()
		return err
	}

	if opts.ClearDeviceLogsOnStart {
		st.Clear(ctx, s)
	}

	format := opts.Format
	if format == "" {
		format = "long"
	}
	argv := append([]string{"-v", format}, opts.FilterSpecs...)
	argv = append(argv, "-T", "0")
	argv = append([]string{"logcat"}, argv...)

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	started := make(chan error, 1)
	var signalOnce sync.Once
	signal := func(err error) {
		signalOnce.Do(func() {
			if err == nil {
				st.mu.Lock()
				st.attached = true
				st.mu.Unlock()
			}
			started <- err
		})
	}

	crash.Go(func() {
		sc := bufio.NewScanner(stderrR)
		for sc.Scan() {
			line := sc.Text()
			if strings.Contains(line, "execvp()") {
				signal(&errkind.StartFailed{Subsystem: "logcat", Reason: line})
				continue
			}
			signal(nil)
		}
	})

	crash.Go(func() {
		buf := bufio.NewReader(stdoutR)
		var msg *Message
		var lines []string

		flush := func() {
			if msg == nil || len(lines) == 0 {
				return
			}
			if lines[len(lines)-1] == "" {
				lines = lines[:len(lines)-1]
			}
			msg.Text = strings.Join(lines, "\n")
			st.publish(*msg)
			lines = lines[:0]
		}

		defer func() {
			flush()
			st.mu.Lock()
			unexpected := st.attached && runCtx.Err() == nil
			st.running = false
			st.attached = false
			st.cancel = nil
			st.mu.Unlock()
			if unexpected {
				st.publishError(errors.WithStack(&errkind.StreamClosed{Subsystem: "logcat"}))
			}
			st.closeListeners()
			st.closeErrorListeners()
		}()

		for {
			line, err := buf.ReadString('\n')
			if line != "" {
				signal(nil)
			}
			switch err {
			case io.EOF:
				return
			case nil:
				if m, ok := parseHeader(line); ok {
					flush()
					msg = &m
				} else if msg != nil {
					lines = append(lines, strings.TrimSuffix(line, "\n"))
				}
			default:
				return
			}
		}
	})

	runErrCh := make(chan error, 1)
	crash.Go(func() {
		err := s.Executor().ShellStream(runCtx, argv, stdoutW, stderrW)
		stdoutW.Close()
		stderrW.Close()
		runErrCh <- err
	})

	select {
	case err := <-started:
		if err != nil {
			cancel()
			return stop(err)
		}
		return nil
	case err := <-runErrCh:
		cancel()
		return stop(err)
	}
}

// Stop requests termination of the attached child process and returns
// without waiting for it to exit; the ring buffer remains readable via
// GetLogs afterward. It is idempotent and safe to call on an idle Streamer.
func (st *Streamer) Stop() {
	st.mu.Lock()
	cancel := st.cancel
	st.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
