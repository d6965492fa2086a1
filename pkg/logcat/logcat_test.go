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

package logcat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/appium/adbkit/core/os/android/adb"
	"github.com/appium/adbkit/core/os/file"
	"github.com/appium/adbkit/core/os/shell"
	"github.com/appium/adbkit/core/os/shell/stub"
	"github.com/appium/adbkit/errkind"
)

func init() {
	adb.ADB = file.Abs("fake-adb")
}

func newLogcatTestSession(target shell.Target) *adb.Session {
	exec := &adb.Executor{Serial: "d0", Target: target}
	return adb.NewSessionWithExecutor(exec, adb.DeviceEntry{Serial: "d0", State: adb.StateDevice}, 28, adb.SessionOptions{})
}

func TestParseHeader(t *testing.T) {
	line := "[ 03-29 15:16:29.514 24153:24153 V/AndroidRuntime ]\n"
	msg, ok := parseHeader(line)
	if !ok {
		t.Fatalf("parseHeader(%q) did not match", line)
	}
	if msg.ProcessID != 24153 || msg.ThreadID != 24153 {
		t.Fatalf("parseHeader() pid/tid = %d/%d, want 24153/24153", msg.ProcessID, msg.ThreadID)
	}
	if msg.Priority != Verbose {
		t.Fatalf("parseHeader().Priority = %v, want Verbose", msg.Priority)
	}
	if msg.Tag != "AndroidRuntime" {
		t.Fatalf("parseHeader().Tag = %q, want AndroidRuntime", msg.Tag)
	}
	wantTime := time.Date(time.Now().Year(), time.March, 29, 15, 16, 29, 514*1e6, time.Local)
	if !msg.Timestamp.Equal(wantTime) {
		t.Fatalf("parseHeader().Timestamp = %v, want %v", msg.Timestamp, wantTime)
	}
}

func TestParseHeaderNoMatch(t *testing.T) {
	if _, ok := parseHeader("CheckJNI is OFF\n"); ok {
		t.Fatal("parseHeader() matched a non-header line")
	}
}

func TestStreamerDoubleStartRejected(t *testing.T) {
	st := NewStreamer()
	st.mu.Lock()
	st.running = true
	st.mu.Unlock()

	err := st.Start(nil, nil, StartOptions{})
	if err == nil {
		t.Fatal("Start() on an already-running streamer = nil, want AlreadyRunning")
	}
}

func TestStreamerPublishFansOutAndBuffers(t *testing.T) {
	st := NewStreamer()
	st.maxBuffer = 2

	got := make(chan Message, 4)
	id := st.On(func(m Message) { got <- m })
	defer st.Off(id)

	m1 := Message{Tag: "a"}
	m2 := Message{Tag: "b"}
	m3 := Message{Tag: "c"}
	st.publish(m1)
	st.publish(m2)
	st.publish(m3)

	for i, want := range []Message{m1, m2, m3} {
		select {
		case got := <-got:
			if got.Tag != want.Tag {
				t.Fatalf("listener message %d tag = %q, want %q", i, got.Tag, want.Tag)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for listener message %d", i)
		}
	}

	logs := st.GetLogs()
	if len(logs) != 2 {
		t.Fatalf("GetLogs() returned %d entries, want 2 (bounded by maxBuffer)", len(logs))
	}
	if logs[0].Tag != "b" || logs[1].Tag != "c" {
		t.Fatalf("GetLogs() = %+v, want ring buffer holding the last 2 entries", logs)
	}
}

func TestStreamerStopIdempotentWhenIdle(t *testing.T) {
	st := NewStreamer()
	st.Stop()
	st.Stop()
}

func TestStreamerOffStopsDelivery(t *testing.T) {
	st := NewStreamer()
	got := make(chan Message, 1)
	id := st.On(func(m Message) { got <- m })
	st.Off(id)

	st.publish(Message{Tag: "after-off"})

	select {
	case m := <-got:
		t.Fatalf("listener invoked after Off(): %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStreamerStartStreamsAndParsesMessages(t *testing.T) {
	output := "[ 03-29 15:16:29.514 24153:24153 V/AndroidRuntime ]\n" +
		"hello world\n"
	target := stub.RespondTo(adb.ADB.System()+" -s d0 shell logcat -v long -T 0", output)
	s := newLogcatTestSession(target)

	st := NewStreamer()
	got := make(chan Message, 1)
	id := st.On(func(m Message) { got <- m })
	defer st.Off(id)

	if err := st.Start(context.Background(), s, StartOptions{}); err != nil {
		t.Fatalf("Start() = %v, want nil", err)
	}
	defer st.Stop()

	select {
	case m := <-got:
		if m.Tag != "AndroidRuntime" || m.Text != "hello world" {
			t.Fatalf("Start() streamed message = %+v, want Tag AndroidRuntime, Text %q", m, "hello world")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a streamed message")
	}
}

func TestStreamerStartReportsUnexpectedExit(t *testing.T) {
	output := "[ 03-29 15:16:29.514 24153:24153 V/AndroidRuntime ]\n" +
		"hello world\n"
	target := stub.RespondTo(adb.ADB.System()+" -s d0 shell logcat -v long -T 0", output)
	s := newLogcatTestSession(target)

	st := NewStreamer()
	gotErr := make(chan error, 1)
	id := st.OnError(func(err error) { gotErr <- err })
	defer st.OffError(id)

	if err := st.Start(context.Background(), s, StartOptions{}); err != nil {
		t.Fatalf("Start() = %v, want nil", err)
	}

	select {
	case err := <-gotErr:
		var sc *errkind.StreamClosed
		if !errors.As(err, &sc) {
			t.Fatalf("error listener received %v, want *errkind.StreamClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the unexpected-exit sentinel error")
	}
}

func TestStreamerStartFailsOnExecvpFailure(t *testing.T) {
	target := &stub.Response{Stderr: "/system/bin/sh: exec logcat failed: execvp() failed\n"}
	s := newLogcatTestSession(stub.Match(adb.ADB.System()+" -s d0 shell logcat -v long -T 0", target))

	st := NewStreamer()
	err := st.Start(context.Background(), s, StartOptions{})
	if err == nil {
		t.Fatal("Start() = nil, want a StartFailed error for an execvp() failure")
	}
}
