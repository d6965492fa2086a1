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

// Package errkind defines the discriminated error kinds surfaced by the
// toolkit's command execution, signing, and device-session layers.
// Every kind carries the context needed to act on it programmatically;
// callers should use errors.As to recover a kind from a wrapped error.
package errkind

import (
	"fmt"

	"github.com/appium/adbkit/core/fault"
)

// ToolNotFound is returned when an SDK binary or JAR could not be located.
type ToolNotFound struct {
	Name string
}

func (e *ToolNotFound) Error() string {
	return fmt.Sprintf("tool not found: %s", e.Name)
}

// EnvMissing is returned when a required environment variable is unset.
type EnvMissing struct {
	Var string
}

func (e *EnvMissing) Error() string {
	return fmt.Sprintf("environment variable not set: %s", e.Var)
}

// NotConnected is returned when no usable device remains after retry.
const NotConnected = fault.Const("no usable device connected")

// AuthorizationPending is returned when adb reports the device is still
// authorizing the host's RSA key after all retries are exhausted.
const AuthorizationPending = fault.Const("device is still authorizing")

// Timeout is returned when a timed subprocess exceeded its deadline.
type Timeout struct {
	Op string
	Ms int
}

func (e *Timeout) Error() string {
	return fmt.Sprintf("%s timed out after %dms", e.Op, e.Ms)
}

// ExecFailure is returned when a subprocess returned a non-zero exit code.
type ExecFailure struct {
	Cmd      string
	ExitCode int
	Stderr   string
	Stdout   string
}

func (e *ExecFailure) Error() string {
	return fmt.Sprintf("%s: exit status %d: %s", e.Cmd, e.ExitCode, e.Stderr)
}

// ParseFailure is returned when structured tool output did not match the
// expected shape.
type ParseFailure struct {
	Input    string
	Expected string
}

func (e *ParseFailure) Error() string {
	return fmt.Sprintf("could not parse %q as %s", truncate(e.Input, 200), e.Expected)
}

// SignatureMismatch is returned when an APK is signed but not with the
// expected certificate. It is a result, not a protocol error: callers that
// only need a yes/no should inspect the bool return of checkApkCert instead
// of matching on this type.
type SignatureMismatch struct {
	Path string
}

func (e *SignatureMismatch) Error() string {
	return fmt.Sprintf("%s is not signed with the expected certificate", e.Path)
}

// NotSigned is returned when an APK carries no recognizable signature.
type NotSigned struct {
	Path string
}

func (e *NotSigned) Error() string {
	return fmt.Sprintf("%s is not signed", e.Path)
}

// StartFailed is returned when a long-lived subsystem (logcat, the settings
// helper app) failed to reach a running state.
type StartFailed struct {
	Subsystem string
	Reason    string
}

func (e *StartFailed) Error() string {
	return fmt.Sprintf("%s failed to start: %s", e.Subsystem, e.Reason)
}

// InvalidArgument is returned when a caller-supplied precondition failed
// before any subprocess was spawned.
type InvalidArgument struct {
	Name   string
	Reason string
}

func (e *InvalidArgument) Error() string {
	return fmt.Sprintf("invalid argument %s: %s", e.Name, e.Reason)
}

// AlreadyRunning is returned by the logcat streamer when start is called
// while a child process is already attached.
type AlreadyRunning struct {
	Subsystem string
}

func (e *AlreadyRunning) Error() string {
	return fmt.Sprintf("%s is already running", e.Subsystem)
}

// StreamClosed is delivered to a running stream's error listeners when its
// child process exits on its own, as opposed to in response to Stop.
type StreamClosed struct {
	Subsystem string
}

func (e *StreamClosed) Error() string {
	return fmt.Sprintf("%s output closed unexpectedly", e.Subsystem)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
