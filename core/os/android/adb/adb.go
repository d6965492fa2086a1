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

// Package adb drives one Android device over the adb command-line
// transport: it resolves the adb binary, executes commands against a
// selected device with retry on known-transient failures, and exposes
// the high-level command surface (app lifecycle, permissions, settings,
// input, screen) built on top of that transport.
package adb

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/appium/adbkit/core/log"
	"github.com/appium/adbkit/core/os/file"
	"github.com/appium/adbkit/core/os/shell"
	"github.com/appium/adbkit/errkind"
)

// DefaultExecTimeout is the default per-call timeout for adbExec.
const DefaultExecTimeout = 40 * time.Second

// DefaultInstallTimeout is the default timeout for install operations.
const DefaultInstallTimeout = 60 * time.Second

var linkerWarning = regexp.MustCompile(`(?m)^WARNING: linker.+$\n?`)

var (
	protocolFaultRE  = regexp.MustCompile(`protocol fault \(no status\)`)
	deviceNotFoundRE = regexp.MustCompile(`error: device not found`)
	authPendingRE    = regexp.MustCompile(`error: device still authorizing`)
)

// ADB caches the located adb executable path for the process. Exported so
// embedders may pin it explicitly (tests, non-standard SDK layouts).
var ADB file.Path

// locateADB resolves the adb binary from $ANDROID_HOME/platform-tools,
// $ANDROID_SDK_ROOT/platform-tools, or PATH, memoizing the result.
func locateADB() (file.Path, error) {
	if !ADB.IsEmpty() {
		return ADB, nil
	}

	exe := "adb"
	search := []string{exe}
	if home := os.Getenv("ANDROID_HOME"); home != "" {
		search = append(search, filepath.Join(home, "platform-tools", exe))
	}
	if root := os.Getenv("ANDROID_SDK_ROOT"); root != "" {
		search = append(search, filepath.Join(root, "platform-tools", exe))
	}

	for _, path := range search {
		if p, err := file.FindExecutable(path); err == nil {
			ADB = p
			return ADB, nil
		}
	}

	return file.Path{}, &errkind.ToolNotFound{Name: "adb"}
}

// OutputFormat selects the return shape of an Executor call.
type OutputFormat int

const (
	// Simple indicates only stdout is of interest to the caller.
	Simple OutputFormat = iota
	// Full indicates the caller wants the complete ExecResult.
	Full
)

// ExecResult is the structured result of a subprocess invocation.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ExecOptions configures a single adbExec, Shell, or Exec invocation.
type ExecOptions struct {
	Timeout      time.Duration
	OutputFormat OutputFormat
	IgnoreStderr bool
	Privileged   bool
}

// Executor runs adb and arbitrary external binaries against one device,
// handling argument prefixing, per-call timeouts, and retry on the
// transient failures documented for adbExec.
type Executor struct {
	// Serial is the target device's serial number. Empty defers to adb's
	// own default (the sole attached device, or an error if there is more
	// than one).
	Serial string
	// Host and Port select a non-default adb server; zero values are
	// omitted from the argument prefix.
	Host string
	Port int

	// APILevel is memoized by the owning Session once known; 0 means
	// "not yet queried" and disables the privileged-shell API gate.
	APILevel int

	// onRediscover is invoked when adbExec sees "device not found"; the
	// owning Session wires this to its own device-discovery retry.
	onRediscover func(ctx context.Context) error

	// Target overrides where subprocess commands run; nil defaults to
	// shell.LocalTarget. Tests substitute a stub.Target here.
	Target shell.Target
}

// NewExecutor creates an Executor with no bound device.
func NewExecutor() *Executor {
	return &Executor{}
}

func (e *Executor) adbPrefix() []string {
	var args []string
	if e.Host != "" {
		args = append(args, "-H", e.Host)
	}
	if e.Port != 0 {
		args = append(args, "-P", fmt.Sprint(e.Port))
	}
	if e.Serial != "" {
		args = append(args, "-s", e.Serial)
	}
	return args
}

// AdbExec runs `adb <prefix> <args...>`, retrying up to twice on the
// transient stderr patterns documented for the executor.
func (e *Executor) AdbExec(ctx context.Context, args []string, opts ExecOptions) (ExecResult, error) {
	adbPath, err := locateADB()
	if err != nil {
		return ExecResult{}, err
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultExecTimeout
	}

	fullArgs := append(append([]string{}, e.adbPrefix()...), args...)

	cmdLine := fmt.Sprintf("%s %s", adbPath.System(), strings.Join(fullArgs, " "))

	const maxRetries = 2
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		res, err := e.runOnce(ctx, adbPath.System(), fullArgs, opts)
		if err == nil {
			log.I(ctx, "%s: ok", cmdLine)
			res.Stdout = linkerWarning.ReplaceAllString(res.Stdout, "")
			return res, nil
		}
		lastErr = err

		var ef *errkind.ExecFailure
		stderr := ""
		if errors.As(err, &ef) {
			stderr = ef.Stderr
		}

		if attempt == maxRetries {
			if authPendingRE.MatchString(stderr) {
				log.E(ctx, "%s: device still authorizing after %d attempts", cmdLine, attempt+1)
				return ExecResult{}, errors.WithStack(errkind.AuthorizationPending)
			}
			log.E(ctx, "%s: failed after %d attempts: %v", cmdLine, attempt+1, err)
			break
		}

		switch {
		case protocolFaultRE.MatchString(stderr):
			log.W(ctx, "%s: protocol fault, restarting adb server and retrying", cmdLine)
			_ = e.restartServer(ctx)
		case deviceNotFoundRE.MatchString(stderr):
			log.W(ctx, "%s: device not found, rediscovering and retrying", cmdLine)
			if e.onRediscover != nil {
				_ = e.onRediscover(ctx)
			}
		case authPendingRE.MatchString(stderr):
			log.W(ctx, "%s: device still authorizing, retrying", cmdLine)
			time.Sleep(1 * time.Second)
		default:
			log.E(ctx, "%s: failed: %v", cmdLine, err)
			return ExecResult{}, err
		}
	}
	return ExecResult{}, lastErr
}

func (e *Executor) runOnce(ctx context.Context, name string, args []string, opts ExecOptions) (ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := shell.Command(name, args...).Capture(&stdout, &stderr).On(e.target())
	runErr := cmd.Run(ctx)

	res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if runErr == nil {
		return res, nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		return ExecResult{}, errors.WithStack(&errkind.Timeout{Op: name, Ms: int(opts.Timeout / time.Millisecond)})
	}
	exitCode, _ := errorExitCode(runErr)
	res.ExitCode = exitCode
	if opts.IgnoreStderr {
		return res, nil
	}
	return ExecResult{}, errors.WithStack(&errkind.ExecFailure{
		Cmd:      fmt.Sprintf("%s %s", name, strings.Join(args, " ")),
		ExitCode: exitCode,
		Stderr:   stderr.String(),
		Stdout:   stdout.String(),
	})
}

func (e *Executor) restartServer(ctx context.Context) error {
	adbPath, err := locateADB()
	if err != nil {
		return err
	}
	_ = shell.Command(adbPath.System(), "kill-server").On(e.target()).Run(ctx)
	return shell.Command(adbPath.System(), "start-server").On(e.target()).Run(ctx)
}

// target returns the Executor's configured Target, defaulting to
// shell.LocalTarget.
func (e *Executor) target() shell.Target {
	if e.Target != nil {
		return e.Target
	}
	return shell.LocalTarget
}

// Shell runs `adb shell <argv...>`. When opts.Privileged is set, it wraps
// the command in `su -c` (API >= 26) or `su 0 -c` (older API).
func (e *Executor) Shell(ctx context.Context, argv []string, opts ExecOptions) (ExecResult, error) {
	cmd := argv
	if opts.Privileged {
		joined := shellJoin(argv)
		if e.APILevel >= 26 {
			cmd = []string{"su", "-c", joined}
		} else {
			cmd = []string{"su", "0", "-c", joined}
		}
	}
	args := append([]string{"shell"}, cmd...)
	return e.AdbExec(ctx, args, opts)
}

func shellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		if strings.ContainsAny(a, " \t'\"") {
			quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
		} else {
			quoted[i] = a
		}
	}
	return strings.Join(quoted, " ")
}

// shellArgLimit is the approximate maximum length of one `adb shell`
// command line; halved on API levels below 21, whose shells have a
// tighter input buffer.
func (e *Executor) shellArgLimit() int {
	if e.APILevel > 0 && e.APILevel < 21 {
		return 512
	}
	return 1024
}

// ShellChunks splits items into batches whose joined command (as produced
// by argvFn) does not exceed the device's shell input limit, invoking
// Shell once per batch in order. The first batch failure aborts the rest.
func (e *Executor) ShellChunks(ctx context.Context, argvFn func([]string) []string, items []string, opts ExecOptions) error {
	limit := e.shellArgLimit()
	var batch []string
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		_, err := e.Shell(ctx, argvFn(batch), opts)
		batch = batch[:0]
		return err
	}

	for _, item := range items {
		candidate := append(append([]string{}, batch...), item)
		if len(shellJoin(argvFn(candidate))) > limit && len(batch) > 0 {
			if err := flush(); err != nil {
				return err
			}
			batch = []string{item}
			continue
		}
		batch = append(batch, item)
	}
	return flush()
}

// ShellStream runs `adb shell <argv...>`, streaming stdout and stderr to
// outW and errW until the process exits or ctx is cancelled. Either writer
// may be nil. Unlike Shell, it does not buffer output or apply the
// transient-failure retry loop: long-lived streams like logcat are expected
// to run until explicitly stopped, not retried.
func (e *Executor) ShellStream(ctx context.Context, argv []string, outW, errW io.Writer) error {
	adbPath, err := locateADB()
	if err != nil {
		return err
	}
	args := append(append([]string{}, e.adbPrefix()...), append([]string{"shell"}, argv...)...)
	cmd := shell.Command(adbPath.System(), args...).Capture(outW, errW).On(e.target())
	return cmd.Run(ctx)
}

// ExecSpec configures a direct subprocess invocation that bypasses adb.
type ExecSpec struct {
	Cwd string
	Env []string
}

// Exec runs name with argv as a direct subprocess.
func (e *Executor) Exec(ctx context.Context, name string, argv []string, spec ExecSpec, opts ExecOptions) (ExecResult, error) {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := shell.Command(name, argv...).Capture(&stdout, &stderr).On(e.target())
	if spec.Cwd != "" {
		cmd = cmd.In(spec.Cwd)
	}
	if spec.Env != nil {
		env := shell.NewEnv()
		for _, kv := range spec.Env {
			env.Add(kv)
		}
		cmd = cmd.Env(env)
	}

	err := cmd.Run(ctx)
	res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		return ExecResult{}, errors.WithStack(&errkind.Timeout{Op: name, Ms: int(opts.Timeout / time.Millisecond)})
	}
	exitCode, _ := errorExitCode(err)
	return ExecResult{}, errors.WithStack(&errkind.ExecFailure{
		Cmd:      fmt.Sprintf("%s %s", name, strings.Join(argv, " ")),
		ExitCode: exitCode,
		Stderr:   stderr.String(),
		Stdout:   stdout.String(),
	})
}
