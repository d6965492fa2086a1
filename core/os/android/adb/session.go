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

package adb

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/appium/adbkit/core/log"
	"github.com/appium/adbkit/errkind"
)

// DeviceState is the connection state adb reports for one serial.
type DeviceState string

// Device states recognized in `adb devices` output. Only Device is usable.
const (
	StateDevice       DeviceState = "device"
	StateOffline      DeviceState = "offline"
	StateUnauthorized DeviceState = "unauthorized"
	StateRecovery     DeviceState = "recovery"
	StateBootloader   DeviceState = "bootloader"
	StateSideload     DeviceState = "sideload"
	StateHost         DeviceState = "host"
	StateNoPermission DeviceState = "no permissions"
	StateUnknown      DeviceState = "unknown"
)

// DeviceEntry is one (serial, state) pair parsed from `adb devices`.
type DeviceEntry struct {
	Serial string
	State  DeviceState
}

// Usable reports whether the entry is ready to receive commands.
func (d DeviceEntry) Usable() bool { return d.State == StateDevice }

// SessionOptions configures createSession / NewSession.
type SessionOptions struct {
	AdbHost               string
	AdbPort               int
	AdbExecTimeout        time.Duration
	RemoteAppsCacheLimit  int
	UseKeystore           bool
	KeystorePath          string
	KeyAlias              string
	KeystorePassword      string
	KeyPassword           string
	SuppressKillServer    bool
	ClearDeviceLogsOnStart bool
}

// Session represents one logical attachment to one device: the selected
// serial, the default argument prefix derived from it, memoized tool and
// version lookups, and the keystore configuration used by the signing
// pipeline. A Session is safe for concurrent use by multiple callers,
// though the caller is responsible for not issuing concurrent install
// operations against the same package.
type Session struct {
	mu sync.Mutex
	sf singleflight.Group

	exec    *Executor
	options SessionOptions

	device DeviceEntry

	apiLevel      int
	bridgeVersion string
	binaryVersion string
}

// NewSession discovers adb and connected devices, selecting the sole
// connected device automatically when exactly one is present.
func NewSession(ctx context.Context, opts SessionOptions) (*Session, error) {
	if _, err := locateADB(); err != nil {
		return nil, err
	}

	s := &Session{
		exec:    &Executor{Host: opts.AdbHost, Port: opts.AdbPort},
		options: opts,
	}
	s.exec.onRediscover = func(ctx context.Context) error {
		_, err := s.GetDevicesWithRetry(ctx, 5*time.Second)
		return err
	}

	if !opts.SuppressKillServer {
		if err := s.RestartAdb(ctx); err != nil {
			log.W(ctx, "restartAdb during createSession: %v", err)
		}
	}

	devices, err := s.GetConnectedDevices(ctx)
	if err != nil {
		return nil, err
	}
	usable := filterUsable(devices)
	if len(usable) == 1 {
		s.SetDevice(usable[0])
	}
	return s, nil
}

func filterUsable(devices []DeviceEntry) []DeviceEntry {
	out := make([]DeviceEntry, 0, len(devices))
	for _, d := range devices {
		if d.Usable() {
			out = append(out, d)
		}
	}
	return out
}

// Executor returns the Session's bound Executor.
func (s *Session) Executor() *Executor { return s.exec }

// NewSessionWithExecutor wraps an already-configured Executor in a Session,
// skipping the server-restart-and-discover dance NewSession performs. It is
// meant for callers that have already selected a device (or, in tests,
// substituted a stub shell.Target) and don't want createSession's own
// side effects. apiLevel seeds the memoized API-level cache; pass 0 to have
// it queried from the device on first use, same as NewSession.
func NewSessionWithExecutor(exec *Executor, device DeviceEntry, apiLevel int, opts SessionOptions) *Session {
	s := &Session{exec: exec, options: opts, device: device, apiLevel: apiLevel}
	s.exec.Serial = device.Serial
	s.exec.APILevel = apiLevel
	s.exec.onRediscover = func(ctx context.Context) error {
		_, err := s.GetDevicesWithRetry(ctx, 5*time.Second)
		return err
	}
	return s
}

// Serial returns the currently selected device serial.
func (s *Session) Serial() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device.Serial
}

// SetDevice updates the selected device and rebuilds the executor's
// default argument prefix.
func (s *Session) SetDevice(d DeviceEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.device = d
	s.exec.Serial = d.Serial
}

// GetConnectedDevices returns every DeviceEntry parsed from `adb devices`.
func (s *Session) GetConnectedDevices(ctx context.Context) ([]DeviceEntry, error) {
	res, err := s.exec.AdbExec(ctx, []string{"devices"}, ExecOptions{})
	if err != nil {
		return nil, err
	}
	return parseDevices(res.Stdout)
}

// GetDevicesWithRetry polls every ~200ms until at least one usable device
// is present or timeout elapses.
func (s *Session) GetDevicesWithRetry(ctx context.Context, timeout time.Duration) ([]DeviceEntry, error) {
	deadline := time.Now().Add(timeout)
	for {
		devices, err := s.GetConnectedDevices(ctx)
		if err == nil && len(filterUsable(devices)) > 0 {
			return devices, nil
		}
		if time.Now().After(deadline) {
			if err != nil {
				return nil, err
			}
			return nil, errkind.NotConnected
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// IsDeviceConnected is a convenience over GetConnectedDevices.
func (s *Session) IsDeviceConnected(ctx context.Context) (bool, error) {
	devices, err := s.GetConnectedDevices(ctx)
	if err != nil {
		return false, err
	}
	return len(devices) > 0, nil
}

// WaitForDevice invokes `adb wait-for-device`, bounded by timeoutS seconds.
func (s *Session) WaitForDevice(ctx context.Context, timeoutS int) error {
	_, err := s.exec.AdbExec(ctx, []string{"wait-for-device"}, ExecOptions{Timeout: time.Duration(timeoutS) * time.Second})
	return err
}

// RestartAdb runs `adb kill-server` then `adb start-server`, unless the
// session was created with SuppressKillServer.
func (s *Session) RestartAdb(ctx context.Context) error {
	if s.options.SuppressKillServer {
		return nil
	}
	return s.exec.restartServer(ctx)
}

// GetAPILevel returns the memoized API level, querying `getprop
// ro.build.version.sdk` on first call. The preview-API workaround described
// for the toolkit's version detection is applied here: if the device
// reports SDK >= 28 and `ro.build.version.release` is the lowercase
// single-letter codename one past that SDK's release, the level is bumped
// by one.
func (s *Session) GetAPILevel(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.apiLevel != 0 {
		defer s.mu.Unlock()
		return s.apiLevel, nil
	}
	s.mu.Unlock()

	v, err, _ := s.sf.Do("apiLevel", func() (interface{}, error) {
		res, err := s.exec.Shell(ctx, []string{"getprop", "ro.build.version.sdk"}, ExecOptions{})
		if err != nil {
			return 0, err
		}
		level, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
		if err != nil {
			return 0, &errkind.ParseFailure{Input: res.Stdout, Expected: "integer SDK level"}
		}

		if level >= 28 {
			codename, cerr := s.exec.Shell(ctx, []string{"getprop", "ro.build.version.release"}, ExecOptions{})
			if cerr == nil {
				want := string(rune('q' + (level - 28)))
				if strings.EqualFold(strings.TrimSpace(codename.Stdout), want) {
					level++
				}
			}
		}

		s.mu.Lock()
		s.apiLevel = level
		s.exec.APILevel = level
		s.mu.Unlock()
		return level, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// GetVersion returns the adb bridge version (first line of `adb version`)
// and the connected binary's build revision (`Revision:` line of
// `adb --version`), memoizing both on the session.
func (s *Session) GetVersion(ctx context.Context) (bridge, revision string, err error) {
	s.mu.Lock()
	if s.bridgeVersion != "" {
		defer s.mu.Unlock()
		return s.bridgeVersion, s.binaryVersion, nil
	}
	s.mu.Unlock()

	type versions struct{ bridge, revision string }
	v, err, _ := s.sf.Do("sdkToolsVersion", func() (interface{}, error) {
		res, err := s.exec.AdbExec(ctx, []string{"version"}, ExecOptions{})
		if err != nil {
			return versions{}, err
		}
		lines := strings.SplitN(res.Stdout, "\n", 2)
		bridgeVer := strings.TrimSpace(lines[0])

		res2, err := s.exec.AdbExec(ctx, []string{"--version"}, ExecOptions{})
		rev := ""
		if err == nil {
			for _, line := range strings.Split(res2.Stdout, "\n") {
				if strings.HasPrefix(line, "Revision:") {
					rev = strings.TrimSpace(strings.TrimPrefix(line, "Revision:"))
					break
				}
			}
		}

		s.mu.Lock()
		s.bridgeVersion, s.binaryVersion = bridgeVer, rev
		s.mu.Unlock()
		return versions{bridgeVer, rev}, nil
	})
	if err != nil {
		return "", "", err
	}
	vv := v.(versions)
	return vv.bridge, vv.revision, nil
}

// parseDevices parses the output of `adb devices` into DeviceEntry values,
// tolerating the server-restart and daemon-banner noise lines adb
// interleaves with the device list.
func parseDevices(out string) ([]DeviceEntry, error) {
	parts := strings.SplitAfterN(out, "List of devices attached", 2)
	if len(parts) != 2 {
		return nil, &errkind.ParseFailure{Input: out, Expected: "adb devices output"}
	}

	var entries []DeviceEntry
	for _, line := range strings.Split(parts[1], "\n") {
		if strings.HasPrefix(line, "adb server version") && strings.HasSuffix(line, "killing...") {
			continue
		}
		if strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		switch len(fields) {
		case 0:
			continue
		case 2:
			serial, status := fields[0], fields[1]
			switch DeviceState(status) {
			case StateDevice, StateOffline, StateUnauthorized, StateRecovery,
				StateBootloader, StateSideload, StateHost, StateNoPermission, StateUnknown:
				entries = append(entries, DeviceEntry{Serial: serial, State: DeviceState(status)})
			default:
				return nil, &errkind.ParseFailure{Input: status, Expected: "a known device state"}
			}
		default:
			return nil, &errkind.ParseFailure{Input: line, Expected: "serial and state pair"}
		}
	}
	return entries, nil
}

func (s *Session) String() string {
	return fmt.Sprintf("adb session for %s", s.Serial())
}
