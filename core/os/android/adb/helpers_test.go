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
	"strings"

	"github.com/appium/adbkit/core/os/shell"
	"github.com/appium/adbkit/core/os/shell/stub"
)

// newTestSession returns a Session bound to the given serial whose Executor
// is wired to target instead of a real subprocess.
func newTestSession(serial string, apiLevel int, target shell.Target) *Session {
	return &Session{
		exec:     &Executor{Serial: serial, Target: target, APILevel: apiLevel},
		device:   DeviceEntry{Serial: serial, State: StateDevice},
		apiLevel: apiLevel,
	}
}

// cmdStub builds a stub.Target that responds to one exact command line with
// the given stdout. A leading "fake-adb" in command stands for the absolute
// path ADB is pinned to.
func cmdStub(command, stdout string) shell.Target {
	if rest := strings.TrimPrefix(command, "fake-adb "); rest != command {
		command = ADB.System() + " " + rest
	}
	return stub.Match(command, stub.Respond(stdout))
}
