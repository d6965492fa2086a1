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

package settingsapp

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/appium/adbkit/core/os/android/adb"
	"github.com/appium/adbkit/core/os/file"
	"github.com/appium/adbkit/core/os/shell"
	"github.com/appium/adbkit/core/os/shell/stub"
)

func init() {
	adb.ADB = file.Abs("fake-adb")
}

// cmdStub builds a stub.Target for one exact command line. A leading
// "fake-adb" in command stands for the absolute path adb.ADB is pinned to.
func cmdStub(command, stdout string) shell.Target {
	if rest := strings.TrimPrefix(command, "fake-adb "); rest != command {
		command = adb.ADB.System() + " " + rest
	}
	return stub.Match(command, stub.Respond(stdout))
}

func newTestHelper(apiLevel int, target shell.Target) *Helper {
	exec := &adb.Executor{Serial: "d0", Target: target}
	session := adb.NewSessionWithExecutor(exec, adb.DeviceEntry{Serial: "d0", State: adb.StateDevice}, apiLevel, adb.SessionOptions{})
	return New(session)
}

func TestRequireRunningSettingsAppAlreadyRunning(t *testing.T) {
	psOutput := "USER PID PPID VSZ RSS WCHAN ADDR S NAME\n" +
		"u0_a1 1234 567 123456 7890 0 0 S io.appium.settings\n"
	target := cmdStub("fake-adb -s d0 shell ps -A", psOutput)
	h := newTestHelper(28, target)

	if err := h.RequireRunningSettingsApp(context.Background(), RequireRunningOptions{}); err != nil {
		t.Fatalf("RequireRunningSettingsApp() = %v, want nil", err)
	}
}

func TestGetClipboardBelowImeGate(t *testing.T) {
	want := "hello clipboard"
	encoded := base64.StdEncoding.EncodeToString([]byte(want))
	target := cmdStub(
		"fake-adb -s d0 shell am broadcast -n io.appium.settings/.receivers.ClipboardReceiver -a io.appium.settings.clipboard.get",
		`Broadcasting: Intent { act=io.appium.settings.clipboard.get }
Broadcast completed: result=1, data="`+encoded+`"`,
	)
	h := newTestHelper(21, target)

	got, err := h.GetClipboard(context.Background())
	if err != nil {
		t.Fatalf("GetClipboard() = %v", err)
	}
	if got != want {
		t.Fatalf("GetClipboard() = %q, want %q", got, want)
	}
}

func TestGetClipboardAboveImeGateUsesImeContext(t *testing.T) {
	want := "ime gated"
	encoded := base64.StdEncoding.EncodeToString([]byte(want))
	target := stub.OneOf(
		cmdStub("fake-adb -s d0 shell settings get secure default_input_method", "com.example/.DefaultIME"),
		cmdStub("fake-adb -s d0 shell ime enable "+AppiumIME, ""),
		cmdStub("fake-adb -s d0 shell ime set "+AppiumIME, ""),
		cmdStub(
			"fake-adb -s d0 shell am broadcast -n io.appium.settings/.receivers.ClipboardReceiver -a io.appium.settings.clipboard.get",
			`Broadcast completed: result=1, data="`+encoded+`"`,
		),
		cmdStub("fake-adb -s d0 shell ime enable com.example/.DefaultIME", ""),
		cmdStub("fake-adb -s d0 shell ime set com.example/.DefaultIME", ""),
	)
	h := newTestHelper(29, target)

	got, err := h.GetClipboard(context.Background())
	if err != nil {
		t.Fatalf("GetClipboard() = %v", err)
	}
	if got != want {
		t.Fatalf("GetClipboard() = %q, want %q", got, want)
	}
}

func TestScanMediaSuccess(t *testing.T) {
	target := cmdStub(
		"fake-adb -s d0 shell am broadcast -n io.appium.settings/.receivers.MediaScannerReceiver -a io.appium.settings.scan_media -e path /sdcard/a.jpg",
		"Broadcast completed: result=-1",
	)
	h := newTestHelper(28, target)

	if err := h.ScanMedia(context.Background(), "/sdcard/a.jpg"); err != nil {
		t.Fatalf("ScanMedia() = %v, want nil", err)
	}
}

func TestScanMediaFailure(t *testing.T) {
	target := cmdStub(
		"fake-adb -s d0 shell am broadcast -n io.appium.settings/.receivers.MediaScannerReceiver -a io.appium.settings.scan_media -e path /sdcard/a.jpg",
		"Broadcast completed: result=0",
	)
	h := newTestHelper(28, target)

	if err := h.ScanMedia(context.Background(), "/sdcard/a.jpg"); err == nil {
		t.Fatal("ScanMedia() = nil, want ParseFailure for result=0")
	}
}

func TestGetGeoLocation(t *testing.T) {
	target := cmdStub(
		"fake-adb -s d0 shell am broadcast -n io.appium.settings/.receivers.LocationInfoReceiver -a io.appium.settings.location",
		`Broadcast completed: result=1, data="12.5 -8.25 100"`,
	)
	h := newTestHelper(28, target)

	got, err := h.GetGeoLocation(context.Background())
	if err != nil {
		t.Fatalf("GetGeoLocation() = %v", err)
	}
	if got.Longitude != 12.5 || got.Latitude != -8.25 || got.Altitude == nil || *got.Altitude != 100 {
		t.Fatalf("GetGeoLocation() = %+v, want {12.5 -8.25 100}", got)
	}
}

func TestSetGeoLocationEmulatorRetriesWithComma(t *testing.T) {
	target := stub.OneOf(
		cmdStub("fake-adb -s d0 emu geo fix 1.5 2.5", ""),
		cmdStub("fake-adb -s d0 emu geo fix 1,5 2,5", ""),
	)
	h := newTestHelper(28, target)

	if err := h.SetGeoLocation(context.Background(), GeoLocation{Longitude: 1.5, Latitude: 2.5}, true); err != nil {
		t.Fatalf("SetGeoLocation() = %v, want nil", err)
	}
}

func TestSetGeoLocationDeviceUsesForegroundServiceAboveApi26(t *testing.T) {
	target := cmdStub(
		"fake-adb -s d0 shell am start-foreground-service -n io.appium.settings/.LocationService -e longitude 1.5 -e latitude 2.5",
		"",
	)
	h := newTestHelper(28, target)

	if err := h.SetGeoLocation(context.Background(), GeoLocation{Longitude: 1.5, Latitude: 2.5}, false); err != nil {
		t.Fatalf("SetGeoLocation() = %v, want nil", err)
	}
}

func TestTypeUnicodeEncodesAndRestoresIme(t *testing.T) {
	target := stub.OneOf(
		cmdStub("fake-adb -s d0 shell settings get secure default_input_method", "com.example/.DefaultIME"),
		cmdStub("fake-adb -s d0 shell ime enable "+UnicodeIME, ""),
		cmdStub("fake-adb -s d0 shell ime set "+UnicodeIME, ""),
		cmdStub(`fake-adb -s d0 shell input text "caf+AOk-"`, ""),
		cmdStub("fake-adb -s d0 shell ime enable com.example/.DefaultIME", ""),
		cmdStub("fake-adb -s d0 shell ime set com.example/.DefaultIME", ""),
	)
	h := newTestHelper(28, target)

	if err := h.TypeUnicode(context.Background(), "café"); err != nil {
		t.Fatalf("TypeUnicode() = %v, want nil", err)
	}
}

func TestEncodeUTF7DirectCharactersPassThrough(t *testing.T) {
	if got := encodeUTF7("hello, world"); got != "hello, world" {
		t.Fatalf("encodeUTF7() = %q, want unchanged ASCII", got)
	}
}

func TestEncodeUTF7EscapesPlus(t *testing.T) {
	if got := encodeUTF7("1+1"); got != "1+-1" {
		t.Fatalf("encodeUTF7(%q) = %q, want %q", "1+1", got, "1+-1")
	}
}
