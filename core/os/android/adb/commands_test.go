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
	"testing"

	"github.com/appium/adbkit/core/os/file"
	"github.com/appium/adbkit/core/os/shell/stub"
)

func init() {
	ADB = file.Abs("fake-adb")
}

func TestRootAlreadyRoot(t *testing.T) {
	s := newTestSession("d0", 28, cmdStub("fake-adb -s d0 root", "adbd is already running as root"))
	if err := s.Root(context.Background()); err != nil {
		t.Fatalf("Root() = %v, want nil", err)
	}
}

func TestRootProductionBuild(t *testing.T) {
	s := newTestSession("d0", 28, cmdStub("fake-adb -s d0 root", "adbd cannot run as root in production builds"))
	if err := s.Root(context.Background()); err == nil {
		t.Fatal("Root() = nil, want error for production build")
	}
}

func TestInstallDefaults(t *testing.T) {
	s := newTestSession("d0", 21, cmdStub("fake-adb -s d0 install -r apk.apk", ""))
	err := s.Install(context.Background(), "apk.apk", DefaultInstallOptions())
	if err != nil {
		t.Fatalf("Install() = %v, want nil", err)
	}
}

func TestInstallGrantPermissionsGatedByAPI(t *testing.T) {
	s := newTestSession("d0", 21, cmdStub("fake-adb -s d0 install -r apk.apk", ""))
	opts := DefaultInstallOptions()
	opts.GrantPermissions = true
	if err := s.Install(context.Background(), "apk.apk", opts); err != nil {
		t.Fatalf("Install() = %v, want nil (grant flag must be suppressed below API 23)", err)
	}
}

func TestInstallGrantPermissions(t *testing.T) {
	s := newTestSession("d0", 23, cmdStub("fake-adb -s d0 install -r -g apk.apk", ""))
	opts := DefaultInstallOptions()
	opts.GrantPermissions = true
	if err := s.Install(context.Background(), "apk.apk", opts); err != nil {
		t.Fatalf("Install() = %v, want nil", err)
	}
}

func TestSELinuxEnforcing(t *testing.T) {
	s := newTestSession("d0", 28, cmdStub("fake-adb -s d0 shell getenforce", "Enforcing"))
	got, err := s.SELinuxEnforcing(context.Background())
	if err != nil || !got {
		t.Fatalf("SELinuxEnforcing() = %v, %v, want true, nil", got, err)
	}
}

func TestSELinuxPermissive(t *testing.T) {
	s := newTestSession("d0", 28, cmdStub("fake-adb -s d0 shell getenforce", "Permissive"))
	got, err := s.SELinuxEnforcing(context.Background())
	if err != nil || got {
		t.Fatalf("SELinuxEnforcing() = %v, %v, want false, nil", got, err)
	}
}

func TestSetSELinuxEnforcing(t *testing.T) {
	s := newTestSession("d0", 28, cmdStub("fake-adb -s d0 shell setenforce 1", ""))
	if err := s.SetSELinuxEnforcing(context.Background(), true); err != nil {
		t.Fatalf("SetSELinuxEnforcing() = %v, want nil", err)
	}
}

func TestForceStop(t *testing.T) {
	s := newTestSession("d0", 28, cmdStub("fake-adb -s d0 shell am force-stop com.example", ""))
	if err := s.ForceStop(context.Background(), "com.example"); err != nil {
		t.Fatalf("ForceStop() = %v, want nil", err)
	}
}

func TestClear(t *testing.T) {
	s := newTestSession("d0", 28, cmdStub("fake-adb -s d0 shell pm clear com.example", ""))
	if err := s.Clear(context.Background(), "com.example"); err != nil {
		t.Fatalf("Clear() = %v, want nil", err)
	}
}

func TestIsAppInstalledTrue(t *testing.T) {
	s := newTestSession("d0", 28, cmdStub("fake-adb -s d0 shell pm list packages", "package:com.example\npackage:com.other\n"))
	got, err := s.IsAppInstalled(context.Background(), "com.example")
	if err != nil || !got {
		t.Fatalf("IsAppInstalled() = %v, %v, want true, nil", got, err)
	}
}

func TestIsAppInstalledFalse(t *testing.T) {
	s := newTestSession("d0", 28, cmdStub("fake-adb -s d0 shell pm list packages", "package:com.other\n"))
	got, err := s.IsAppInstalled(context.Background(), "com.example")
	if err != nil || got {
		t.Fatalf("IsAppInstalled() = %v, %v, want false, nil", got, err)
	}
}

func TestStartAppActivity(t *testing.T) {
	s := newTestSession("d0", 28, cmdStub(
		"fake-adb -s d0 shell am start -W -S -a android.intent.action.MAIN -n com.example/.MainActivity",
		"",
	))
	err := s.StartApp(context.Background(), StartAppOptions{
		Pkg:      "com.example",
		Activity: ".MainActivity",
		Action:   "android.intent.action.MAIN",
		StopApp:  true,
	})
	if err != nil {
		t.Fatalf("StartApp() = %v, want nil", err)
	}
}

func TestStartAppAlwaysPassesWaitFlag(t *testing.T) {
	s := newTestSession("d0", 28, cmdStub(
		"fake-adb -s d0 shell am start -W -n io.appium.android.apis/.ApiDemos",
		"",
	))
	err := s.StartApp(context.Background(), StartAppOptions{
		Pkg:          "io.appium.android.apis",
		Activity:     ".ApiDemos",
		WaitActivity: "",
		WaitDuration: 0,
	})
	if err != nil {
		t.Fatalf("StartApp() = %v, want nil", err)
	}
}

func TestActivateAppLegacy(t *testing.T) {
	s := newTestSession("d0", 19, cmdStub("fake-adb -s d0 shell am start com.example", ""))
	if err := s.ActivateApp(context.Background(), "com.example"); err != nil {
		t.Fatalf("ActivateApp() = %v, want nil", err)
	}
}

func TestActivateAppMonkey(t *testing.T) {
	s := newTestSession("d0", 24, cmdStub("fake-adb -s d0 shell monkey -p com.example -c android.intent.category.LAUNCHER 1", ""))
	if err := s.ActivateApp(context.Background(), "com.example"); err != nil {
		t.Fatalf("ActivateApp() = %v, want nil", err)
	}
}

func TestGetFocusedPackageAndActivity(t *testing.T) {
	dump := "  mCurrentFocus=Window{38d0b18 u0 com.example/com.example.MainActivity}\n"
	s := newTestSession("d0", 28, cmdStub("fake-adb -s d0 shell dumpsys window windows", dump))
	got, err := s.GetFocusedPackageAndActivity(context.Background())
	if err != nil {
		t.Fatalf("GetFocusedPackageAndActivity() error = %v", err)
	}
	if got.AppPackage != "com.example" || got.AppActivity != ".MainActivity" {
		t.Fatalf("GetFocusedPackageAndActivity() = %+v, want {com.example .MainActivity}", got)
	}
}

func TestGetPIDsByNameModernPs(t *testing.T) {
	psOutput := "USER PID PPID VSZ RSS WCHAN ADDR S NAME\n" +
		"u0_a1 1234 500 1 1 1 1 S com.example\n" +
		"u0_a2 1235 500 1 1 1 1 S com.other\n"
	s := newTestSession("d0", 28, cmdStub("fake-adb -s d0 shell ps -A", psOutput))
	pids, err := s.GetPIDsByName(context.Background(), "com.example")
	if err != nil {
		t.Fatalf("GetPIDsByName() error = %v", err)
	}
	if len(pids) != 1 || pids[0] != 1234 {
		t.Fatalf("GetPIDsByName() = %v, want [1234]", pids)
	}
}

func TestGrantPermissionGatedByAPI(t *testing.T) {
	s := newTestSession("d0", 21, stub.OneOf())
	got, err := s.GrantPermission(context.Background(), "com.example", "android.permission.CAMERA")
	if err != nil || got {
		t.Fatalf("GrantPermission() = %v, %v, want false, nil below API 23", got, err)
	}
}

func TestGrantPermission(t *testing.T) {
	s := newTestSession("d0", 23, cmdStub("fake-adb -s d0 shell pm grant com.example android.permission.CAMERA", ""))
	got, err := s.GrantPermission(context.Background(), "com.example", "android.permission.CAMERA")
	if err != nil || !got {
		t.Fatalf("GrantPermission() = %v, %v, want true, nil", got, err)
	}
}

func TestGetReqPermissions(t *testing.T) {
	dump := `Packages:
  Package [com.example] (abcd1234):
    requested permissions:
      android.permission.CAMERA
      android.permission.INTERNET
    install permissions:
      android.permission.INTERNET: granted=true
    runtime permissions:
      android.permission.CAMERA: granted=false
`
	s := newTestSession("d0", 28, cmdStub("fake-adb -s d0 shell dumpsys package com.example", dump))
	perms, err := s.GetReqPermissions(context.Background(), "com.example")
	if err != nil {
		t.Fatalf("GetReqPermissions() error = %v", err)
	}
	if len(perms) != 2 {
		t.Fatalf("GetReqPermissions() = %v, want 2 entries", perms)
	}
}

func TestGetGrantedAndDeniedPermissions(t *testing.T) {
	dump := `Packages:
  Package [com.example] (abcd1234):
    install permissions:
      android.permission.INTERNET: granted=true
    runtime permissions:
      android.permission.CAMERA: granted=false
`
	seq := stub.Sequence{
		cmdStub("fake-adb -s d0 shell dumpsys package com.example", dump),
		cmdStub("fake-adb -s d0 shell dumpsys package com.example", dump),
	}
	s := newTestSession("d0", 28, &seq)

	granted, err := s.GetGrantedPermissions(context.Background(), "com.example")
	if err != nil {
		t.Fatalf("GetGrantedPermissions() error = %v", err)
	}
	if len(granted) != 1 || granted[0].Name != "android.permission.INTERNET" {
		t.Fatalf("GetGrantedPermissions() = %v, want [android.permission.INTERNET]", granted)
	}

	denied, err := s.GetDeniedPermissions(context.Background(), "com.example")
	if err != nil {
		t.Fatalf("GetDeniedPermissions() error = %v", err)
	}
	if len(denied) != 1 || denied[0].Name != "android.permission.CAMERA" {
		t.Fatalf("GetDeniedPermissions() = %v, want [android.permission.CAMERA]", denied)
	}
}
