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

package sdktools

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/appium/adbkit/errkind"
)

func writeExecutable(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}
}

func TestSdkRootPrefersAndroidHome(t *testing.T) {
	t.Setenv("ANDROID_HOME", "/sdk/home")
	t.Setenv("ANDROID_SDK_ROOT", "/sdk/root")

	r := NewResolver()
	root, err := r.SdkRoot()
	if err != nil {
		t.Fatalf("SdkRoot() = %v", err)
	}
	if root != "/sdk/home" {
		t.Fatalf("SdkRoot() = %q, want ANDROID_HOME to take precedence", root)
	}
}

func TestSdkRootFallsBackToSdkRoot(t *testing.T) {
	t.Setenv("ANDROID_HOME", "")
	t.Setenv("ANDROID_SDK_ROOT", "/sdk/root")

	r := NewResolver()
	root, err := r.SdkRoot()
	if err != nil {
		t.Fatalf("SdkRoot() = %v", err)
	}
	if root != "/sdk/root" {
		t.Fatalf("SdkRoot() = %q, want /sdk/root", root)
	}
}

func TestSdkRootErrorsWhenBothUnset(t *testing.T) {
	t.Setenv("ANDROID_HOME", "")
	t.Setenv("ANDROID_SDK_ROOT", "")

	r := NewResolver()
	if _, err := r.SdkRoot(); err == nil {
		t.Fatal("SdkRoot() = nil error, want EnvMissing")
	} else if !errors.As(err, new(*errkind.EnvMissing)) {
		t.Fatalf("SdkRoot() error = %v, want *errkind.EnvMissing", err)
	}
}

func TestGetBinaryFromSdkRootFindsPlatformTools(t *testing.T) {
	sdk := t.TempDir()
	adbPath := filepath.Join(sdk, "platform-tools", "adb")
	writeExecutable(t, adbPath)
	t.Setenv("ANDROID_HOME", sdk)
	t.Setenv("ANDROID_SDK_ROOT", "")

	r := NewResolver()
	p, err := r.GetBinaryFromSdkRoot("adb")
	if err != nil {
		t.Fatalf("GetBinaryFromSdkRoot() = %v", err)
	}
	if p.System() != adbPath {
		t.Fatalf("GetBinaryFromSdkRoot() = %q, want %q", p.System(), adbPath)
	}

	// Memoized: removing the file must not change the cached answer.
	if err := os.Remove(adbPath); err != nil {
		t.Fatal(err)
	}
	p2, err := r.GetBinaryFromSdkRoot("adb")
	if err != nil || p2.System() != adbPath {
		t.Fatalf("GetBinaryFromSdkRoot() after removal = (%q, %v), want cached %q", p2.System(), err, adbPath)
	}
}

func TestGetBinaryFromSdkRootPrefersNewestBuildTools(t *testing.T) {
	sdk := t.TempDir()
	oldTool := filepath.Join(sdk, "build-tools", "28.0.3", "aapt")
	newTool := filepath.Join(sdk, "build-tools", "30.0.2", "aapt")
	writeExecutable(t, oldTool)
	writeExecutable(t, newTool)
	t.Setenv("ANDROID_HOME", sdk)
	t.Setenv("ANDROID_SDK_ROOT", "")

	r := NewResolver()
	p, err := r.GetBinaryFromSdkRoot("aapt")
	if err != nil {
		t.Fatalf("GetBinaryFromSdkRoot() = %v", err)
	}
	if p.System() != newTool {
		t.Fatalf("GetBinaryFromSdkRoot() = %q, want the newest build-tools version %q", p.System(), newTool)
	}
}

func TestGetBinaryFromSdkRootNotFound(t *testing.T) {
	t.Setenv("ANDROID_HOME", t.TempDir())
	t.Setenv("ANDROID_SDK_ROOT", "")
	t.Setenv("PATH", "")

	r := NewResolver()
	if _, err := r.GetBinaryFromSdkRoot("definitely-not-a-real-tool"); err == nil {
		t.Fatal("GetBinaryFromSdkRoot() = nil error, want ToolNotFound")
	} else if !errors.As(err, new(*errkind.ToolNotFound)) {
		t.Fatalf("GetBinaryFromSdkRoot() error = %v, want *errkind.ToolNotFound", err)
	}
}

func TestGetAndroidPlatformAndPathPicksHighestSdk(t *testing.T) {
	sdk := t.TempDir()
	low := filepath.Join(sdk, "platforms", "android-21", "build.prop")
	high := filepath.Join(sdk, "platforms", "android-29", "build.prop")
	if err := os.MkdirAll(filepath.Dir(low), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(high), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(low, []byte("ro.build.version.sdk=21\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(high, []byte("ro.build.version.sdk=29\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ANDROID_HOME", sdk)
	t.Setenv("ANDROID_SDK_ROOT", "")

	r := NewResolver()
	level, path, err := r.GetAndroidPlatformAndPath()
	if err != nil {
		t.Fatalf("GetAndroidPlatformAndPath() = %v", err)
	}
	if level != 29 {
		t.Fatalf("GetAndroidPlatformAndPath() level = %d, want 29", level)
	}
	if path != filepath.Dir(high) {
		t.Fatalf("GetAndroidPlatformAndPath() path = %q, want %q", path, filepath.Dir(high))
	}
}

func TestGetJavaHomeMissing(t *testing.T) {
	t.Setenv("JAVA_HOME", "")

	r := NewResolver()
	if _, err := r.GetJavaHome(); err == nil {
		t.Fatal("GetJavaHome() = nil error, want EnvMissing")
	} else if !errors.As(err, new(*errkind.EnvMissing)) {
		t.Fatalf("GetJavaHome() error = %v, want *errkind.EnvMissing", err)
	}
}

func TestGetJavaForOsResolvesBinary(t *testing.T) {
	home := t.TempDir()
	javaPath := filepath.Join(home, "bin", "java")
	writeExecutable(t, javaPath)
	t.Setenv("JAVA_HOME", home)

	r := NewResolver()
	p, err := r.GetJavaForOs()
	if err != nil {
		t.Fatalf("GetJavaForOs() = %v", err)
	}
	if p.System() != javaPath {
		t.Fatalf("GetJavaForOs() = %q, want %q", p.System(), javaPath)
	}
}

func TestGetResourcePathRelativeToResourceRoot(t *testing.T) {
	r := NewResolver()
	r.ResourceRoot = "/opt/adbkit/resources"

	got := r.GetResourcePath("keys/testkey.pk8")
	want := filepath.Join("/opt/adbkit/resources", "keys/testkey.pk8")
	if got.System() != want {
		t.Fatalf("GetResourcePath() = %q, want %q", got.System(), want)
	}
}
