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

// Package sdktools locates the Android SDK's platform-tools, build-tools,
// and the JDK, and resolves the toolkit's own bundled resources (the
// default signing key pair, apksigner jar).
package sdktools

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/Masterminds/semver"
	"golang.org/x/sync/singleflight"

	"github.com/appium/adbkit/core/os/file"
	"github.com/appium/adbkit/errkind"
)

// Resolver memoizes SDK binary and platform lookups for one process.
// All fields are guarded by mu; a Resolver is safe for concurrent use.
type Resolver struct {
	mu sync.Mutex
	sf singleflight.Group

	sdkRoot        string
	sdkRootErr     error
	sdkRootResolved bool

	binaries map[string]file.Path

	platform     int
	platformPath string
	platformErr  error
	platformResolved bool

	javaHome     string
	javaHomeErr  error
	javaResolved bool

	// ResourceRoot is the root of the toolkit's bundled resource tree
	// (default signing keys, apksigner jar). Set by the embedder; when
	// empty, GetResourcePath resolves relative to the working directory.
	ResourceRoot string
}

// NewResolver creates a Resolver with empty caches.
func NewResolver() *Resolver {
	return &Resolver{binaries: map[string]file.Path{}}
}

// SdkRoot returns $ANDROID_HOME or $ANDROID_SDK_ROOT, in that order of
// preference. It is an error for both to be unset.
func (r *Resolver) SdkRoot() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sdkRootResolved {
		return r.sdkRoot, r.sdkRootErr
	}
	r.sdkRootResolved = true
	if home := os.Getenv("ANDROID_HOME"); home != "" {
		r.sdkRoot = home
		return r.sdkRoot, nil
	}
	if root := os.Getenv("ANDROID_SDK_ROOT"); root != "" {
		r.sdkRoot = root
		return r.sdkRoot, nil
	}
	r.sdkRootErr = &errkind.EnvMissing{Var: "ANDROID_HOME or ANDROID_SDK_ROOT"}
	return "", r.sdkRootErr
}

// exeName appends the platform executable suffix to name: .exe on Windows
// for ordinary binaries, .bat for the android wrapper script.
func exeName(name, goos string) string {
	if goos != "windows" {
		return name
	}
	if name == "android" {
		return name + ".bat"
	}
	return name + ".exe"
}

// GetBinaryFromSdkRoot searches platform-tools, tools, each build-tools/<ver>
// directory (newest first), then PATH, for the named binary. Results are
// memoized per binary name.
func (r *Resolver) GetBinaryFromSdkRoot(name string) (file.Path, error) {
	r.mu.Lock()
	if p, ok := r.binaries[name]; ok {
		r.mu.Unlock()
		return p, nil
	}
	r.mu.Unlock()

	v, err, _ := r.sf.Do("sdkBinary:"+name, func() (interface{}, error) {
		exe := exeName(name, runtime.GOOS)

		root, rerr := r.SdkRoot()
		if rerr == nil {
			candidates := []string{
				filepath.Join(root, "platform-tools", exe),
				filepath.Join(root, "tools", exe),
			}
			for _, dir := range r.sortedBuildToolsDirs(root) {
				candidates = append(candidates, filepath.Join(dir, exe))
			}
			for _, c := range candidates {
				if p, ferr := file.FindExecutable(c); ferr == nil {
					r.mu.Lock()
					r.binaries[name] = p
					r.mu.Unlock()
					return p, nil
				}
			}
		}

		if p, ferr := file.FindExecutable(exe); ferr == nil {
			r.mu.Lock()
			r.binaries[name] = p
			r.mu.Unlock()
			return p, nil
		}

		return file.Path{}, &errkind.ToolNotFound{Name: name}
	})
	if err != nil {
		return file.Path{}, err
	}
	return v.(file.Path), nil
}

// sortedBuildToolsDirs returns the build-tools/<version> directories under
// root, sorted by descending semantic version. Directories whose name does
// not parse as a semver fall back to modification time, sorted after all
// parseable versions. Concurrent callers for the same root share one
// directory scan and sort through singleflight; the result is not cached, so
// each later call scans the directory again.
func (r *Resolver) sortedBuildToolsDirs(root string) []string {
	v, _, _ := r.sf.Do("buildToolsDirs:"+root, func() (interface{}, error) {
		return sortedBuildToolsDirsUncached(root), nil
	})
	return v.([]string)
}

func sortedBuildToolsDirsUncached(root string) []string {
	base := filepath.Join(root, "build-tools")
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil
	}

	type candidate struct {
		path string
		ver  *semver.Version
		mod  int64
	}
	var versioned, unversioned []candidate
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p := filepath.Join(base, e.Name())
		if v, verr := semver.NewVersion(e.Name()); verr == nil {
			versioned = append(versioned, candidate{path: p, ver: v})
			continue
		}
		info, ierr := e.Info()
		var mt int64
		if ierr == nil {
			mt = info.ModTime().Unix()
		}
		unversioned = append(unversioned, candidate{path: p, mod: mt})
	}

	sort.Slice(versioned, func(i, j int) bool { return versioned[i].ver.GreaterThan(versioned[j].ver) })
	sort.Slice(unversioned, func(i, j int) bool { return unversioned[i].mod > unversioned[j].mod })

	dirs := make([]string, 0, len(versioned)+len(unversioned))
	for _, c := range versioned {
		dirs = append(dirs, c.path)
	}
	for _, c := range unversioned {
		dirs = append(dirs, c.path)
	}
	return dirs
}

// GetAndroidPlatformAndPath scans $ANDROID_HOME/platforms/*/build.prop for
// the highest ro.build.version.sdk, returning its level and directory.
func (r *Resolver) GetAndroidPlatformAndPath() (int, string, error) {
	r.mu.Lock()
	if r.platformResolved {
		defer r.mu.Unlock()
		return r.platform, r.platformPath, r.platformErr
	}
	r.mu.Unlock()

	root, err := r.SdkRoot()
	if err != nil {
		r.mu.Lock()
		r.platformResolved, r.platformErr = true, err
		r.mu.Unlock()
		return 0, "", err
	}

	matches, _ := filepath.Glob(filepath.Join(root, "platforms", "*", "build.prop"))
	best, bestPath := -1, ""
	for _, m := range matches {
		data, rerr := os.ReadFile(m)
		if rerr != nil {
			continue
		}
		for _, line := range strings.Split(string(data), "\n") {
			const key = "ro.build.version.sdk="
			if !strings.HasPrefix(line, key) {
				continue
			}
			if n, nerr := strconv.Atoi(strings.TrimSpace(line[len(key):])); nerr == nil && n > best {
				best = n
				bestPath = filepath.Dir(m)
			}
		}
	}
	if best < 0 {
		err = &errkind.ParseFailure{Input: filepath.Join(root, "platforms"), Expected: "a platform with ro.build.version.sdk"}
		r.mu.Lock()
		r.platformResolved, r.platformErr = true, err
		r.mu.Unlock()
		return 0, "", err
	}

	r.mu.Lock()
	r.platform, r.platformPath, r.platformResolved = best, bestPath, true
	r.mu.Unlock()
	return best, bestPath, nil
}

// GetJavaHome returns $JAVA_HOME, erroring if unset.
func (r *Resolver) GetJavaHome() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.javaResolved {
		return r.javaHome, r.javaHomeErr
	}
	r.javaResolved = true
	home := os.Getenv("JAVA_HOME")
	if home == "" {
		r.javaHomeErr = &errkind.EnvMissing{Var: "JAVA_HOME"}
		return "", r.javaHomeErr
	}
	r.javaHome = home
	return home, nil
}

// GetJavaForOs resolves $JAVA_HOME/bin/java, with the .exe suffix on Windows.
func (r *Resolver) GetJavaForOs() (file.Path, error) {
	home, err := r.GetJavaHome()
	if err != nil {
		return file.Path{}, err
	}
	exe := "java"
	if runtime.GOOS == "windows" {
		exe += ".exe"
	}
	p := file.Abs(filepath.Join(home, "bin", exe))
	if !p.Exists() {
		return file.Path{}, &errkind.ToolNotFound{Name: p.System()}
	}
	return p, nil
}

// GetResourcePath resolves rel inside the toolkit's own bundled resource
// tree (default signing keys, apksigner jar).
func (r *Resolver) GetResourcePath(rel string) file.Path {
	if r.ResourceRoot == "" {
		return file.Abs(rel)
	}
	return file.Abs(filepath.Join(r.ResourceRoot, rel))
}
