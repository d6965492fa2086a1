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
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/appium/adbkit/errkind"
)

// ActivityAction is one intent-filter action a package's manifest resolves.
type ActivityAction struct {
	Name     string
	Activity string
}

// ServiceAction is one intent-filter action resolved to a service.
type ServiceAction struct {
	Name    string
	Service string
}

// InstalledPackage describes one application installed on the device, as
// reconstructed from `dumpsys package`.
type InstalledPackage struct {
	Name            string
	VersionCode     int
	VersionName     string
	MinSDK          int
	TargetSdk       int
	Debuggable      bool
	PrimaryABI      string
	ActivityActions []ActivityAction
	ServiceActions  []ServiceAction
}

// InstalledPackages is a sortable list of InstalledPackage, ordered by name.
type InstalledPackages []*InstalledPackage

func (l InstalledPackages) Len() int           { return len(l) }
func (l InstalledPackages) Less(i, j int) bool { return l[i].Name < l[j].Name }
func (l InstalledPackages) Swap(i, j int)      { l[i], l[j] = l[j], l[i] }

// ListInstalledPackages returns the sorted list of installed packages on
// the device.
func (s *Session) ListInstalledPackages(ctx context.Context) (InstalledPackages, error) {
	res, err := s.exec.Shell(ctx, []string{"dumpsys", "package"}, ExecOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "listing installed packages")
	}
	return parsePackages(res.Stdout)
}

// GetInstalledPackage returns information about a single installed package.
func (s *Session) GetInstalledPackage(ctx context.Context, name string) (*InstalledPackage, error) {
	res, err := s.exec.Shell(ctx, []string{"dumpsys", "package", name}, ExecOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "getting installed package")
	}
	packages, err := parsePackages(res.Stdout)
	if err != nil {
		return nil, err
	}
	for _, p := range packages {
		if p.Name == name {
			return p, nil
		}
	}
	if len(packages) == 1 {
		return packages[0], nil
	}
	return nil, &errkind.ParseFailure{Input: name, Expected: "an installed package"}
}

// minSdk was added to dumpsys output more recently than versionCode and
// targetSdk, and may be absent.
var reVersionCodeMinSDKTargetSDK = regexp.MustCompile(`^(?:versionCode=([0-9]+))(?: minSdk=([0-9]+))? (?:targetSdk=([0-9]+))?.*$`)

func parsePackages(str string) (InstalledPackages, error) {
	tree := parseTabbedTree(str)
	packageMap := map[string]*InstalledPackage{}

	parseActions := func(group *treeNode, cb func(pkg *InstalledPackage, name, owner string)) error {
		actions := group.find("Non-Data Actions:")
		if actions == nil {
			return &errkind.ParseFailure{Input: "dumpsys package", Expected: "Non-Data Actions section"}
		}
		for _, action := range actions.children {
			for _, entry := range action.children {
				// 43178558 com.google.foo/.FooActivity filter 431d7db8
				fields := strings.Fields(entry.text)
				if len(fields) < 2 {
					return &errkind.ParseFailure{Input: entry.text, Expected: "resolver table entry"}
				}
				component := fields[1]
				parts := strings.SplitN(component, "/", 2)
				if len(parts) != 2 {
					continue
				}
				pkgName := parts[0]
				p, ok := packageMap[pkgName]
				if !ok {
					p = &InstalledPackage{Name: pkgName}
					packageMap[pkgName] = p
				}
				actionName := strings.TrimRight(action.text, ":")
				actionOwner := parts[1]
				if strings.HasPrefix(actionOwner, ".") {
					actionOwner = pkgName + actionOwner
				}
				cb(p, actionName, actionOwner)
			}
		}
		return nil
	}

	if activities := tree.find("Activity Resolver Table:"); activities != nil {
		if err := parseActions(activities, func(pkg *InstalledPackage, name, owner string) {
			pkg.ActivityActions = append(pkg.ActivityActions, ActivityAction{Name: name, Activity: owner})
		}); err != nil {
			return nil, err
		}
	}

	if services := tree.find("Service Resolver Table:"); services != nil {
		if err := parseActions(services, func(pkg *InstalledPackage, name, owner string) {
			pkg.ServiceActions = append(pkg.ServiceActions, ServiceAction{Name: name, Service: owner})
		}); err != nil {
			return nil, err
		}
	}

	if packSection := tree.find("Packages:"); packSection != nil {
		for _, pack := range packSection.children {
			// Package [com.google.foo] (ffffffc):
			fields := strings.Fields(pack.text)
			if len(fields) != 3 {
				continue
			}
			name := strings.Trim(fields[1], "[]")
			ip, ok := packageMap[name]
			if !ok {
				ip = &InstalledPackage{Name: name}
				packageMap[name] = ip
			}
			for _, attr := range pack.children {
				av := strings.TrimSpace(attr.text)
				splits := strings.SplitN(av, "=", 2)
				if len(splits) < 2 {
					continue
				}
				switch {
				case strings.HasPrefix(av, "flags="):
					ip.Debuggable = strings.Contains(av, " DEBUGGABLE ")
				case strings.HasPrefix(av, "versionCode="):
					if match := reVersionCodeMinSDKTargetSDK.FindStringSubmatch(av); len(match) == 4 {
						ip.VersionCode, _ = strconv.Atoi(match[1])
						ip.MinSDK, _ = strconv.Atoi(match[2])
						ip.TargetSdk, _ = strconv.Atoi(match[3])
					}
				case strings.HasPrefix(av, "versionName="):
					ip.VersionName = splits[1]
				case strings.HasPrefix(av, "primaryCpuAbi="):
					// primaryCpuAbi=null means the package manager selects the platform ABI.
					if splits[1] != "null" {
						ip.PrimaryABI = splits[1]
					}
				}
			}
		}
	}

	packages := make(InstalledPackages, 0, len(packageMap))
	for _, p := range packageMap {
		packages = append(packages, p)
	}
	sort.Sort(packages)
	return packages, nil
}
