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
	"bufio"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/appium/adbkit/core/os/shell"
	"github.com/appium/adbkit/errkind"
)

// ---- 4.3.1 Application lifecycle ----------------------------------------

// InstallOptions configures Install.
type InstallOptions struct {
	Timeout           time.Duration
	AllowTestPackages bool
	UseSdcard         bool
	GrantPermissions  bool
	Replace           bool
	NoIncremental     bool
}

// DefaultInstallOptions returns the spec defaults (replace=true, 60s).
func DefaultInstallOptions() InstallOptions {
	return InstallOptions{Timeout: DefaultInstallTimeout, Replace: true}
}

func (s *Session) buildInstallArgs(ctx context.Context, opts InstallOptions) []string {
	var args []string
	if opts.Replace {
		args = append(args, "-r")
	}
	if opts.AllowTestPackages {
		args = append(args, "-t")
	}
	if opts.UseSdcard {
		args = append(args, "-s")
	}
	if opts.GrantPermissions {
		if level, err := s.GetAPILevel(ctx); err == nil && level >= 23 {
			args = append(args, "-g")
		}
	}
	if opts.NoIncremental {
		args = append(args, "--no-incremental")
	}
	return args
}

// Install copies the APK at apkPath to the device and installs it.
func (s *Session) Install(ctx context.Context, apkPath string, opts InstallOptions) error {
	if strings.HasSuffix(apkPath, ".apks") {
		return s.installApks(ctx, apkPath, opts)
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultInstallTimeout
	}
	args := append(s.buildInstallArgs(ctx, opts), apkPath)
	_, err := s.exec.AdbExec(ctx, append([]string{"install"}, args...), ExecOptions{Timeout: opts.Timeout})
	return err
}

// installApks delegates .apks bundle installation to bundletool, run as
// `java -jar bundletool.jar`; the jar name is resolved relative to the
// current working directory, not through a tool resolver.
func (s *Session) installApks(ctx context.Context, apksPath string, opts InstallOptions) error {
	argv := []string{"-jar", "bundletool.jar", "install-apks", "--apks=" + apksPath}
	if s.device.Serial != "" {
		argv = append(argv, "--device-id="+s.device.Serial)
	}
	_, err := s.exec.Exec(ctx, "java", argv, ExecSpec{}, ExecOptions{Timeout: opts.Timeout})
	return err
}

// InstallFromDevicePath installs an already-pushed APK given its on-device
// path, via `pm install`.
func (s *Session) InstallFromDevicePath(ctx context.Context, devicePath string, opts InstallOptions) error {
	args := append(s.buildInstallArgs(ctx, opts), devicePath)
	_, err := s.exec.Shell(ctx, append([]string{"pm", "install"}, args...), ExecOptions{Timeout: opts.Timeout})
	return err
}

// UninstallOptions configures UninstallApk.
type UninstallOptions struct {
	KeepData bool
}

// UninstallApk returns true on successful uninstall, false when the package
// was not installed.
func (s *Session) UninstallApk(ctx context.Context, pkg string, opts UninstallOptions) (bool, error) {
	args := []string{"uninstall"}
	if opts.KeepData {
		args = append(args, "-k")
	}
	args = append(args, pkg)
	res, err := s.exec.AdbExec(ctx, args, ExecOptions{IgnoreStderr: true})
	if err != nil {
		return false, err
	}
	return strings.Contains(res.Stdout, "Success"), nil
}

// IsAppInstalled reports whether pkg appears in `pm list packages`.
func (s *Session) IsAppInstalled(ctx context.Context, pkg string) (bool, error) {
	res, err := s.exec.Shell(ctx, []string{"pm", "list", "packages"}, ExecOptions{})
	if err != nil {
		return false, err
	}
	needle := "package:" + pkg
	for _, line := range strings.Split(res.Stdout, "\n") {
		if strings.TrimSpace(line) == needle {
			return true, nil
		}
	}
	return false, nil
}

// ActivateApp brings pkg to the foreground: `monkey` on API >= 23, falling
// back to `am start <pkg>` on older APIs. The fallback passes the bare
// package name; the package's launcher activity is not looked up.
func (s *Session) ActivateApp(ctx context.Context, pkg string) error {
	level, err := s.GetAPILevel(ctx)
	if err != nil {
		return err
	}
	if level >= 23 {
		_, err := s.exec.Shell(ctx, []string{"monkey", "-p", pkg, "-c", "android.intent.category.LAUNCHER", "1"}, ExecOptions{})
		return err
	}
	_, err = s.exec.Shell(ctx, []string{"am", "start", pkg}, ExecOptions{})
	return err
}

// StartAppOptions configures StartApp.
type StartAppOptions struct {
	Pkg                     string
	Activity                string
	Action                  string
	Category                string
	Flags                   string
	User                    string
	StopApp                 bool
	WaitActivity            string
	WaitPkg                 string
	WaitDuration            time.Duration
	OptionalIntentArguments string
}

// StartApp builds and runs `am start -W ...`, following a wildcard
// waitActivity with WaitForActivity when requested. -W is always present:
// it makes `am start` block until the launch completes and report the
// launch result, which StartApp's own error handling relies on.
func (s *Session) StartApp(ctx context.Context, opts StartAppOptions) error {
	if opts.Activity == "" && opts.Action == "" {
		return &errkind.InvalidArgument{Name: "activity/action", Reason: "at least one of activity or action is required"}
	}

	args := []string{"start", "-W"}
	level, err := s.GetAPILevel(ctx)
	if err != nil {
		return err
	}
	if opts.StopApp && level >= 15 {
		args = append(args, "-S")
	}
	if opts.User != "" {
		args = append(args, "--user", opts.User)
	}
	if opts.Action != "" {
		args = append(args, "-a", opts.Action)
	}
	if opts.Category != "" {
		args = append(args, "-c", opts.Category)
	}
	if opts.Flags != "" {
		args = append(args, "-f", opts.Flags)
	}
	if opts.Activity != "" {
		args = append(args, "-n", opts.Pkg+"/"+opts.Activity)
	}
	if opts.OptionalIntentArguments != "" {
		args = append(args, parseOptionalIntentArguments(opts.OptionalIntentArguments)...)
	}

	if _, err := s.exec.Shell(ctx, append([]string{"am"}, args...), ExecOptions{}); err != nil {
		return err
	}

	if opts.WaitActivity != "" {
		waitPkg := opts.WaitPkg
		if waitPkg == "" {
			waitPkg = opts.Pkg
		}
		return s.WaitForActivity(ctx, waitPkg, opts.WaitActivity, opts.WaitDuration)
	}
	return nil
}

// parseOptionalIntentArguments tokenizes a caller-supplied string of
// alternating -flag and key [value] segments into an `am start` argv tail.
// A -flag may stand alone; a trailing key [value] belongs to the most
// recently seen flag.
func parseOptionalIntentArguments(s string) []string {
	fields := splitShellWords(s)
	var out []string
	out = append(out, fields...)
	return out
}

func splitShellWords(s string) []string {
	var words []string
	var cur strings.Builder
	inQuote := byte(0)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inQuote != 0:
			if c == inQuote {
				inQuote = 0
			} else {
				cur.WriteByte(c)
			}
		case c == '\'' || c == '"':
			inQuote = c
		case c == ' ':
			if cur.Len() > 0 {
				words = append(words, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteByte(c)
		}
	}
	if cur.Len() > 0 {
		words = append(words, cur.String())
	}
	return words
}

// StartUri opens uri via `am start -a android.intent.action.VIEW -d uri`,
// optionally scoped to pkg.
func (s *Session) StartUri(ctx context.Context, uri string, pkg string) error {
	args := []string{"start", "-a", "android.intent.action.VIEW", "-d", uri}
	if pkg != "" {
		args = append(args, pkg)
	}
	_, err := s.exec.Shell(ctx, append([]string{"am"}, args...), ExecOptions{})
	return err
}

// ForceStop stops everything associated with pkg.
func (s *Session) ForceStop(ctx context.Context, pkg string) error {
	_, err := s.exec.Shell(ctx, []string{"am", "force-stop", pkg}, ExecOptions{})
	return err
}

// KillPackage is an alias for ForceStop, matching the naming used by the
// process-management sub-surface.
func (s *Session) KillPackage(ctx context.Context, pkg string) error {
	return s.ForceStop(ctx, pkg)
}

// Clear runs `pm clear` on pkg, wiping its data and cache.
func (s *Session) Clear(ctx context.Context, pkg string) error {
	_, err := s.exec.Shell(ctx, []string{"pm", "clear", pkg}, ExecOptions{})
	return err
}

// StopAndClear force-stops then clears pkg.
func (s *Session) StopAndClear(ctx context.Context, pkg string) error {
	if err := s.ForceStop(ctx, pkg); err != nil {
		return err
	}
	return s.Clear(ctx, pkg)
}

var (
	mFocusedAppRE      = regexp.MustCompile(`mFocusedApp=.*\{.*\s([a-zA-Z0-9._]+)/([a-zA-Z0-9._]+)[\s\}]`)
	mCurrentFocusRE    = regexp.MustCompile(`mCurrentFocus=.*\{.*\s([a-zA-Z0-9._]+)/([a-zA-Z0-9._]+)[\s\}]`)
	mResumedActivityRE = regexp.MustCompile(`mResumedActivity:.*\s([a-zA-Z0-9._]+)/([a-zA-Z0-9._]+)[\s\}]`)
)

// FocusedApp is the result of GetFocusedPackageAndActivity.
type FocusedApp struct {
	AppPackage  string
	AppActivity string
}

// GetFocusedPackageAndActivity parses the currently focused component out
// of `dumpsys window windows` (API <= 30) or `dumpsys activity activities`
// (API > 30), normalizing the activity name relative to the package when
// they share a prefix.
func (s *Session) GetFocusedPackageAndActivity(ctx context.Context) (FocusedApp, error) {
	level, err := s.GetAPILevel(ctx)
	if err != nil {
		return FocusedApp{}, err
	}

	var match []string
	if level <= 30 {
		res, err := s.exec.Shell(ctx, []string{"dumpsys", "window", "windows"}, ExecOptions{})
		if err != nil {
			return FocusedApp{}, err
		}
		if m := mFocusedAppRE.FindStringSubmatch(res.Stdout); m != nil {
			match = m
		} else if m := mCurrentFocusRE.FindStringSubmatch(res.Stdout); m != nil {
			match = m
		}
	} else {
		res, err := s.exec.Shell(ctx, []string{"dumpsys", "activity", "activities"}, ExecOptions{})
		if err != nil {
			return FocusedApp{}, err
		}
		match = mResumedActivityRE.FindStringSubmatch(res.Stdout)
	}
	if match == nil {
		return FocusedApp{}, &errkind.ParseFailure{Input: "dumpsys window/activity output", Expected: "a focused component"}
	}

	pkg, activity := match[1], match[2]
	if strings.HasPrefix(activity, pkg) {
		activity = "." + strings.TrimPrefix(strings.TrimPrefix(activity, pkg), ".")
	}
	return FocusedApp{AppPackage: pkg, AppActivity: activity}, nil
}

func activityPatternMatches(pattern, appPackage, appActivity string) bool {
	full := appPackage + "/" + appActivity
	for _, alt := range strings.Split(pattern, ",") {
		alt = strings.TrimSpace(alt)
		if alt == "" {
			continue
		}
		re := globToRegexp(alt)
		if re.MatchString(full) || re.MatchString(appActivity) {
			return true
		}
	}
	return false
}

func globToRegexp(glob string) *regexp.Regexp {
	escaped := regexp.QuoteMeta(glob)
	escaped = strings.ReplaceAll(escaped, `\*`, `.*`)
	return regexp.MustCompile("^" + escaped + "$")
}

// WaitForActivityOrNot polls GetFocusedPackageAndActivity every 300ms until
// activityPattern matches (waitForStop=false) or stops matching
// (waitForStop=true), or timeout elapses.
func (s *Session) WaitForActivityOrNot(ctx context.Context, pkg, activityPattern string, waitForStop bool, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		focused, err := s.GetFocusedPackageAndActivity(ctx)
		matched := err == nil && focused.AppPackage == pkg && activityPatternMatches(activityPattern, focused.AppPackage, focused.AppActivity)
		if matched != waitForStop {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.WithStack(&errkind.Timeout{Op: "waitForActivity", Ms: int(timeout / time.Millisecond)})
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(300 * time.Millisecond):
		}
	}
}

// WaitForActivity waits until activityPattern matches the focused activity.
func (s *Session) WaitForActivity(ctx context.Context, pkg, activityPattern string, timeout time.Duration) error {
	return s.WaitForActivityOrNot(ctx, pkg, activityPattern, false, timeout)
}

// WaitForNotActivity waits until activityPattern no longer matches.
func (s *Session) WaitForNotActivity(ctx context.Context, pkg, activityPattern string, timeout time.Duration) error {
	return s.WaitForActivityOrNot(ctx, pkg, activityPattern, true, timeout)
}

// ---- 4.3.2 Process management --------------------------------------------

// ProcessExists reports whether any pid in `ps` output is associated with
// pkg. The parser is API-gated: toybox `ps` (API >= 24) is column-based;
// older `ps` output is scanned with a trailing-field regex.
func (s *Session) ProcessExists(ctx context.Context, pkg string) (bool, error) {
	pids, err := s.GetPIDsByName(ctx, pkg)
	if err != nil {
		return false, err
	}
	return len(pids) > 0, nil
}

var legacyPsRE = regexp.MustCompile(`(?m)^\S+\s+(\d+).*\s(\S+)$`)

// GetPIDsByName returns every pid whose `ps` row matches pkg exactly.
func (s *Session) GetPIDsByName(ctx context.Context, pkg string) ([]int, error) {
	level, err := s.GetAPILevel(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.exec.Shell(ctx, []string{"ps", "-A"}, ExecOptions{})
	if err != nil {
		return nil, err
	}

	var pids []int
	if level >= 24 {
		lines := strings.Split(res.Stdout, "\n")
		for i, line := range lines {
			if i == 0 {
				continue // header
			}
			fields := strings.Fields(line)
			if len(fields) < 9 {
				continue
			}
			if fields[len(fields)-1] != pkg {
				continue
			}
			if pid, err := strconv.Atoi(fields[1]); err == nil {
				pids = append(pids, pid)
			}
		}
	} else {
		for _, m := range legacyPsRE.FindAllStringSubmatch(res.Stdout, -1) {
			if m[2] != pkg {
				continue
			}
			if pid, err := strconv.Atoi(m[1]); err == nil {
				pids = append(pids, pid)
			}
		}
	}
	return pids, nil
}

// KillProcessesByName issues `am force-stop`, then falls back to `kill` on
// any pids still present.
func (s *Session) KillProcessesByName(ctx context.Context, pkg string) error {
	if err := s.ForceStop(ctx, pkg); err != nil {
		return err
	}
	pids, err := s.GetPIDsByName(ctx, pkg)
	if err != nil || len(pids) == 0 {
		return err
	}
	args := []string{"kill"}
	for _, pid := range pids {
		args = append(args, strconv.Itoa(pid))
	}
	_, err = s.exec.Shell(ctx, args, ExecOptions{})
	return err
}

// KillProcessByPID sends SIGTERM to pid.
func (s *Session) KillProcessByPID(ctx context.Context, pid int) error {
	_, err := s.exec.Shell(ctx, []string{"kill", strconv.Itoa(pid)}, ExecOptions{})
	return err
}

// ---- Misc file / env helpers ---------------------------------------------

// TempFile creates a temporary file on the device, returning its path and a
// cleanup function.
func (s *Session) TempFile(ctx context.Context) (string, func(ctx context.Context), error) {
	res, err := s.exec.Shell(ctx, []string{"mktemp"}, ExecOptions{})
	if err != nil {
		return "", nil, err
	}
	path := strings.TrimSpace(res.Stdout)
	return path, func(ctx context.Context) {
		_, _ = s.exec.Shell(ctx, []string{"rm", "-f", path}, ExecOptions{})
	}, nil
}

// FileContents returns the contents of a file on the device.
func (s *Session) FileContents(ctx context.Context, path string) (string, error) {
	res, err := s.exec.Shell(ctx, []string{"cat", path}, ExecOptions{})
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// RemoveFile removes a file from the device.
func (s *Session) RemoveFile(ctx context.Context, path string) error {
	_, err := s.exec.Shell(ctx, []string{"rm", "-f", path}, ExecOptions{})
	return err
}

// GetEnv returns the device shell's default environment.
func (s *Session) GetEnv(ctx context.Context) (*shell.Env, error) {
	res, err := s.exec.Shell(ctx, []string{"env"}, ExecOptions{})
	if err != nil {
		return nil, err
	}
	env := shell.NewEnv()
	scanner := bufio.NewScanner(strings.NewReader(res.Stdout))
	for scanner.Scan() {
		env.Add(scanner.Text())
	}
	return env, nil
}

// ---- 4.3.4 Settings, airplane/wifi/data, locale ---------------------------

// GetSetting reads a system setting via `settings get`.
func (s *Session) GetSetting(ctx context.Context, ns, key string) (string, error) {
	res, err := s.exec.Shell(ctx, []string{"settings", "get", ns, key}, ExecOptions{})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// SetSetting writes a system setting via `settings put`.
func (s *Session) SetSetting(ctx context.Context, ns, key, value string) error {
	_, err := s.exec.Shell(ctx, []string{"settings", "put", ns, key, value}, ExecOptions{})
	return err
}

// DeleteSetting removes a system setting via `settings delete`.
func (s *Session) DeleteSetting(ctx context.Context, ns, key string) error {
	_, err := s.exec.Shell(ctx, []string{"settings", "delete", ns, key}, ExecOptions{})
	return err
}

// SetAirplaneMode toggles airplane mode. On API >= 30, uses `cmd
// connectivity airplane-mode`; on older APIs it sets the global setting and
// broadcasts the legacy intent, which requires root on API >= 24.
func (s *Session) SetAirplaneMode(ctx context.Context, enabled bool) error {
	level, err := s.GetAPILevel(ctx)
	if err != nil {
		return err
	}
	state := "0"
	if enabled {
		state = "1"
	}
	if level >= 30 {
		_, err := s.exec.Shell(ctx, []string{"cmd", "connectivity", "airplane-mode", state}, ExecOptions{})
		return err
	}
	if err := s.SetSetting(ctx, "global", "airplane_mode_on", state); err != nil {
		return err
	}
	_, err = s.exec.Shell(ctx, []string{
		"am", "broadcast", "-a", "android.intent.action.AIRPLANE_MODE", "--ez", "state", state,
	}, ExecOptions{Privileged: level >= 24})
	return err
}

// GetDeviceLocale reads persist.sys.locale (API >= 23) or composes
// persist.sys.language + persist.sys.country on older devices.
func (s *Session) GetDeviceLocale(ctx context.Context) (string, error) {
	level, err := s.GetAPILevel(ctx)
	if err != nil {
		return "", err
	}
	if level >= 23 {
		res, err := s.exec.Shell(ctx, []string{"getprop", "persist.sys.locale"}, ExecOptions{})
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(res.Stdout), nil
	}
	lang, err := s.exec.Shell(ctx, []string{"getprop", "persist.sys.language"}, ExecOptions{})
	if err != nil {
		return "", err
	}
	country, err := s.exec.Shell(ctx, []string{"getprop", "persist.sys.country"}, ExecOptions{})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(lang.Stdout) + "-" + strings.TrimSpace(country.Stdout), nil
}

// EnsureCurrentLocale polls GetDeviceLocale up to 5 times (1s apart) for a
// case-insensitive match against lang[-country[-script]].
func (s *Session) EnsureCurrentLocale(ctx context.Context, lang, country, script string) (bool, error) {
	want := lang
	if country != "" {
		want += "-" + country
	}
	if script != "" {
		want += "-" + script
	}
	wantRE := regexp.MustCompile("(?i)^" + regexp.QuoteMeta(want) + "$")

	for attempt := 0; attempt < 5; attempt++ {
		locale, err := s.GetDeviceLocale(ctx)
		if err == nil && wantRE.MatchString(strings.ReplaceAll(locale, "_", "-")) {
			return true, nil
		}
		if attempt < 4 {
			time.Sleep(1 * time.Second)
		}
	}
	return false, nil
}

// hiddenAPIPolicyKeys are the three global settings controlling access to
// non-SDK interfaces.
var hiddenAPIPolicyKeys = []string{
	"hidden_api_policy_pre_p_apps",
	"hidden_api_policy_p_apps",
	"hidden_api_policy",
}

// SetHiddenAPIPolicy sets all three hidden-API policy keys to level.
func (s *Session) SetHiddenAPIPolicy(ctx context.Context, level string) error {
	for _, key := range hiddenAPIPolicyKeys {
		if err := s.SetSetting(ctx, "global", key, level); err != nil {
			return err
		}
	}
	return nil
}

// ClearHiddenAPIPolicy removes all three hidden-API policy keys.
func (s *Session) ClearHiddenAPIPolicy(ctx context.Context) error {
	for _, key := range hiddenAPIPolicyKeys {
		if err := s.DeleteSetting(ctx, "global", key); err != nil {
			return err
		}
	}
	return nil
}

// ---- Input, screen, keyboard ----------------------------------------------

// KeyCode is an Android key event code (android.view.KeyEvent constants).
type KeyCode int

// Key codes used by the clear/hide-keyboard helpers.
const (
	KeyCodeDel        KeyCode = 67
	KeyCodeForwardDel KeyCode = 112
	KeyCodeEscape     KeyCode = 111
	KeyCodeBack       KeyCode = 4
)

// KeyEvent simulates a key press on the device.
func (s *Session) KeyEvent(ctx context.Context, key KeyCode) error {
	_, err := s.exec.Shell(ctx, []string{"input", "keyevent", strconv.Itoa(int(key))}, ExecOptions{})
	return err
}

// ClearTextField emits interleaved DEL/FORWARD_DEL key events length times,
// clearing a focused text field regardless of cursor position.
func (s *Session) ClearTextField(ctx context.Context, length int) error {
	for i := 0; i < length; i++ {
		if err := s.KeyEvent(ctx, KeyCodeDel); err != nil {
			return err
		}
		if err := s.KeyEvent(ctx, KeyCodeForwardDel); err != nil {
			return err
		}
	}
	return nil
}

// InputText quotes text for `input text`: spaces become %s, and the
// argument is wrapped in double quotes unless it already contains one, in
// which case single quotes are used.
func (s *Session) InputText(ctx context.Context, text string) error {
	quoted := strings.ReplaceAll(text, " ", "%s")
	if strings.Contains(quoted, `"`) {
		quoted = "'" + quoted + "'"
	} else {
		quoted = `"` + quoted + `"`
	}
	_, err := s.exec.Shell(ctx, []string{"input", "text", quoted}, ExecOptions{})
	return err
}

// ScreenSize is the result of GetScreenSize.
type ScreenSize struct{ Width, Height int }

var wmSizeRE = regexp.MustCompile(`(?:Physical|Override) size:\s*(\d+)x(\d+)`)

// GetScreenSize parses `wm size`, preferring an override size if present.
func (s *Session) GetScreenSize(ctx context.Context) (ScreenSize, error) {
	res, err := s.exec.Shell(ctx, []string{"wm", "size"}, ExecOptions{})
	if err != nil {
		return ScreenSize{}, err
	}
	matches := wmSizeRE.FindAllStringSubmatch(res.Stdout, -1)
	if len(matches) == 0 {
		return ScreenSize{}, &errkind.ParseFailure{Input: res.Stdout, Expected: "wm size output"}
	}
	m := matches[len(matches)-1]
	w, _ := strconv.Atoi(m[1])
	h, _ := strconv.Atoi(m[2])
	return ScreenSize{Width: w, Height: h}, nil
}

var wmDensityRE = regexp.MustCompile(`(?:Physical|Override) density:\s*(\d+)`)

// GetScreenDensity parses `wm density`, preferring an override if present.
func (s *Session) GetScreenDensity(ctx context.Context) (int, error) {
	res, err := s.exec.Shell(ctx, []string{"wm", "density"}, ExecOptions{})
	if err != nil {
		return 0, err
	}
	matches := wmDensityRE.FindAllStringSubmatch(res.Stdout, -1)
	if len(matches) == 0 {
		return 0, &errkind.ParseFailure{Input: res.Stdout, Expected: "wm density output"}
	}
	d, _ := strconv.Atoi(matches[len(matches)-1][1])
	return d, nil
}

var surfaceOrientationRE = regexp.MustCompile(`SurfaceOrientation:\s*(\d+)`)

// GetScreenOrientation parses SurfaceOrientation from `dumpsys input`.
func (s *Session) GetScreenOrientation(ctx context.Context) (int, error) {
	res, err := s.exec.Shell(ctx, []string{"dumpsys", "input"}, ExecOptions{})
	if err != nil {
		return 0, err
	}
	m := surfaceOrientationRE.FindStringSubmatch(res.Stdout)
	if m == nil {
		return 0, &errkind.ParseFailure{Input: res.Stdout, Expected: "SurfaceOrientation line"}
	}
	o, _ := strconv.Atoi(m[1])
	return o, nil
}

// TakeScreenshot captures a PNG screenshot via `exec-out screencap -p`. The
// bytes are passed through unchanged.
func (s *Session) TakeScreenshot(ctx context.Context, displayID string) ([]byte, error) {
	args := []string{"exec-out", "screencap", "-p"}
	if displayID != "" {
		args = []string{"exec-out", "screencap", "-p", "-d", displayID}
	}
	res, err := s.exec.AdbExec(ctx, args, ExecOptions{IgnoreStderr: false})
	if err != nil {
		return nil, err
	}
	return []byte(res.Stdout), nil
}

var (
	mInputShownRE       = regexp.MustCompile(`mInputShown=(true|false)`)
	mIsInputViewShownRE = regexp.MustCompile(`mIsInputViewShown=(true|false)`)
)

// IsSoftKeyboardPresent reports the soft keyboard's visibility by parsing
// `dumpsys input_method`.
func (s *Session) IsSoftKeyboardPresent(ctx context.Context) (bool, error) {
	res, err := s.exec.Shell(ctx, []string{"dumpsys", "input_method"}, ExecOptions{})
	if err != nil {
		return false, err
	}
	shown := mInputShownRE.FindStringSubmatch(res.Stdout)
	viewShown := mIsInputViewShownRE.FindStringSubmatch(res.Stdout)
	return (shown != nil && shown[1] == "true") || (viewShown != nil && viewShown[1] == "true"), nil
}

// HideKeyboard tries ESC then BACK, polling until the keyboard is no
// longer shown or timeout elapses.
func (s *Session) HideKeyboard(ctx context.Context, timeout time.Duration) error {
	for _, key := range []KeyCode{KeyCodeEscape, KeyCodeBack} {
		if err := s.KeyEvent(ctx, key); err != nil {
			return err
		}
		deadline := time.Now().Add(timeout)
		for {
			shown, err := s.IsSoftKeyboardPresent(ctx)
			if err == nil && !shown {
				return nil
			}
			if time.Now().After(deadline) {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
		}
	}
	shown, err := s.IsSoftKeyboardPresent(ctx)
	if err != nil {
		return err
	}
	if shown {
		return errors.WithStack(&errkind.Timeout{Op: "hideKeyboard", Ms: int(timeout / time.Millisecond)})
	}
	return nil
}

// ---- §4.3.3 Permissions ----------------------------------------------------

var permissionNameRE = regexp.MustCompile(`android\.permission\.\w+`)
var grantedRE = regexp.MustCompile(`granted=(true|false)`)

// Permission is one extracted permission line.
type Permission struct {
	Name    string
	Granted bool
	// HasGranted is false when the dumpsys line carried no granted=
	// annotation (install-time permissions that are always granted).
	HasGranted bool
}

// findPackageNode locates the "Package [pkg] (...)" node under the
// "Packages:" heading of a `dumpsys package` tree.
func findPackageNode(tree *treeNode, pkg string) *treeNode {
	packSection := tree.find("Packages:")
	if packSection == nil {
		return nil
	}
	prefix := "Package [" + pkg + "]"
	for _, node := range packSection.children {
		if strings.HasPrefix(node.text, prefix) {
			return node
		}
	}
	return nil
}

// extractMatchingPermissions walks the indentation subtree of each of the
// named group headings ("<Group> permissions:") nested under pkg's package
// node, and extracts every android.permission.* name found strictly inside
// the heading's block, optionally filtered by grantedState.
func extractMatchingPermissions(dump, pkg string, groups []string, grantedState *bool) ([]Permission, error) {
	tree := parseTabbedTree(dump)
	pkgNode := findPackageNode(tree, pkg)
	if pkgNode == nil {
		return nil, &errkind.ParseFailure{Input: pkg, Expected: "a Package [...] entry in dumpsys package output"}
	}

	var out []Permission
	for _, g := range groups {
		heading := pkgNode.find(g + " permissions:")
		if heading == nil {
			continue
		}
		for _, node := range heading.leaves() {
			name := permissionNameRE.FindString(node.text)
			if name == "" {
				continue
			}
			p := Permission{Name: name}
			if m := grantedRE.FindStringSubmatch(node.text); m != nil {
				p.HasGranted = true
				p.Granted = m[1] == "true"
			}
			if grantedState != nil {
				if !p.HasGranted || p.Granted != *grantedState {
					continue
				}
			}
			out = append(out, p)
		}
	}
	return out, nil
}

func dumpPackage(ctx context.Context, s *Session, pkg string) (string, error) {
	res, err := s.exec.Shell(ctx, []string{"dumpsys", "package", pkg}, ExecOptions{})
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// requestedPermissionGroups names the section listing every permission the
// manifest declares, regardless of grant state.
var requestedPermissionGroups = []string{"requested"}

// grantStatePermissionGroups names the sections that annotate each
// permission with granted=true|false.
var grantStatePermissionGroups = []string{"install", "runtime"}

// GetReqPermissions returns every permission pkg requests.
func (s *Session) GetReqPermissions(ctx context.Context, pkg string) ([]Permission, error) {
	dump, err := dumpPackage(ctx, s, pkg)
	if err != nil {
		return nil, err
	}
	return extractMatchingPermissions(dump, pkg, requestedPermissionGroups, nil)
}

// GetGrantedPermissions returns every permission pkg requests that is
// currently granted.
func (s *Session) GetGrantedPermissions(ctx context.Context, pkg string) ([]Permission, error) {
	dump, err := dumpPackage(ctx, s, pkg)
	if err != nil {
		return nil, err
	}
	t := true
	return extractMatchingPermissions(dump, pkg, grantStatePermissionGroups, &t)
}

// GetDeniedPermissions returns every permission pkg requests that is
// currently denied.
func (s *Session) GetDeniedPermissions(ctx context.Context, pkg string) ([]Permission, error) {
	dump, err := dumpPackage(ctx, s, pkg)
	if err != nil {
		return nil, err
	}
	f := false
	return extractMatchingPermissions(dump, pkg, grantStatePermissionGroups, &f)
}

// GrantPermission grants perm to pkg. A no-op returning false below API 23.
func (s *Session) GrantPermission(ctx context.Context, pkg, perm string) (bool, error) {
	level, err := s.GetAPILevel(ctx)
	if err != nil {
		return false, err
	}
	if level < 23 {
		return false, nil
	}
	_, err = s.exec.Shell(ctx, []string{"pm", "grant", pkg, perm}, ExecOptions{})
	return err == nil, err
}

// RevokePermission revokes perm from pkg. A no-op returning false below
// API 23.
func (s *Session) RevokePermission(ctx context.Context, pkg, perm string) (bool, error) {
	level, err := s.GetAPILevel(ctx)
	if err != nil {
		return false, err
	}
	if level < 23 {
		return false, nil
	}
	_, err = s.exec.Shell(ctx, []string{"pm", "revoke", pkg, perm}, ExecOptions{})
	return err == nil, err
}

// GrantAllPermissions grants every requested permission of pkg. A no-op
// returning false below API 23.
func (s *Session) GrantAllPermissions(ctx context.Context, pkg string) (bool, error) {
	level, err := s.GetAPILevel(ctx)
	if err != nil {
		return false, err
	}
	if level < 23 {
		return false, nil
	}
	perms, err := s.GetReqPermissions(ctx, pkg)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if _, err := s.GrantPermission(ctx, pkg, p.Name); err != nil {
			return false, err
		}
	}
	return true, nil
}

// ---- Root, SELinux, misc ----------------------------------------------------

// rootSuccessLines are the exact stdout lines `adb root` emits on success.
var rootSuccessLines = map[string]bool{
	"adbd is already running as root":  true,
	"* daemon started successfully *": true,
}

// Root restarts the adb daemon as root, retrying while adbd is in the
// process of restarting, and failing with an error on a production build.
func (s *Session) Root(ctx context.Context) error {
	const maxAttempts = 5
	for attempt := 0; attempt < maxAttempts; attempt++ {
		res, err := s.exec.AdbExec(ctx, []string{"root"}, ExecOptions{})
		if err != nil {
			return err
		}
		output := strings.ReplaceAll(res.Stdout, "\r\n", "\n")
		if output == "" {
			return nil
		}
		lines := strings.Split(output, "\n")
		for i := len(lines) - 1; i >= 0; i-- {
			line := lines[i]
			if rootSuccessLines[line] {
				return nil
			}
			if line == "adbd cannot run as root in production builds" {
				return fmt.Errorf("device is not a userdebug build")
			}
			if line == "restarting adbd as root" {
				time.Sleep(100 * time.Millisecond)
				break
			}
		}
	}
	return fmt.Errorf("device failed to switch to root after %d attempts", maxAttempts)
}

// IsDebuggableBuild reports whether ro.debuggable is set.
func (s *Session) IsDebuggableBuild(ctx context.Context) (bool, error) {
	res, err := s.exec.Shell(ctx, []string{"getprop", "ro.debuggable"}, ExecOptions{})
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(res.Stdout) == "1", nil
}

// SELinuxEnforcing reports the device's current SELinux mode.
func (s *Session) SELinuxEnforcing(ctx context.Context) (bool, error) {
	res, err := s.exec.Shell(ctx, []string{"getenforce"}, ExecOptions{})
	if err != nil {
		return false, err
	}
	return strings.Contains(strings.ToLower(res.Stdout), "enforcing"), nil
}

// SetSELinuxEnforcing toggles SELinux enforcement.
func (s *Session) SetSELinuxEnforcing(ctx context.Context, enforce bool) error {
	v := "0"
	if enforce {
		v = "1"
	}
	_, err := s.exec.Shell(ctx, []string{"setenforce", v}, ExecOptions{Privileged: true})
	return err
}

// SystemProperty reads a system property via getprop.
func (s *Session) SystemProperty(ctx context.Context, name string) (string, error) {
	res, err := s.exec.Shell(ctx, []string{"getprop", name}, ExecOptions{})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// SetSystemProperty sets a system property via setprop.
func (s *Session) SetSystemProperty(ctx context.Context, name, value string) error {
	if value == "" {
		value = `""`
	}
	_, err := s.exec.Shell(ctx, []string{"setprop", name, value}, ExecOptions{})
	return err
}
