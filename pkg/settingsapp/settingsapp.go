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

// Package settingsapp drives the io.appium.settings companion app through
// am broadcasts and services to reach device APIs adb cannot touch
// directly: clipboard, notifications, SMS, locale, and geo-location. It is
// kept separate from package adb, the same way pkg/logcat is, so adb.Session
// does not need to import it.
package settingsapp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/appium/adbkit/core/log"
	"github.com/appium/adbkit/core/os/android/adb"
	"github.com/appium/adbkit/pkg/logcat"

	"github.com/appium/adbkit/errkind"
)

// PackageName is the settings helper's hard-coded application id.
const PackageName = "io.appium.settings"

const mainActivity = ".Settings"

// AppiumIME and UnicodeIME are the companion IMEs the helper app installs
// alongside itself: AppiumIME carries editor-action tokens and enforces a
// clipboard-read context on API >= 29, UnicodeIME accepts UTF-7 encoded
// input text for characters `input text` cannot type directly.
const (
	AppiumIME  = PackageName + "/.AppiumIME"
	UnicodeIME = PackageName + "/.UnicodeIME"
)

// Helper drives one Session's settings helper app.
type Helper struct {
	session *adb.Session
}

// New returns a Helper bound to session.
func New(session *adb.Session) *Helper {
	return &Helper{session: session}
}

func (h *Helper) exec() *adb.Executor { return h.session.Executor() }

func receiverName(receiver string) string {
	return PackageName + "/.receivers." + receiver
}

// stringExtra builds a `-e key value` Intent extra argument pair.
func stringExtra(key, value string) []string { return []string{"-e", key, value} }

// boolExtra builds a `--ez key value` Intent extra argument pair.
func boolExtra(key string, value bool) []string { return []string{"--ez", key, strconv.FormatBool(value)} }

// broadcast runs `am broadcast -n <receiver> -a <pkg>.<action> <extras>`.
func (h *Helper) broadcast(ctx context.Context, receiver, action string, extras ...string) (adb.ExecResult, error) {
	args := []string{"am", "broadcast", "-n", receiverName(receiver), "-a", PackageName + "." + action}
	args = append(args, extras...)
	return h.exec().Shell(ctx, args, adb.ExecOptions{})
}

// broadcastAction runs `am broadcast -a <pkg>.<action> <extras>` with no
// explicit receiver component, for actions the helper resolves by manifest
// intent-filter rather than an exported receiver name.
func (h *Helper) broadcastAction(ctx context.Context, action string, extras ...string) (adb.ExecResult, error) {
	args := []string{"am", "broadcast", "-a", PackageName + "." + action}
	args = append(args, extras...)
	return h.exec().Shell(ctx, args, adb.ExecOptions{})
}

var broadcastDataRE = regexp.MustCompile(`data="((?:[^"\\]|\\.)*)"`)

func extractBroadcastData(output string) (string, error) {
	m := broadcastDataRE.FindStringSubmatch(output)
	if m == nil {
		return "", &errkind.ParseFailure{Input: output, Expected: `data="..." in am broadcast output`}
	}
	return m[1], nil
}

// RequireRunningOptions configures RequireRunningSettingsApp.
type RequireRunningOptions struct {
	// Timeout bounds how long to poll for the helper process after
	// launching it. Defaults to 5s.
	Timeout time.Duration
	// ShouldRestoreCurrentApp captures the focused app before launching the
	// helper and re-activates it once the helper is running.
	ShouldRestoreCurrentApp bool
}

// RequireRunningSettingsApp ensures the helper process is alive, launching
// it via `am start` and polling ProcessExists if it is not. Failure to
// restore the previously focused app is logged, not returned.
func (h *Helper) RequireRunningSettingsApp(ctx context.Context, opts RequireRunningOptions) error {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	running, err := h.session.ProcessExists(ctx, PackageName)
	if err != nil {
		return err
	}
	if running {
		return nil
	}

	var restore *adb.FocusedApp
	if opts.ShouldRestoreCurrentApp {
		if focused, err := h.session.GetFocusedPackageAndActivity(ctx); err == nil {
			restore = &focused
		} else {
			log.W(ctx, "settingsapp: could not capture focused app before launch: %v", err)
		}
	}

	if err := h.session.StartApp(ctx, adb.StartAppOptions{Pkg: PackageName, Activity: mainActivity}); err != nil {
		return err
	}

	deadline := time.Now().Add(opts.Timeout)
	for {
		running, err := h.session.ProcessExists(ctx, PackageName)
		if err != nil {
			return err
		}
		if running {
			break
		}
		if time.Now().After(deadline) {
			return &errkind.StartFailed{Subsystem: "settings helper", Reason: "process did not appear within timeout"}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(300 * time.Millisecond):
		}
	}

	if restore != nil {
		if err := h.session.ActivateApp(ctx, restore.AppPackage); err != nil {
			log.W(ctx, "settingsapp: could not restore previously focused app %s: %v", restore.AppPackage, err)
		}
	}
	return nil
}

// runInImeContext recalls the current default IME, switches to ime, runs
// work, and restores the original IME on every exit path. work's error, if
// any, is returned after the restoration is attempted.
func (h *Helper) runInImeContext(ctx context.Context, ime string, work func(ctx context.Context) error) error {
	previous, err := h.session.GetSetting(ctx, "secure", "default_input_method")
	if err != nil {
		return err
	}

	if err := h.setIme(ctx, ime); err != nil {
		return err
	}

	workErr := work(ctx)

	if previous != "" {
		if err := h.setIme(ctx, previous); err != nil {
			log.W(ctx, "settingsapp: could not restore ime %s: %v", previous, err)
		}
	}

	return workErr
}

func (h *Helper) setIme(ctx context.Context, ime string) error {
	if _, err := h.exec().Shell(ctx, []string{"ime", "enable", ime}, adb.ExecOptions{}); err != nil {
		return err
	}
	_, err := h.exec().Shell(ctx, []string{"ime", "set", ime}, adb.ExecOptions{})
	return err
}

// GetClipboard reads the device clipboard, decoding its base64 payload. On
// API >= 29 the read runs inside an enforced AppiumIME context, since the
// platform otherwise refuses clipboard access to a background app.
func (h *Helper) GetClipboard(ctx context.Context) (string, error) {
	level, err := h.session.GetAPILevel(ctx)
	if err != nil {
		return "", err
	}

	var raw string
	fetch := func(ctx context.Context) error {
		res, err := h.broadcast(ctx, "ClipboardReceiver", "clipboard.get")
		if err != nil {
			return err
		}
		data, err := extractBroadcastData(res.Stdout)
		if err != nil {
			return err
		}
		raw = data
		return nil
	}

	if level >= 29 {
		if err := h.runInImeContext(ctx, AppiumIME, fetch); err != nil {
			return "", err
		}
	} else if err := fetch(ctx); err != nil {
		return "", err
	}

	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", &errkind.ParseFailure{Input: raw, Expected: "base64-encoded clipboard payload"}
	}
	return string(decoded), nil
}

// GetNotifications broadcasts for the helper's captured notification feed
// and returns its JSON payload unparsed, for the caller to unmarshal into
// whatever shape it expects.
func (h *Helper) GetNotifications(ctx context.Context) (json.RawMessage, error) {
	res, err := h.broadcastAction(ctx, "notifications")
	if err != nil {
		return nil, err
	}
	data, err := extractBroadcastData(res.Stdout)
	if err != nil {
		return nil, err
	}
	if !json.Valid([]byte(data)) {
		return nil, &errkind.ParseFailure{Input: data, Expected: "JSON notifications payload"}
	}
	return json.RawMessage(data), nil
}

// SmsListOptions configures GetSmsList.
type SmsListOptions struct {
	// Max bounds how many messages the helper returns, newest first. Zero
	// means the helper's own default.
	Max int
}

// GetSmsList broadcasts for the device's SMS inbox and returns its JSON
// payload unparsed.
func (h *Helper) GetSmsList(ctx context.Context, opts SmsListOptions) (json.RawMessage, error) {
	var extras []string
	if opts.Max > 0 {
		extras = stringExtra("max", strconv.Itoa(opts.Max))
	}
	res, err := h.broadcast(ctx, "SmsReader", "sms.read", extras...)
	if err != nil {
		return nil, err
	}
	data, err := extractBroadcastData(res.Stdout)
	if err != nil {
		return nil, err
	}
	if !json.Valid([]byte(data)) {
		return nil, &errkind.ParseFailure{Input: data, Expected: "JSON sms payload"}
	}
	return json.RawMessage(data), nil
}

// TypeUnicode switches the default IME to UnicodeIME for the duration of an
// `input text` call carrying text encoded as UTF-7, so characters outside
// the shell's own quoting rules still reach the focused field.
func (h *Helper) TypeUnicode(ctx context.Context, text string) error {
	encoded := encodeUTF7(text)
	return h.runInImeContext(ctx, UnicodeIME, func(ctx context.Context) error {
		return h.session.InputText(ctx, encoded)
	})
}

// PerformEditorAction sends a synthetic IME action token (e.g. "/go/",
// "/search/") to the focused field under AppiumIME, which recognizes the
// slash-delimited token and translates it into the corresponding
// EditorInfo.IME_ACTION_* call.
func (h *Helper) PerformEditorAction(ctx context.Context, action string) error {
	return h.runInImeContext(ctx, AppiumIME, func(ctx context.Context) error {
		return h.session.InputText(ctx, "/"+action+"/")
	})
}

var resultRE = regexp.MustCompile(`result=(-?\d+)`)

// ScanMedia broadcasts a media-scan request for path and requires the
// helper to report result=-1 (MediaScannerConnection success).
func (h *Helper) ScanMedia(ctx context.Context, path string) error {
	res, err := h.broadcast(ctx, "MediaScannerReceiver", "scan_media", stringExtra("path", path)...)
	if err != nil {
		return err
	}
	m := resultRE.FindStringSubmatch(res.Stdout)
	if m == nil || m[1] != "-1" {
		return &errkind.ParseFailure{Input: res.Stdout, Expected: "result=-1"}
	}
	return nil
}

// GeoLocation is a position to hand to SetGeoLocation, or the result of
// GetGeoLocation. Altitude, Satellites, and Speed are optional and
// positional: Satellites is only meaningful once Altitude is set, and Speed
// only once Satellites is set, matching `adb emu geo fix`'s own argument
// grammar.
type GeoLocation struct {
	Longitude  float64
	Latitude   float64
	Altitude   *float64
	Satellites *int
	Speed      *float64
}

func formatGeoValue(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func geoPositionalArgs(loc GeoLocation) []string {
	args := []string{formatGeoValue(loc.Longitude), formatGeoValue(loc.Latitude)}
	if loc.Altitude == nil {
		return args
	}
	args = append(args, formatGeoValue(*loc.Altitude))
	if loc.Satellites == nil {
		return args
	}
	args = append(args, strconv.Itoa(*loc.Satellites))
	if loc.Speed == nil {
		return args
	}
	return append(args, formatGeoValue(*loc.Speed))
}

// SetGeoLocation sets loc as the device's reported location. The emulator
// branch issues `adb emu geo fix` twice: once as given, once with every '.'
// replaced by ',' — a workaround for a locale-dependent parser in the
// emulator console that only accepts one of the two decimal separators
// depending on the host's locale. The real-device branch starts the
// helper's LocationService instead.
func (h *Helper) SetGeoLocation(ctx context.Context, loc GeoLocation, isEmulator bool) error {
	if isEmulator {
		return h.setGeoLocationEmulator(ctx, loc)
	}
	return h.setGeoLocationDevice(ctx, loc)
}

func (h *Helper) setGeoLocationEmulator(ctx context.Context, loc GeoLocation) error {
	args := geoPositionalArgs(loc)
	if _, err := h.exec().AdbExec(ctx, append([]string{"emu", "geo", "fix"}, args...), adb.ExecOptions{}); err != nil {
		return err
	}

	commaArgs := make([]string, len(args))
	for i, a := range args {
		commaArgs[i] = replaceDotWithComma(a)
	}
	_, err := h.exec().AdbExec(ctx, append([]string{"emu", "geo", "fix"}, commaArgs...), adb.ExecOptions{})
	return err
}

func replaceDotWithComma(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			out[i] = ','
		} else {
			out[i] = s[i]
		}
	}
	return string(out)
}

func (h *Helper) setGeoLocationDevice(ctx context.Context, loc GeoLocation) error {
	level, err := h.session.GetAPILevel(ctx)
	if err != nil {
		return err
	}
	verb := "startservice"
	if level >= 26 {
		verb = "start-foreground-service"
	}

	args := []string{
		"am", verb, "-n", PackageName + "/.LocationService",
		"-e", "longitude", formatGeoValue(loc.Longitude),
		"-e", "latitude", formatGeoValue(loc.Latitude),
	}
	if loc.Altitude != nil {
		args = append(args, "-e", "altitude", formatGeoValue(*loc.Altitude))
	}
	if loc.Speed != nil {
		args = append(args, "-e", "speed", formatGeoValue(*loc.Speed))
	}
	_, err = h.exec().Shell(ctx, args, adb.ExecOptions{})
	return err
}

var geoDataRE = regexp.MustCompile(`data="([-0-9.eE]+)\s+([-0-9.eE]+)\s+([-0-9.eE]+)"`)

// GetGeoLocation broadcasts for the device's current position.
func (h *Helper) GetGeoLocation(ctx context.Context) (GeoLocation, error) {
	res, err := h.broadcast(ctx, "LocationInfoReceiver", "location")
	if err != nil {
		return GeoLocation{}, err
	}
	m := geoDataRE.FindStringSubmatch(res.Stdout)
	if m == nil {
		return GeoLocation{}, &errkind.ParseFailure{Input: res.Stdout, Expected: `data="lon lat alt"`}
	}
	lon, _ := strconv.ParseFloat(m[1], 64)
	lat, _ := strconv.ParseFloat(m[2], 64)
	alt, _ := strconv.ParseFloat(m[3], 64)
	return GeoLocation{Longitude: lon, Latitude: lat, Altitude: &alt}, nil
}

// Markers logged by the device's LocationTracker once a forced cache update
// has actually landed. Seen in practice across the range of OEM location
// stacks this helper targets; refreshGeoLocationCache treats either as
// success.
const (
	geoCacheUpdatedMarker = "onLocationChanged"
	geoCacheExpiredMarker = "location cache expired"
)

// RefreshGeoLocationCache forces a location cache refresh and, if
// timeoutMs > 0, tails logcat's LocationTracker tag until one of the two
// known success markers appears or the timeout elapses. A zero timeout
// fires the refresh broadcast without waiting for confirmation.
func (h *Helper) RefreshGeoLocationCache(ctx context.Context, timeoutMs int) error {
	if _, err := h.broadcast(ctx, "LocationInfoReceiver", "location", boolExtra("forceUpdate", true)...); err != nil {
		return err
	}
	if timeoutMs <= 0 {
		return nil
	}

	found := make(chan struct{}, 1)
	st := logcat.NewStreamer()
	id := st.On(func(m logcat.Message) {
		if m.Tag != "LocationTracker" {
			return
		}
		if strings.Contains(m.Text, geoCacheUpdatedMarker) || strings.Contains(m.Text, geoCacheExpiredMarker) {
			select {
			case found <- struct{}{}:
			default:
			}
		}
	})
	defer st.Off(id)
	defer st.Stop()

	if err := st.Start(ctx, h.session, logcat.StartOptions{FilterSpecs: []string{"LocationTracker:V", "*:S"}}); err != nil {
		return err
	}

	select {
	case <-found:
		return nil
	case <-time.After(time.Duration(timeoutMs) * time.Millisecond):
		return errors.WithStack(&errkind.Timeout{Op: "refreshGeoLocationCache", Ms: timeoutMs})
	case <-ctx.Done():
		return ctx.Err()
	}
}
