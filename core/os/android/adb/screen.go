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
	"time"

	"github.com/appium/adbkit/errkind"
)

const (
	screenOnLocked = iota
	screenOnUnlocked
	screenOffLocked
	screenOffUnlocked
)

// KeyCodeWakeup is android.view.KeyEvent.KEYCODE_WAKEUP.
const KeyCodeWakeup KeyCode = 224

// Some slow devices can take up to a second to properly settle into an
// unlocked state, so wait 1.5 seconds before re-checking after a wakeup.
const keyEventEffectDelay time.Duration = 1500 * time.Millisecond

var screenStateRegex = regexp.MustCompile("mAwake=(true|false)")
var lockStateRegex = regexp.MustCompile("(?:mDreamingLockscreen|mShowingLockscreen)=(true|false)")

func (s *Session) getScreenState(ctx context.Context) (int, error) {
	res, err := s.exec.Shell(ctx, []string{"dumpsys", "window"}, ExecOptions{})
	if err != nil {
		return -1, err
	}

	screenStateMatch := screenStateRegex.FindStringSubmatch(res.Stdout)
	if screenStateMatch == nil {
		return -1, &errkind.ParseFailure{Input: res.Stdout, Expected: "mAwake= line"}
	}
	screenState := screenStateMatch[1] == "true"

	lockStateMatch := lockStateRegex.FindStringSubmatch(res.Stdout)
	if lockStateMatch == nil {
		return -1, &errkind.ParseFailure{Input: res.Stdout, Expected: "mDreamingLockscreen/mShowingLockscreen line"}
	}
	lockState := lockStateMatch[1] == "true"

	switch {
	case screenState && lockState:
		return screenOnLocked, nil
	case screenState:
		return screenOnUnlocked, nil
	case lockState:
		return screenOffLocked, nil
	default:
		return screenOffUnlocked, nil
	}
}

// IsScreenUnlocked reports whether the device's screen is on and unlocked.
func (s *Session) IsScreenUnlocked(ctx context.Context) (bool, error) {
	state, err := s.getScreenState(ctx)
	if err != nil {
		return false, err
	}
	return state == screenOnUnlocked, nil
}

// UnlockScreen returns true once it has turned on and unlocked the screen.
// Devices may transition unexpectedly between screen states, so unless the
// screen is already on and unlocked, it unconditionally applies a wakeup
// key event followed by a dismiss-keyguard request.
func (s *Session) UnlockScreen(ctx context.Context) (bool, error) {
	state, err := s.getScreenState(ctx)
	if err != nil {
		return false, err
	}
	if state == screenOnUnlocked {
		return true, nil
	}

	if err := s.KeyEvent(ctx, KeyCodeWakeup); err != nil {
		return false, err
	}
	if _, err := s.exec.Shell(ctx, []string{"wm", "dismiss-keyguard"}, ExecOptions{}); err != nil {
		return false, err
	}
	time.Sleep(keyEventEffectDelay)
	return s.IsScreenUnlocked(ctx)
}
