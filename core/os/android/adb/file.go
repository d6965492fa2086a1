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

import "context"

// Push copies the local file to the given remote path.
func (s *Session) Push(ctx context.Context, local, remote string) error {
	_, err := s.exec.AdbExec(ctx, []string{"push", local, remote}, ExecOptions{Timeout: DefaultInstallTimeout})
	return err
}

// Pull copies the remote file to the given local path.
func (s *Session) Pull(ctx context.Context, remote, local string) error {
	_, err := s.exec.AdbExec(ctx, []string{"pull", remote, local}, ExecOptions{Timeout: DefaultInstallTimeout})
	return err
}
