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

package log

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Err logs cause at Error severity and returns it wrapped with msg and a
// stack trace.
func (l Logger) Err(cause error, msg string) error {
	l.z.Error().Err(cause).Msg(msg)
	if cause == nil {
		return errors.New(msg)
	}
	return errors.Wrap(cause, msg)
}

// Errf is Err with a formatted message.
func (l Logger) Errf(cause error, format string, args ...interface{}) error {
	return l.Err(cause, fmt.Sprintf(format, args...))
}

// Err logs cause at Error severity and returns it wrapped with msg.
func Err(ctx context.Context, cause error, msg string) error {
	return From(ctx).Err(cause, msg)
}

// Errf is Err with a formatted message.
func Errf(ctx context.Context, cause error, format string, args ...interface{}) error {
	return From(ctx).Errf(cause, format, args...)
}
