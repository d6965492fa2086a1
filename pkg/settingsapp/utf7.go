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
	"encoding/base64"
	"strings"
	"unicode/utf16"
)

// utf7DirectChars is RFC 2152's "Set D" plus whitespace: characters that
// may pass through a UTF-7 stream unescaped. '+' is excluded here and
// handled as its own escape ("+-") by encodeUTF7.
const utf7DirectChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789'(),-./:? \t\r\n"

func isUTF7Direct(r rune) bool {
	return r < 128 && strings.ContainsRune(utf7DirectChars, r)
}

// encodeUTF7 converts s to UTF-7 (RFC 2152): runs of non-direct characters
// are UTF-16BE encoded and wrapped in unpadded base64 between '+' and '-'.
// typeUnicode uses this so `input text` can carry characters the shell's
// own quoting can't, via the companion UnicodeIME.
func encodeUTF7(s string) string {
	runes := []rune(s)
	var b strings.Builder
	i := 0
	for i < len(runes) {
		r := runes[i]
		if r == '+' {
			b.WriteString("+-")
			i++
			continue
		}
		if isUTF7Direct(r) {
			b.WriteRune(r)
			i++
			continue
		}
		j := i
		for j < len(runes) && !isUTF7Direct(runes[j]) && runes[j] != '+' {
			j++
		}
		b.WriteByte('+')
		b.WriteString(encodeUTF7Shift(runes[i:j]))
		b.WriteByte('-')
		i = j
	}
	return b.String()
}

func encodeUTF7Shift(runes []rune) string {
	buf := make([]byte, 0, len(runes)*2)
	for _, r := range runes {
		if r > 0xFFFF {
			hi, lo := utf16.EncodeRune(r)
			buf = append(buf, byte(hi>>8), byte(hi), byte(lo>>8), byte(lo))
			continue
		}
		buf = append(buf, byte(r>>8), byte(r))
	}
	return strings.TrimRight(base64.StdEncoding.EncodeToString(buf), "=")
}
