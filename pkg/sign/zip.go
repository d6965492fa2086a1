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

package sign

import (
	"archive/zip"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/flate"

	"github.com/appium/adbkit/core/os/file"
)

func init() {
	zip.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.DefaultCompression)
	})
	zip.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
		return flate.NewReader(r)
	})
}

// rewriteZip copies every entry of path for which keep(name) is true into a
// fresh archive, then atomically replaces path with it. It reports whether
// any entry was dropped. This is the extract-rewrite-repack shape the
// teacher's ApkDebugifier uses to strip JAR signature files before
// re-signing.
func rewriteZip(path string, keep func(name string) bool) (bool, error) {
	in, err := zip.OpenReader(path)
	if err != nil {
		return false, err
	}
	defer in.Close()

	changed := false
	for _, zf := range in.File {
		if !keep(zf.Name) {
			changed = true
		}
	}
	if !changed {
		return false, nil
	}

	tmp, err := file.TempWithExt("unsign", "apk")
	if err != nil {
		return false, err
	}

	if err := writeFilteredZip(tmp.System(), in.File, keep); err != nil {
		file.Remove(tmp)
		return false, err
	}
	if err := file.Move(file.Abs(path), tmp); err != nil {
		return false, err
	}
	return true, nil
}

func writeFilteredZip(outPath string, entries []*zip.File, keep func(name string) bool) error {
	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()

	w := zip.NewWriter(out)
	defer w.Close()

	for _, zf := range entries {
		if !keep(zf.Name) {
			continue
		}
		fr, err := zf.Open()
		if err != nil {
			return err
		}
		fw, err := w.CreateHeader(&zip.FileHeader{
			Name:     zf.Name,
			Method:   zf.Method,
			Modified: zf.Modified,
		})
		if err != nil {
			fr.Close()
			return err
		}
		if _, err := io.Copy(fw, fr); err != nil {
			fr.Close()
			return err
		}
		fr.Close()
	}
	return nil
}

// extractBaseSplitFromZip pulls the base split APK out of an Android App
// Bundle's APKS container to a fresh temp file, for certificate checks that
// must run against a single APK.
func extractBaseSplitFromZip(apksPath string) (string, error) {
	in, err := zip.OpenReader(apksPath)
	if err != nil {
		return "", err
	}
	defer in.Close()

	var base *zip.File
	for _, zf := range in.File {
		if strings.HasSuffix(zf.Name, "base-master.apk") || (base == nil && strings.HasSuffix(zf.Name, ".apk")) {
			base = zf
			if strings.HasSuffix(zf.Name, "base-master.apk") {
				break
			}
		}
	}
	if base == nil {
		return "", zip.ErrFormat
	}

	tmp, err := file.TempWithExt("base-split", "apk")
	if err != nil {
		return "", err
	}

	fr, err := base.Open()
	if err != nil {
		return "", err
	}
	defer fr.Close()

	out, err := os.Create(tmp.System())
	if err != nil {
		return "", err
	}
	defer out.Close()

	if _, err := io.Copy(out, fr); err != nil {
		return "", err
	}
	return tmp.System(), nil
}
