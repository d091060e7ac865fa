// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package imagestore

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestExtensionForMIME(t *testing.T) {
	assert.Equal(t, ".png", ExtensionForMIME("image/png"))
	assert.Equal(t, ".jpg", ExtensionForMIME("image/JPEG"))
	assert.Equal(t, ".jpg", ExtensionForMIME("image/jpg"))
	assert.Equal(t, ".webp", ExtensionForMIME("image/webp"))
	assert.Equal(t, ".png", ExtensionForMIME("image/x-unknown"))
}

func TestNewFilename(t *testing.T) {
	now := time.Date(2025, 3, 4, 5, 6, 7, 0, time.FixedZone("x", 3600))
	name := NewFilename(now, ".jpg")
	assert.Regexp(t, regexp.MustCompile(`^img-20250304-040607-[0-9a-f]{8}\.jpg$`), name)
	assert.NotEqual(t, name, NewFilename(now, ".jpg"))
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "http://gw:8000/images/", zaptest.NewLogger(t))
	data := testPNG(t, 3, 2)

	url, err := s.Save("image/png", data)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "http://gw:8000/images/img-"))
	assert.True(t, s.Owns(url))

	got, err := s.Load(url)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	onDisk, err := os.ReadFile(filepath.Join(dir, filepath.Base(url)))
	require.NoError(t, err)
	assert.Equal(t, data, onDisk)
}

func TestStore_LoadRejectsForeignAndTraversal(t *testing.T) {
	s := New(t.TempDir(), "http://gw/images", zaptest.NewLogger(t))

	_, err := s.Load("http://elsewhere/images/a.png")
	assert.ErrorIs(t, err, ErrNotOwned)

	_, err = s.Load("http://gw/images/../../etc/passwd")
	assert.Error(t, err)

	_, err = s.Load("http://gw/images/missing.png")
	assert.Error(t, err)
}

func TestStore_SaveUnwritableDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(dir, []byte("x"), 0644))

	s := New(dir, "http://gw/images", zaptest.NewLogger(t))
	_, err := s.Save("image/png", []byte("x"))
	assert.Error(t, err)
}

func TestSniff(t *testing.T) {
	info, err := Sniff(testPNG(t, 4, 5))
	require.NoError(t, err)
	assert.Equal(t, Info{Format: "png", Width: 4, Height: 5}, info)

	_, err = Sniff([]byte("not an image"))
	assert.Error(t, err)
}

func TestSniff_ContainerFormats(t *testing.T) {
	box := func(brand string) []byte {
		return append([]byte{0, 0, 0, 0x1c, 'f', 't', 'y', 'p'}, []byte(brand+"\x00\x00\x00\x00mif1")...)
	}

	info, err := Sniff(box("avif"))
	require.NoError(t, err)
	assert.Equal(t, Info{Format: "avif"}, info)

	info, err = Sniff(box("heic"))
	require.NoError(t, err)
	assert.Equal(t, Info{Format: "heif"}, info)

	// An MP4 video is an ISO-BMFF file too, but not a still image.
	_, err = Sniff(box("isom"))
	assert.Error(t, err)
}

func TestStore_Path(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "http://gw/images", zaptest.NewLogger(t))

	p, err := s.Path("img-1.png")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "img-1.png"), p)

	for _, name := range []string{"", ".", "..", "../etc/passwd", `a\b`, "sub/img.png"} {
		_, err := s.Path(name)
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
}
