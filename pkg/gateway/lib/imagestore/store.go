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

// Package imagestore persists chat images on local disk and resolves the
// public URLs it hands out back to file contents.
package imagestore

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrInvalidName is returned for file names that are not a single path
// element.
var ErrInvalidName = errors.New("invalid image file name")

// ErrNotOwned is returned for URLs outside the store's public namespace
var ErrNotOwned = errors.New("url is not served by this image store")

var mimeExtensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/jpg":  ".jpg",
	"image/webp": ".webp",
}

// ExtensionForMIME maps a declared image MIME type to a file extension,
// falling back to .png.
func ExtensionForMIME(mimeType string) string {
	if ext, ok := mimeExtensions[strings.ToLower(strings.TrimSpace(mimeType))]; ok {
		return ext
	}
	return ".png"
}

// NewFilename returns img-<UTC yyyymmdd-HHMMSS>-<8 hex chars><ext>.
func NewFilename(now time.Time, ext string) string {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("img-%s-%s%s", now.UTC().Format("20060102-150405"), token, ext)
}

// Info describes a decoded image header
type Info struct {
	Format string
	Width  int
	Height int
}

// isoImageBrands maps ISO-BMFF major brands of still-image containers that
// have no registered decoder to a format name.
var isoImageBrands = map[string]string{
	"avif": "avif",
	"avis": "avif",
	"heic": "heif",
	"heix": "heif",
	"hevc": "heif",
	"hevx": "heif",
	"mif1": "heif",
	"msf1": "heif",
}

// Sniff decodes the image header of data, failing when data is not an image
// in any registered format. AVIF and HEIF containers are recognised by their
// ftyp box and reported without dimensions.
func Sniff(data []byte) (Info, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err == nil {
		return Info{Format: format, Width: cfg.Width, Height: cfg.Height}, nil
	}
	if len(data) >= 12 && string(data[4:8]) == "ftyp" {
		if format, ok := isoImageBrands[string(data[8:12])]; ok {
			return Info{Format: format}, nil
		}
	}
	return Info{}, fmt.Errorf("decoding image header: %w", err)
}

// Store writes images under dir and serves them under baseURL.
type Store struct {
	dir     string
	baseURL string
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a store. A directory that cannot be created is logged, not
// returned: saves will fail individually and callers skip those images.
func New(dir, baseURL string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		logger.Error("Failed to ensure image directory", zap.String("dir", dir), zap.Error(err))
	} else {
		logger.Debug("Ensured image directory exists", zap.String("dir", dir))
	}
	return &Store{
		dir:     dir,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
		now:     time.Now,
	}
}

// Dir returns the directory images are written to
func (s *Store) Dir() string { return s.dir }

// BaseURL returns the public URL prefix of stored images
func (s *Store) BaseURL() string { return s.baseURL }

// Save writes data under a freshly generated filename and returns the public
// URL of the new file.
func (s *Store) Save(mimeType string, data []byte) (string, error) {
	filename := NewFilename(s.now(), ExtensionForMIME(mimeType))
	filePath := filepath.Join(s.dir, filename)

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return "", fmt.Errorf("writing image file %s: %w", filePath, err)
	}

	url := s.baseURL + "/" + filename
	s.logger.Debug("Saved image",
		zap.String("path", filePath),
		zap.String("url", url),
		zap.Int("bytes", len(data)))
	return url, nil
}

// Owns reports whether url lies under the store's public namespace.
func (s *Store) Owns(url string) bool {
	return s.baseURL != "" && strings.HasPrefix(url, s.baseURL+"/")
}

// Load reads back the file behind one of the store's public URLs.
func (s *Store) Load(url string) ([]byte, error) {
	if !s.Owns(url) {
		return nil, ErrNotOwned
	}
	name := path.Base(strings.TrimPrefix(url, s.baseURL+"/"))
	if name == "." || name == "/" || name == ".." {
		return nil, fmt.Errorf("invalid image url: %s", url)
	}

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, fmt.Errorf("reading image file: %w", err)
	}
	return data, nil
}

// Path returns the on-disk path of the stored file called name.
func (s *Store) Path(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", ErrInvalidName
	}
	return filepath.Join(s.dir, name), nil
}
