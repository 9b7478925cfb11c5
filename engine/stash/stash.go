// Copyright 2025 AxonFlow
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

package stash

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"actionkit/platform/shared/logger"
)

const (
	// DefaultMaxSize is the largest payload accepted when no limit is configured.
	DefaultMaxSize int64 = 150 << 20
	// DefaultURLExpiry is how long a signed reference URL stays valid.
	DefaultURLExpiry = time.Hour

	defaultFilename = "unnamedfile"
	sniffLen        = 512
)

var (
	// ErrTooLarge is returned when a payload exceeds the stash size limit.
	ErrTooLarge = errors.New("file exceeds stash size limit")
	// ErrConsumed is returned when a File is stashed a second time.
	ErrConsumed = errors.New("file stream already consumed")
)

// Storage is a durable object store.
type Storage interface {
	// Name identifies the backend in logs and metrics.
	Name() string
	// Put uploads r under key. size is -1 when unknown.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	// URL returns a reference URL for key valid for at least expiry.
	URL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// File is a one-shot binary payload waiting to be stashed.
type File struct {
	reader      io.Reader
	length      int64
	filename    string
	contentType string
	used        atomic.Bool
}

// NewFile wraps r. length is the known size or -1; filename and
// contentType may be empty.
func NewFile(r io.Reader, length int64, filename, contentType string) *File {
	if length < 0 {
		length = -1
	}
	return &File{reader: r, length: length, filename: filename, contentType: contentType}
}

// Filename returns the name the file was created with.
func (f *File) Filename() string {
	return f.filename
}

// Options configures a Stasher.
type Options struct {
	Prefix    string
	MaxSize   int64
	URLExpiry time.Duration
}

// Stasher uploads files to a Storage backend.
type Stasher struct {
	storage Storage
	opts    Options
	logger  *logger.Logger
	onBytes func(backend string, n int64)
	newID   func() string
}

// NewStasher creates a Stasher. onBytes, when set, is told how many bytes
// each successful upload stored.
func NewStasher(storage Storage, opts Options, log *logger.Logger, onBytes func(backend string, n int64)) *Stasher {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.URLExpiry <= 0 {
		opts.URLExpiry = DefaultURLExpiry
	}
	return &Stasher{
		storage: storage,
		opts:    opts,
		logger:  log,
		onBytes: onBytes,
		newID:   func() string { return uuid.New().String() },
	}
}

// Backend returns the storage backend name.
func (s *Stasher) Backend() string {
	return s.storage.Name()
}

// Stash uploads f and returns its reference URL. A File can be stashed once.
func (s *Stasher) Stash(ctx context.Context, f *File) (string, error) {
	if f == nil || f.reader == nil {
		return "", errors.New("stash: no file content")
	}
	if !f.used.CompareAndSwap(false, true) {
		return "", ErrConsumed
	}
	if f.length > s.opts.MaxSize {
		return "", fmt.Errorf("%w: %d bytes > %d", ErrTooLarge, f.length, s.opts.MaxSize)
	}

	br := bufio.NewReaderSize(f.reader, sniffLen)
	head, err := br.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return "", fmt.Errorf("stash: read file: %w", err)
	}

	filename := SanitizeFilename(f.filename)
	contentType := f.contentType
	if contentType == "" {
		contentType = InferContentType(filename, head)
	}
	key := path.Join(s.opts.Prefix, s.newID(), filename)

	lr := &limitReader{r: br, remaining: s.opts.MaxSize}
	err = s.storage.Put(ctx, key, lr, f.length, contentType)
	if lr.exceeded {
		return "", fmt.Errorf("%w: more than %d bytes", ErrTooLarge, s.opts.MaxSize)
	}
	if err != nil {
		return "", fmt.Errorf("stash upload to %s: %w", s.storage.Name(), err)
	}

	ref, err := s.storage.URL(ctx, key, s.opts.URLExpiry)
	if err != nil {
		return "", fmt.Errorf("stash url from %s: %w", s.storage.Name(), err)
	}

	if s.onBytes != nil {
		s.onBytes(s.storage.Name(), lr.read)
	}
	s.logger.Debug("", "", "file stashed", map[string]interface{}{
		"backend":      s.storage.Name(),
		"key":          key,
		"bytes":        lr.read,
		"content_type": contentType,
	})
	return ref, nil
}

var unsafeFilename = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeFilename strips directories and unsafe characters from name.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(strings.TrimSpace(name))
	name = unsafeFilename.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" || name == "/" {
		return defaultFilename
	}
	if len(name) > 200 {
		ext := filepath.Ext(name)
		if len(ext) > 20 {
			ext = ""
		}
		name = name[:200-len(ext)] + ext
	}
	return name
}

// InferContentType guesses a type from the filename extension, falling back
// to sniffing the first bytes.
func InferContentType(filename string, head []byte) string {
	if ext := filepath.Ext(filename); ext != "" {
		if t := mime.TypeByExtension(strings.ToLower(ext)); t != "" {
			return t
		}
	}
	if len(head) == 0 {
		return "application/octet-stream"
	}
	return http.DetectContentType(head)
}

// limitReader fails once more than remaining bytes have been read.
type limitReader struct {
	r         io.Reader
	remaining int64
	read      int64
	exceeded  bool
}

func (l *limitReader) Read(p []byte) (int, error) {
	if l.exceeded {
		return 0, ErrTooLarge
	}
	// one extra byte tells "exactly at the limit" from "over it"
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.read += int64(n)
	if int64(n) > l.remaining {
		l.exceeded = true
		l.read -= int64(n) - l.remaining
		return int(l.remaining), ErrTooLarge
	}
	l.remaining -= int64(n)
	return n, err
}
