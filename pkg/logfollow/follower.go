// Package logfollow multiplexes several growing log files onto one writer,
// the way `tail -F a.log b.log` does.
package logfollow

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/core-tools/hsu-harness/pkg/errors"
	"github.com/core-tools/hsu-harness/pkg/logging"
)

const defaultPollInterval = 250 * time.Millisecond

type Options struct {
	Files  []string
	Output io.Writer
	// Headers prints "==> file <==" whenever output switches to another file
	Headers bool
	// FromStart reads files that already exist from offset 0 instead of their end
	FromStart    bool
	PollInterval time.Duration
}

type Follower struct {
	options Options
	logger  logging.Logger
	files   []*followedFile
	last    *followedFile
	wrote   bool
	ready   chan struct{}
}

type followedFile struct {
	path    string
	file    *os.File
	info    os.FileInfo
	offset  int64
	pending []byte
}

func New(options Options, logger logging.Logger) (*Follower, error) {
	if len(options.Files) == 0 {
		return nil, errors.NewValidationError("at least one file to follow is required", nil)
	}
	if options.Output == nil {
		return nil, errors.NewValidationError("output writer is required", nil)
	}
	if options.PollInterval <= 0 {
		options.PollInterval = defaultPollInterval
	}

	f := &Follower{options: options, logger: logger, ready: make(chan struct{})}
	seen := make(map[string]bool)
	for _, path := range options.Files {
		if seen[path] {
			return nil, errors.NewConflictError("file is listed twice", nil).WithContext("path", path)
		}
		seen[path] = true
		f.files = append(f.files, &followedFile{path: path})
	}
	return f, nil
}

// Run follows the files until ctx is cancelled. Files may not exist yet,
// may be truncated or recreated; following resumes in each case.
func (f *Follower) Run(ctx context.Context) error {
	f.logger.Debugf("Following log files: %v", f.options.Files)

	for _, file := range f.files {
		f.open(file, f.options.FromStart)
	}
	defer f.closeAll()

	var events <-chan fsnotify.Event
	var watchErrors <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		f.logger.Warnf("File notifications unavailable, polling only, error: %v", err)
	} else {
		defer watcher.Close()
		for _, dir := range f.dirs() {
			if err := watcher.Add(dir); err != nil {
				f.logger.Warnf("Failed to watch directory %s, polling only for it, error: %v", dir, err)
			}
		}
		events = watcher.Events
		watchErrors = watcher.Errors
	}

	ticker := time.NewTicker(f.options.PollInterval)
	defer ticker.Stop()

	f.drainAll()
	close(f.ready)

	for {
		select {
		case <-ctx.Done():
			f.drainAll()
			f.flushPending()
			return nil

		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if file := f.lookup(event.Name); file != nil {
				f.drain(file)
			}

		case err, ok := <-watchErrors:
			if !ok {
				watchErrors = nil
				continue
			}
			f.logger.Warnf("File watcher error: %v", err)

		case <-ticker.C:
			f.drainAll()
		}
	}
}

// Ready is closed once Run has taken its starting offsets and is watching;
// anything written after that is emitted.
func (f *Follower) Ready() <-chan struct{} {
	return f.ready
}

func (f *Follower) dirs() []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, file := range f.files {
		dir := filepath.Dir(file.path)
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

func (f *Follower) lookup(name string) *followedFile {
	clean := filepath.Clean(name)
	for _, file := range f.files {
		if filepath.Clean(file.path) == clean {
			return file
		}
	}
	return nil
}

// open opens the file if present. fromStart decides where reading begins
// for a file that already had content.
func (f *Follower) open(file *followedFile, fromStart bool) {
	handle, err := os.Open(file.path)
	if err != nil {
		return
	}
	info, err := handle.Stat()
	if err != nil {
		handle.Close()
		return
	}
	file.file = handle
	file.info = info
	file.offset = 0
	file.pending = nil
	if !fromStart {
		file.offset = info.Size()
	}
}

func (f *Follower) drainAll() {
	for _, file := range f.files {
		f.drain(file)
	}
}

func (f *Follower) drain(file *followedFile) {
	info, err := os.Stat(file.path)
	if err != nil {
		// gone for now; pick it up from the start when it reappears
		if file.file != nil {
			file.file.Close()
			file.file = nil
		}
		return
	}

	if file.file == nil {
		// a file created after we started is always read from the beginning
		f.open(file, true)
		if file.file == nil {
			return
		}
	} else if !os.SameFile(info, file.info) {
		f.logger.Debugf("Log file was recreated, following new file: %s", file.path)
		file.file.Close()
		file.file = nil
		f.open(file, true)
		if file.file == nil {
			return
		}
	} else if info.Size() < file.offset {
		f.logger.Debugf("Log file was truncated, following from start: %s", file.path)
		file.offset = 0
		file.pending = nil
	}

	if _, err := file.file.Seek(file.offset, io.SeekStart); err != nil {
		f.logger.Warnf("Failed to seek log file %s: %v", file.path, err)
		return
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := file.file.Read(buf)
		if n > 0 {
			file.offset += int64(n)
			file.pending = append(file.pending, buf[:n]...)
		}
		if err != nil {
			break
		}
	}

	if idx := bytes.LastIndexByte(file.pending, '\n'); idx >= 0 {
		f.emit(file, file.pending[:idx+1])
		file.pending = append([]byte(nil), file.pending[idx+1:]...)
	}
}

func (f *Follower) flushPending() {
	for _, file := range f.files {
		if len(file.pending) > 0 {
			f.emit(file, append(file.pending, '\n'))
			file.pending = nil
		}
	}
}

func (f *Follower) emit(file *followedFile, data []byte) {
	if f.options.Headers && f.last != file {
		if f.wrote {
			fmt.Fprintf(f.options.Output, "\n==> %s <==\n", file.path)
		} else {
			fmt.Fprintf(f.options.Output, "==> %s <==\n", file.path)
		}
	}
	if _, err := f.options.Output.Write(data); err != nil {
		f.logger.Warnf("Failed to write followed lines from %s: %v", file.path, err)
	}
	f.last = file
	f.wrote = true
}

func (f *Follower) closeAll() {
	for _, file := range f.files {
		if file.file != nil {
			file.file.Close()
			file.file = nil
		}
	}
}
