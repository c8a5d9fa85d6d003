package bindfixture

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"vawter.tech/stopper"
)

// LogFollower streams lines appended to a log file to a handler. It is
// driven by filesystem notifications on the file's directory, so it sees
// the daemon's own log channel as well as its captured stdout/stderr.
type LogFollower struct {
	path    string
	handler func(line string)

	file    *os.File
	watcher *fsnotify.Watcher
	sctx    *stopper.Context

	mu      sync.Mutex
	reader  *bufio.Reader
	partial strings.Builder
}

// FollowLog starts following path from its beginning. handler is called
// from a single goroutine, once per complete line, without the newline.
func FollowLog(ctx context.Context, path string, handler func(line string)) (*LogFollower, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, &Error{Op: OpSpawn, Path: path, Err: err}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		_ = file.Close()
		return nil, &Error{Op: OpSpawn, Path: path, Err: err}
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		_ = file.Close()
		return nil, &Error{Op: OpSpawn, Path: path, Err: err}
	}

	f := &LogFollower{
		path:    path,
		handler: handler,
		file:    file,
		watcher: watcher,
		reader:  bufio.NewReader(file),
		sctx:    stopper.WithContext(ctx),
	}

	f.sctx.Defer(func() {
		_ = watcher.Close()
		f.drain(true)
		_ = file.Close()
	})

	f.drain(false)

	f.sctx.Go(func(sctx *stopper.Context) error {
		name := filepath.Base(path)
		for !sctx.IsStopping() {
			select {
			case <-sctx.Stopping():
				return nil

			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if filepath.Base(event.Name) == name && event.Has(fsnotify.Write) {
					f.drain(false)
				}

			case _, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
			}
		}
		return nil
	})

	return f, nil
}

// drain hands every complete line read so far to the handler. On flush a
// trailing partial line is handed over as well.
func (f *LogFollower) drain(flush bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for {
		chunk, err := f.reader.ReadString('\n')
		if strings.HasSuffix(chunk, "\n") {
			f.partial.WriteString(strings.TrimSuffix(chunk, "\n"))
			f.handler(f.partial.String())
			f.partial.Reset()
		} else {
			f.partial.WriteString(chunk)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return
			}
			break
		}
	}

	if flush && f.partial.Len() > 0 {
		f.handler(f.partial.String())
		f.partial.Reset()
	}
}

// Stop stops following after handing over whatever is left in the file
func (f *LogFollower) Stop() error {
	f.sctx.Stop(100 * time.Millisecond)
	return f.sctx.Wait()
}
