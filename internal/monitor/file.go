package monitor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/sessioncore/internal/logging"
)

// FileExecution follows a log file written by a process running elsewhere.
// Input, if given, receives whatever is sent to the process.
type FileExecution struct {
	path    string
	watcher *fsnotify.Watcher
	in      io.Writer

	out   outputBuffer
	input listeners

	mu     sync.Mutex
	offset int64

	stopCh chan struct{}
	doneCh chan struct{}
	log    zerolog.Logger
}

// TailFile starts following path from its beginning. The file may not
// exist yet.
func TailFile(path string, input io.Writer) (*FileExecution, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// watch the directory so that re-created files are seen
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	f := &FileExecution{
		path:    abs,
		watcher: w,
		in:      input,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		log:     logging.Component("monitor").With().Str("file", abs).Logger(),
	}
	f.readNew()
	go f.run()
	return f, nil
}

func (f *FileExecution) run() {
	defer close(f.doneCh)
	for {
		select {
		case <-f.stopCh:
			return
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != f.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				f.readNew()
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.log.Error().Err(err).Msg("file watcher error")
		}
	}
}

// readNew appends bytes written since the last read. A file that shrank
// was truncated and is read again from the start.
func (f *FileExecution) readNew() {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path)
	if err != nil {
		if !os.IsNotExist(err) {
			f.log.Debug().Err(err).Msg("open failed")
		}
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return
	}
	if info.Size() < f.offset {
		f.offset = 0
	}
	if _, err := file.Seek(f.offset, io.SeekStart); err != nil {
		return
	}
	n, err := io.Copy(&f.out, file)
	f.offset += n
	if err != nil {
		f.log.Debug().Err(err).Msg("read failed")
	}
}

func (f *FileExecution) Output() string { return f.out.String() }

func (f *FileExecution) OnData(fn func(string)) func() { return f.out.data.add(fn) }

func (f *FileExecution) OnInput(fn func(string)) func() { return f.input.add(fn) }

func (f *FileExecution) Send(text string, addNewline bool) error {
	if f.in == nil {
		return ErrNoInput
	}
	if addNewline {
		text += "\n"
	}
	_, err := io.WriteString(f.in, text)
	return err
}

// Type sends text as if the user typed it.
func (f *FileExecution) Type(text string) error {
	if err := f.Send(text, false); err != nil {
		return err
	}
	f.input.emit(text)
	return nil
}

// Close stops following the file.
func (f *FileExecution) Close() error {
	select {
	case <-f.stopCh:
	default:
		close(f.stopCh)
	}
	<-f.doneCh
	return f.watcher.Close()
}
