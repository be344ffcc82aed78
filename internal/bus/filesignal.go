package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileSignal is the fallback Signal for environments without a running
// hub: consumers sharing a data directory communicate through a single
// signal file watched with fsnotify. Publish rewrites the file; every
// other watcher picks the change up.
type FileSignal struct {
	path     string
	watcher  *fsnotify.Watcher
	incoming chan Message
	done     chan struct{}
	wg       sync.WaitGroup
	logger   *log.Logger

	mu   sync.Mutex
	last Message // last message we published, to suppress self-echo
}

// NewFileSignal watches the signal file at path. The parent directory
// must exist; the file itself need not.
//
// If logger is nil, a default logger writing to stderr is used.
func NewFileSignal(path string, logger *log.Logger) (*FileSignal, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[signal] ", log.LstdFlags)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch signal directory: %w", err)
	}

	fs := &FileSignal{
		path:     path,
		watcher:  watcher,
		incoming: make(chan Message, 100),
		done:     make(chan struct{}),
		logger:   logger,
	}

	fs.wg.Add(1)
	go fs.processEvents()
	return fs, nil
}

// Publish implements Signal. The file is staged and renamed so a
// concurrent reader never sees a partial write.
func (fs *FileSignal) Publish(ctx context.Context, msg Message) error {
	if msg.TS == 0 {
		msg.TS = time.Now().UnixMilli()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}

	fs.mu.Lock()
	fs.last = msg
	fs.mu.Unlock()

	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to stage signal file: %w", err)
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit signal file: %w", err)
	}
	return nil
}

// Subscribe implements Signal.
func (fs *FileSignal) Subscribe() <-chan Message {
	return fs.incoming
}

// Close implements Signal.
func (fs *FileSignal) Close() error {
	close(fs.done)
	if err := fs.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	fs.wg.Wait()
	close(fs.incoming)
	return nil
}

func (fs *FileSignal) processEvents() {
	defer fs.wg.Done()

	for {
		select {
		case <-fs.done:
			return

		case event, ok := <-fs.watcher.Events:
			if !ok {
				return
			}
			if event.Name != fs.path {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}

			msg, ok := fs.readSignal()
			if !ok {
				continue
			}

			fs.mu.Lock()
			own := msg == fs.last
			fs.mu.Unlock()
			if own {
				continue
			}

			select {
			case fs.incoming <- msg:
			case <-fs.done:
				return
			}

		case err, ok := <-fs.watcher.Errors:
			if !ok {
				return
			}
			fs.logger.Printf("signal watcher error: %v", err)
		}
	}
}

func (fs *FileSignal) readSignal() (Message, bool) {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		return Message{}, false
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		fs.logger.Printf("dropping malformed signal file: %v", err)
		return Message{}, false
	}
	return msg, true
}
