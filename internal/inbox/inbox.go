// Package inbox turns files dropped into a directory into archive jobs.
package inbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/relayarchive/internal/jobs"
)

const DefaultDebounce = 250 * time.Millisecond

var allowedExts = map[string]struct{}{
	".url": {},
	".txt": {},
}

// Enqueuer accepts one URL for archiving.
type Enqueuer interface {
	Enqueue(rawURL, platform string, options map[string]string) (jobs.Job, error)
}

type Options struct {
	Dir      string
	Debounce time.Duration
	Logger   *slog.Logger
}

type Watcher struct {
	dir      string
	debounce time.Duration
	target   Enqueuer
	logger   *slog.Logger

	mu sync.Mutex
}

func New(target Enqueuer, opts Options) (*Watcher, error) {
	if target == nil {
		return nil, errors.New("inbox requires an enqueuer")
	}
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, errors.New("inbox directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create inbox dir: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{dir: dir, debounce: debounce, target: target, logger: logger}, nil
}

// Run drains files already in the directory, then watches for new ones until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	if _, err := w.Scan(); err != nil {
		w.logger.Warn("initial inbox scan failed", "dir", w.dir, "error", err)
	}

	pending := map[string]struct{}{}
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !allowed(ev.Name) || ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			pending[ev.Name] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			for path := range pending {
				delete(pending, path)
				if _, err := w.ProcessFile(path); err != nil && !errors.Is(err, os.ErrNotExist) {
					w.logger.Warn("inbox file failed", "path", path, "error", err)
				}
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("inbox watcher error", "error", err)
		}
	}
}

// Scan processes every eligible file currently in the directory.
func (w *Watcher) Scan() (int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, err
	}
	total := 0
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || !allowed(entry.Name()) {
			continue
		}
		n, err := w.ProcessFile(filepath.Join(w.dir, entry.Name()))
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// ProcessFile enqueues every URL line in path and removes the file. Blank lines and
// lines starting with # are skipped. A line may be "platform<TAB>url".
func (w *Watcher) ProcessFile(path string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	entries, err := parseLines(f)
	f.Close()
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}

	enqueued := 0
	var errs []error
	for _, entry := range entries {
		job, err := w.target.Enqueue(entry.url, entry.platform, nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("enqueue %s: %w", entry.url, err))
			continue
		}
		enqueued++
		w.logger.Info("inbox url enqueued", "job_id", job.ID, "url", job.URL, "file", filepath.Base(path))
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("remove %s: %w", path, err))
	}
	return enqueued, errors.Join(errs...)
}

type entry struct {
	platform string
	url      string
}

func parseLines(r io.Reader) ([]entry, error) {
	var out []entry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var e entry
		if platform, rawURL, ok := strings.Cut(line, "\t"); ok {
			e.platform = strings.TrimSpace(platform)
			e.url = strings.TrimSpace(rawURL)
		} else {
			e.url = line
		}
		if e.url == "" {
			continue
		}
		out = append(out, e)
	}
	return out, scanner.Err()
}

func allowed(path string) bool {
	_, ok := allowedExts[strings.ToLower(filepath.Ext(path))]
	return ok
}
