package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/Ashfaaq98/intelcore/internal/events"
	"github.com/Ashfaaq98/intelcore/internal/logging"
	"github.com/Ashfaaq98/intelcore/internal/metrics"
	"github.com/Ashfaaq98/intelcore/internal/store"
)

// FolderOptions controls folder ingestion.
type FolderOptions struct {
	Dir      string
	Watch    bool
	Patterns []string // e.g. []string{"*.txt"}
	Logger   *zap.Logger
	// When true and in Watch mode, start files at EOF on startup to avoid
	// re-ingesting existing lines each time the process starts.
	TailFromEnd bool
}

// Stats counts what an ingestion pass did.
type Stats struct {
	Ingested int
	Created  int
	Attached int
	Errors   int
}

// FolderIngestor ingests observable files (one observable per line) from a
// directory, one-shot or in watch mode.
type FolderIngestor struct {
	store  *store.Store
	events *events.Repository
	opts   FolderOptions
	logger *zap.Logger

	offsets map[string]int64 // per-file tail offset
	mu      sync.Mutex
	stats   Stats
}

// NewFolderIngestor constructs a folder ingestor.
func NewFolderIngestor(s *store.Store, repo *events.Repository, opts FolderOptions) *FolderIngestor {
	if len(opts.Patterns) == 0 {
		opts.Patterns = []string{"*.txt"}
	}
	return &FolderIngestor{
		store:   s,
		events:  repo,
		opts:    opts,
		logger:  logging.OrNop(opts.Logger),
		offsets: make(map[string]int64),
	}
}

// Stats returns a snapshot of the counters.
func (fi *FolderIngestor) Stats() Stats {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	return fi.stats
}

// Run executes the ingestion per options (one-shot or watch).
func (fi *FolderIngestor) Run(ctx context.Context) error {
	if err := fi.scanOnce(ctx); err != nil {
		return err
	}

	if !fi.opts.Watch {
		st := fi.Stats()
		fi.logger.Info("completed one-shot ingest",
			zap.Int("ingested", st.Ingested), zap.Int("created", st.Created),
			zap.Int("attached", st.Attached), zap.Int("errors", st.Errors))
		return nil
	}

	return fi.watchLoop(ctx)
}

func (fi *FolderIngestor) matches(name string) bool {
	lower := strings.ToLower(name)
	for _, pat := range fi.opts.Patterns {
		p := strings.TrimSpace(strings.ToLower(pat))
		ok, _ := filepath.Match(p, lower)
		if ok {
			return true
		}
	}
	return false
}

func (fi *FolderIngestor) scanOnce(ctx context.Context) error {
	entries, err := os.ReadDir(fi.opts.Dir)
	if err != nil {
		return fmt.Errorf("read dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !fi.matches(e.Name()) {
			continue
		}
		path := filepath.Join(fi.opts.Dir, e.Name())
		if fi.opts.Watch && fi.opts.TailFromEnd {
			if st, err := os.Stat(path); err == nil {
				fi.setOffset(path, st.Size())
			}
			continue
		}
		if err := fi.processFile(ctx, path); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fi.logger.Error("error processing file", zap.String("path", path), zap.Error(err))
			fi.countError()
		}
	}
	return nil
}

func (fi *FolderIngestor) watchLoop(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer w.Close()

	if err := w.Add(fi.opts.Dir); err != nil {
		return fmt.Errorf("watch add: %w", err)
	}

	fi.logger.Info("watching directory",
		zap.String("dir", fi.opts.Dir), zap.Strings("patterns", fi.opts.Patterns))
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			st := fi.Stats()
			fi.logger.Info("watch stopping", zap.Int("ingested", st.Ingested), zap.Int("errors", st.Errors))
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !fi.matches(filepath.Base(ev.Name)) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				if err := fi.processFile(ctx, ev.Name); err != nil {
					fi.logger.Error("error tailing file", zap.String("path", ev.Name), zap.Error(err))
					fi.countError()
				}
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				fi.mu.Lock()
				delete(fi.offsets, ev.Name)
				fi.mu.Unlock()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			fi.logger.Warn("watch error", zap.Error(err))
		case <-ticker.C:
			st := fi.Stats()
			fi.logger.Debug("ingest progress", zap.Int("ingested", st.Ingested), zap.Int("errors", st.Errors))
		}
	}
}

func (fi *FolderIngestor) setOffset(path string, off int64) {
	fi.mu.Lock()
	fi.offsets[path] = off
	fi.mu.Unlock()
}

func (fi *FolderIngestor) countError() {
	fi.mu.Lock()
	fi.stats.Errors++
	fi.mu.Unlock()
}

// processFile reads path from its last offset and records the new one.
func (fi *FolderIngestor) processFile(ctx context.Context, path string) error {
	fi.mu.Lock()
	start := fi.offsets[path]
	fi.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		// file might be transiently missing (rename/rotate)
		return err
	}
	defer f.Close()

	// truncated files start over
	if st, err := f.Stat(); err == nil && st.Size() < start {
		start = 0
	}
	if start > 0 {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			return err
		}
	}

	// in watch mode a trailing partial line is still being written
	n, err := fi.ingestLines(ctx, f, path, !fi.opts.Watch)
	fi.setOffset(path, start+n)
	return err
}

// IngestReader ingests every line of r and returns the updated stats.
func (fi *FolderIngestor) IngestReader(ctx context.Context, r io.Reader) (Stats, error) {
	_, err := fi.ingestLines(ctx, r, "reader", true)
	return fi.Stats(), err
}

// ingestLines consumes complete lines and returns how many bytes they spanned.
// A trailing line without a newline is only consumed when flushPartial is set.
func (fi *FolderIngestor) ingestLines(ctx context.Context, r io.Reader, source string, flushPartial bool) (int64, error) {
	br := bufio.NewReader(r)
	var consumed int64
	for {
		if err := ctx.Err(); err != nil {
			return consumed, err
		}
		line, err := br.ReadString('\n')
		if err == io.EOF {
			if line != "" && flushPartial {
				consumed += int64(len(line))
				fi.ingestLine(ctx, line, source)
			}
			return consumed, nil
		}
		if err != nil {
			return consumed, err
		}
		consumed += int64(len(line))
		fi.ingestLine(ctx, line, source)
	}
}

func (fi *FolderIngestor) ingestLine(ctx context.Context, line, source string) {
	raw := strings.TrimSpace(line)
	if raw == "" || strings.HasPrefix(raw, "#") {
		return
	}
	created, attached, err := fi.ingestObservable(ctx, Classify(raw))

	fi.mu.Lock()
	defer fi.mu.Unlock()
	if err != nil {
		fi.logger.Warn("failed to ingest observable",
			zap.String("source", source), zap.String("observable", raw), zap.Error(err))
		fi.stats.Errors++
		return
	}
	fi.stats.Ingested++
	fi.stats.Attached += attached
	if created {
		fi.stats.Created++
	}
}

func (fi *FolderIngestor) ingestObservable(ctx context.Context, obs Observable) (bool, int, error) {
	a, created, err := fi.store.GetOrCreateAnalyzable(ctx, obs.Name, obs.Classification)
	if err != nil {
		return false, 0, err
	}
	metrics.IngestedObservables.WithLabelValues(string(obs.Classification)).Inc()
	attached, err := fi.events.AttachMatches(ctx, *a)
	if err != nil {
		return created, attached, err
	}
	return created, attached, nil
}
