package rules

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Holder publishes the current RuleSet. Jobs call Current once at start and
// keep that snapshot for their whole run, so a reload never changes the
// rules under an in-flight job.
type Holder struct {
	current atomic.Pointer[RuleSet]
}

// NewHolder returns a Holder publishing rs.
func NewHolder(rs *RuleSet) *Holder {
	h := &Holder{}
	h.current.Store(rs)
	return h
}

// Current returns the published RuleSet.
func (h *Holder) Current() *RuleSet { return h.current.Load() }

// Swap publishes rs and returns the previous RuleSet.
func (h *Holder) Swap(rs *RuleSet) *RuleSet { return h.current.Swap(rs) }

// Watch reloads the rule files in dir whenever one of them changes and
// publishes the result to h. A reload that fails with ErrConfig is logged
// and the previous RuleSet stays in place. Watch blocks until ctx is done.
func Watch(ctx context.Context, dir string, h *Holder) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating rules watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the files: editors replace files on save.
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching rules directory %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(ev.Name)
			if name != ProtectedFile && name != PatternsFile {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			reload(ctx, dir, h)
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(werr).Str("rules_dir", dir).Msg("rules_watch_error")
		}
	}
}

func reload(ctx context.Context, dir string, h *Holder) {
	rs, err := LoadDir(ctx, dir)
	if err != nil {
		log.Error().Err(err).Str("rules_dir", dir).Msg("rules_reload_rejected")
		return
	}
	prev := h.Swap(rs)
	if prev != nil && prev.Fingerprint() == rs.Fingerprint() {
		return
	}
	log.Info().
		Str("rules_dir", dir).
		Str("fingerprint", rs.Fingerprint()).
		Int("rules", rs.Len()).
		Msg("rules_reloaded")
}
