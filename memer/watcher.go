package memer

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"context"

	"github.com/fsnotify/fsnotify"
	"github.com/lmittmann/tint"
	"gopkg.in/yaml.v3"
)

// blockedDomainsFile is the YAML shape of the blocked-domains config:
//
//	blocked_domains:
//	  - example.com
//	  - cdn.example.net
type blockedDomainsFile struct {
	BlockedDomains []string `yaml:"blocked_domains"`
}

// blockedDomains rejects media from unwanted hosts. The backing YAML
// file is watched so edits apply without a restart.
type blockedDomains struct {
	path   string
	logger *slog.Logger

	mu  sync.RWMutex
	set map[string]struct{}
}

func newBlockedDomains(path string, logger *slog.Logger) *blockedDomains {
	if logger == nil {
		logger = slog.Default()
	}
	return &blockedDomains{
		path:   path,
		logger: logger.With(loggerNameKey, "blocked_domains"),
		set:    map[string]struct{}{},
	}
}

// Load (re)reads the YAML file. A missing file clears the list.
func (b *blockedDomains) Load() error {
	if b.path == "" {
		return nil
	}
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			b.mu.Lock()
			b.set = map[string]struct{}{}
			b.mu.Unlock()
			return nil
		}
		return err
	}

	var parsed blockedDomainsFile
	if err = yaml.Unmarshal(data, &parsed); err != nil {
		return err
	}

	set := make(map[string]struct{}, len(parsed.BlockedDomains))
	for _, domain := range parsed.BlockedDomains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain != "" {
			set[domain] = struct{}{}
		}
	}

	b.mu.Lock()
	b.set = set
	b.mu.Unlock()
	b.logger.Info("loaded blocked domains", "count", len(set))
	return nil
}

// Blocked reports whether the domain (or a parent domain) is blocked.
func (b *blockedDomains) Blocked(domain string) bool {
	domain = strings.ToLower(domain)
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.set) == 0 {
		return false
	}
	if _, ok := b.set[domain]; ok {
		return true
	}
	for {
		idx := strings.Index(domain, ".")
		if idx < 0 {
			return false
		}
		domain = domain[idx+1:]
		if _, ok := b.set[domain]; ok {
			return true
		}
	}
}

// Watch reloads the file on write/create events until ctx is
// cancelled. The parent directory is watched, since editors replace
// files rather than writing in place.
func (b *blockedDomains) Watch(ctx context.Context) error {
	if b.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() {
		_ = watcher.Close()
	}()

	dir := filepath.Dir(b.path)
	if err = watcher.Add(dir); err != nil {
		return err
	}
	b.logger.Info("watching blocked domains file", "path", b.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != b.path {
				continue
			}
			if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) {
				if loadErr := b.Load(); loadErr != nil {
					b.logger.Warn(
						"error reloading blocked domains",
						tint.Err(loadErr),
					)
				}
			}
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			b.logger.Warn("watcher error", tint.Err(watchErr))
		}
	}
}
