// Package ruleset implements the local rule-list store the policy engine
// consults: a hot-reloaded local rule file plus temporary, expiring rules
// added through the admin API.
package ruleset

import (
	"bufio"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Rule is one local-rule-file entry: a domain pattern, matched against a
// host exactly or as a dot-separated suffix (no glob or wildcard syntax),
// and the expiry it was added with (zero means "no expiry", matching
// persistent rule-file lines).
type Rule struct {
	Pattern string
	Expire  time.Time
}

// Store holds the local rule set and reloads it whenever the backing file
// changes.
type Store struct {
	mu    sync.RWMutex
	rules map[string]time.Time

	path    string
	log     *slog.Logger
	watcher *fsnotify.Watcher
}

// NewStore loads path (if non-empty) and starts watching it for changes.
// An empty path yields an empty, static store — useful when no local
// rule-list file is configured.
func NewStore(path string, log *slog.Logger) (*Store, error) {
	s := &Store{rules: make(map[string]time.Time), path: path, log: log}
	if path == "" {
		return s, nil
	}
	if err := s.reload(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}
	s.watcher = w
	go s.watch()
	return s, nil
}

func (s *Store) watch() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := s.reload(); err != nil && s.log != nil {
					s.log.Warn("ruleset reload failed", "path", s.path, "err", err)
				}
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			if s.log != nil {
				s.log.Warn("ruleset watcher error", "err", err)
			}
		}
	}
}

func (s *Store) reload() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	rules := make(map[string]time.Time)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rules[line] = time.Time{}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	for pattern, exp := range s.rules {
		if !exp.IsZero() {
			rules[pattern] = exp
		}
	}
	s.rules = rules
	s.mu.Unlock()
	return nil
}

// Matches reports whether host matches a rule — either a persisted
// rule-file suffix or a temporary one added via AddTemp that hasn't
// expired.
func (s *Store) Matches(host string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for pattern, exp := range s.rules {
		if !exp.IsZero() && time.Now().After(exp) {
			continue
		}
		if suffixMatch(host, pattern) {
			return true
		}
	}
	return false
}

func suffixMatch(host, pattern string) bool {
	if host == pattern {
		return true
	}
	return strings.HasSuffix(host, "."+pattern)
}

// AddTemp adds a temporary rule expiring after ttlSeconds.
// ttlSeconds <= 0 means "no expiry".
func (s *Store) AddTemp(pattern string, ttlSeconds int) {
	exp := time.Time{}
	if ttlSeconds > 0 {
		exp = time.Now().Add(time.Duration(ttlSeconds) * time.Second)
	}
	s.mu.Lock()
	s.rules[pattern] = exp
	s.mu.Unlock()
}

// Remove deletes pattern, returning the expiry it had (zero Time if it had
// none, or if it wasn't present).
func (s *Store) Remove(pattern string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp := s.rules[pattern]
	delete(s.rules, pattern)
	return exp
}

// List returns every rule currently held, for the admin API's GET
// /api/localrule.
func (s *Store) List() []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Rule, 0, len(s.rules))
	for pattern, exp := range s.rules {
		out = append(out, Rule{Pattern: pattern, Expire: exp})
	}
	return out
}

// Close stops the file watcher, if any.
func (s *Store) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
