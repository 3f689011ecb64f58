// Package sessions persists conversation history as JSONL files plus a
// newest-first index, with atomic rewrites and per-session serialization
// of index updates.
package sessions

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/synapsehq/synapse/pkg/models"
)

const (
	indexVersion   = "1.0.0"
	indexFileName  = "sessions.json"
	offloadDirName = "offloaded"

	// maxTitleChars bounds the title derived from the first user message.
	maxTitleChars = 50

	// maxLineBytes bounds one JSONL line on load.
	maxLineBytes = 16 << 20
)

// ErrSessionNotFound is returned for operations on an unknown session id.
var ErrSessionNotFound = errors.New("session not found")

// PricingFunc computes the cost of a session's usage. nil result means
// cost unknown for the model.
type PricingFunc func(usage models.SessionUsage, model string) *float64

// Config configures a Store.
type Config struct {
	// Dir is the sessions root; defaults to ~/.synapse/sessions.
	Dir string

	// MaxSessions caps the index; oldest sessions are evicted with their
	// files. Defaults to 100.
	MaxSessions int

	Pricing PricingFunc
	Logger  *slog.Logger

	// Now and RandomID are injectable for tests.
	Now      func() time.Time
	RandomID func() string
}

// DefaultConfig returns the stock store configuration.
func DefaultConfig() Config {
	dir := ""
	if home, err := os.UserHomeDir(); err == nil {
		dir = filepath.Join(home, ".synapse", "sessions")
	}
	return Config{Dir: dir, MaxSessions: 100}
}

type indexFile struct {
	Version   string                `json:"version"`
	UpdatedAt time.Time             `json:"updated_at"`
	Sessions  []*models.SessionInfo `json:"sessions"`
}

// Store is a disk-backed session store. A single process owns the
// directory; index mutations are serialized per session so interleaved
// updates land in some serial order.
type Store struct {
	dir         string
	maxSessions int
	pricing     PricingFunc
	logger      *slog.Logger
	now         func() time.Time
	randomID    func() string

	mu    sync.Mutex // guards index and locks
	index indexFile
	locks map[string]*sync.Mutex
}

// New creates a store rooted at cfg.Dir, loading an existing index.
func New(cfg Config) (*Store, error) {
	def := DefaultConfig()
	if cfg.Dir == "" {
		cfg.Dir = def.Dir
	}
	if cfg.Dir == "" {
		return nil, errors.New("sessions: no directory configured")
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = def.MaxSessions
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("sessions: create dir: %w", err)
	}

	s := &Store{
		dir:         cfg.Dir,
		maxSessions: cfg.MaxSessions,
		pricing:     cfg.Pricing,
		logger:      cfg.Logger.With("component", "sessions"),
		now:         cfg.Now,
		randomID:    cfg.RandomID,
		index:       indexFile{Version: indexVersion},
		locks:       make(map[string]*sync.Mutex),
	}
	if s.randomID == nil {
		s.randomID = func() string { return newSessionID(s.now()) }
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// newSessionID builds "session-<base36-time>-<6-random>".
func newSessionID(now time.Time) string {
	return "session-" + strconv.FormatInt(now.UnixMilli(), 36) + "-" + randomBase36(6)
}

func randomBase36(n int) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// Time-derived fallback; collision risk is acceptable for temp
		// suffixes and id entropy only degrades, never fails.
		t := time.Now().UnixNano()
		for i := range buf {
			buf[i] = alphabet[t%36]
			t /= 36
		}
		return string(buf)
	}
	for i := range buf {
		buf[i] = alphabet[int(buf[i])%36]
	}
	return string(buf)
}

func (s *Store) sessionLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

// Path returns the JSONL file for a session.
func (s *Store) Path(id string) string {
	return filepath.Join(s.dir, id+".jsonl")
}

// OffloadDir returns the offload artifact directory for a session.
func (s *Store) OffloadDir(id string) string {
	return filepath.Join(s.dir, id, offloadDirName)
}

// Create registers a new session and prepends it to the index, evicting
// overflow beyond the cap.
func (s *Store) Create(ctx context.Context, cwd string) (*models.SessionInfo, error) {
	now := s.now()
	info := &models.SessionInfo{
		ID:        s.randomID(),
		CreatedAt: now,
		UpdatedAt: now,
		Cwd:       cwd,
	}

	s.mu.Lock()
	s.index.Sessions = append([]*models.SessionInfo{info}, s.index.Sessions...)
	var evicted []*models.SessionInfo
	if len(s.index.Sessions) > s.maxSessions {
		evicted = s.index.Sessions[s.maxSessions:]
		s.index.Sessions = s.index.Sessions[:s.maxSessions]
	}
	err := s.saveIndexLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	for _, old := range evicted {
		s.removeFiles(old.ID)
		s.logger.Info("evicted session over cap", "session", old.ID)
	}
	out := *info
	return &out, nil
}

// Find returns the index entry for a session id.
func (s *Store) Find(id string) (*models.SessionInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, info := range s.index.Sessions {
		if info.ID == id {
			out := *info
			return &out, true
		}
	}
	return nil, false
}

// List returns all sessions newest-first.
func (s *Store) List() []*models.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.SessionInfo, 0, len(s.index.Sessions))
	for _, info := range s.index.Sessions {
		copied := *info
		out = append(out, &copied)
	}
	return out
}

// Continue returns the most recent non-empty session other than current.
func (s *Store) Continue(current string) (*models.SessionInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, info := range s.index.Sessions {
		if info.ID != current && info.MessageCount > 0 {
			out := *info
			return &out, true
		}
	}
	return nil, false
}

// AppendMessages appends JSONL lines and updates the index entry. The
// session's title is derived from its first user message.
func (s *Store) AppendMessages(ctx context.Context, id string, msgs ...models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	lock := s.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.OpenFile(s.Path(id), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("sessions: open %s: %w", id, err)
	}
	w := bufio.NewWriter(f)
	for _, msg := range msgs {
		line, err := json.Marshal(msg)
		if err != nil {
			f.Close()
			return fmt.Errorf("sessions: encode message: %w", err)
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("sessions: append %s: %w", id, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("sessions: close %s: %w", id, err)
	}

	return s.updateIndex(id, func(info *models.SessionInfo) {
		info.MessageCount += len(msgs)
		info.UpdatedAt = s.now()
		if info.Title == "" {
			for _, msg := range msgs {
				if msg.Role == models.RoleUser {
					info.Title = deriveTitle(msg.Text())
					break
				}
			}
		}
	})
}

// deriveTitle flattens and truncates text for the index.
func deriveTitle(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= maxTitleChars {
		return text
	}
	return string(runes[:maxTitleChars]) + "…"
}

// LoadHistory parses the session's JSONL. Corrupt lines are skipped with
// a warning rather than aborting the load.
func (s *Store) LoadHistory(id string) ([]models.Message, error) {
	lock := s.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(s.Path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("sessions: open %s: %w", id, err)
	}
	defer f.Close()

	var history []models.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64<<10), maxLineBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			s.logger.Warn("skipping corrupt history line", "session", id, "line", lineNo, "error", err)
			continue
		}
		history = append(history, msg)
	}
	if err := scanner.Err(); err != nil {
		return history, fmt.Errorf("sessions: read %s: %w", id, err)
	}
	return history, nil
}

// RewriteHistory replaces the JSONL atomically: write to a temp file,
// fsync, rename over the original. A failed write never corrupts the
// existing file.
func (s *Store) RewriteHistory(ctx context.Context, id string, msgs []models.Message) error {
	lock := s.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	path := s.Path(id)
	tmp := path + ".tmp-" + randomBase36(6)
	if err := writeJSONL(tmp, msgs); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("sessions: rewrite %s: %w", id, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("sessions: rewrite %s: %w", id, err)
	}

	return s.updateIndex(id, func(info *models.SessionInfo) {
		info.MessageCount = len(msgs)
		info.UpdatedAt = s.now()
	})
}

func writeJSONL(path string, msgs []models.Message) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, msg := range msgs {
		line, err := json.Marshal(msg)
		if err != nil {
			f.Close()
			return err
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Clear truncates the session's history and removes its offload
// directory. Usage is reset unless preserveUsage is set.
func (s *Store) Clear(ctx context.Context, id string, preserveUsage bool) error {
	lock := s.sessionLock(id)
	lock.Lock()
	if err := os.WriteFile(s.Path(id), nil, 0o644); err != nil && !os.IsNotExist(err) {
		lock.Unlock()
		return fmt.Errorf("sessions: clear %s: %w", id, err)
	}
	os.RemoveAll(filepath.Join(s.dir, id))
	lock.Unlock()

	return s.updateIndex(id, func(info *models.SessionInfo) {
		info.MessageCount = 0
		info.UpdatedAt = s.now()
		if !preserveUsage {
			info.Usage = nil
		}
	})
}

// Delete removes the session's files and index entry.
func (s *Store) Delete(ctx context.Context, id string) error {
	lock := s.sessionLock(id)
	lock.Lock()
	s.removeFiles(id)
	lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, info := range s.index.Sessions {
		if info.ID == id {
			s.index.Sessions = append(s.index.Sessions[:i], s.index.Sessions[i+1:]...)
			delete(s.locks, id)
			return s.saveIndexLocked()
		}
	}
	return ErrSessionNotFound
}

func (s *Store) removeFiles(id string) {
	os.Remove(s.Path(id))
	os.RemoveAll(filepath.Join(s.dir, id))
}

// UpdateUsage accumulates one LLM round into the session's tally and
// recomputes cost through the pricing function.
func (s *Store) UpdateUsage(ctx context.Context, id string, round models.TokenUsage, model string) error {
	return s.updateIndex(id, func(info *models.SessionInfo) {
		if info.Usage == nil {
			info.Usage = &models.SessionUsage{}
		}
		info.Usage.AddRound(round, model)
		if s.pricing != nil {
			info.Usage.TotalCost = s.pricing(*info.Usage, info.Usage.Model)
		}
		info.UpdatedAt = s.now()
	})
}

// Usage returns the session's running tally, zero when unknown.
func (s *Store) Usage(id string) models.SessionUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, info := range s.index.Sessions {
		if info.ID == id && info.Usage != nil {
			return *info.Usage
		}
	}
	return models.SessionUsage{}
}

// updateIndex applies fn to the session's entry and persists the index.
func (s *Store) updateIndex(id string, fn func(*models.SessionInfo)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, info := range s.index.Sessions {
		if info.ID == id {
			fn(info)
			return s.saveIndexLocked()
		}
	}
	return fmt.Errorf("sessions: %w: %s", ErrSessionNotFound, id)
}

func (s *Store) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(s.dir, indexFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("sessions: read index: %w", err)
	}
	var idx indexFile
	if err := json.Unmarshal(data, &idx); err != nil {
		s.logger.Warn("index file corrupt, starting empty", "error", err)
		return nil
	}
	if idx.Version == "" {
		idx.Version = indexVersion
	}
	s.index = idx
	return nil
}

// saveIndexLocked writes the index atomically. Caller holds s.mu.
func (s *Store) saveIndexLocked() error {
	s.index.Version = indexVersion
	s.index.UpdatedAt = s.now()
	data, err := json.MarshalIndent(&s.index, "", "  ")
	if err != nil {
		return fmt.Errorf("sessions: encode index: %w", err)
	}
	path := filepath.Join(s.dir, indexFileName)
	tmp := path + ".tmp-" + randomBase36(6)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("sessions: write index: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("sessions: write index: %w", err)
	}
	return nil
}
