// Package avatarstore loads, edits and watches the named avatar configuration
// document shared by the daemon and the management CLI.
package avatarstore

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/DailyDosesAI/Kai-Voice-Call/internal/avatar"
	"github.com/go-playground/validator/v10"
)

// Entry is one named avatar in document order.
type Entry struct {
	Name   string
	Record avatar.Record
}

// Store is the in-memory view of one avatar configuration file. Reads never
// observe a partially applied load or edit.
type Store struct {
	path     string
	logger   *slog.Logger
	validate *validator.Validate

	mu    sync.RWMutex
	state *state
}

// Open binds a store to path. Nothing is read until Load.
func Open(path string, logger *slog.Logger) *Store {
	return &Store{
		path:     filepath.Clean(path),
		logger:   logger.With(slog.String("component", "avatar-store")),
		validate: validator.New(),
		state:    emptyState(),
	}
}

func (s *Store) Path() string { return s.path }

// Load replaces the in-memory state with the file contents. A missing file is
// an empty store. An existing but empty file is an error: it is what a reader
// sees midway through a truncate-and-write save. On error the previous state
// is kept.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("avatar configuration file not found", slog.String("path", s.path))
		s.swap(emptyState())
		return nil
	}
	if err != nil {
		return fmt.Errorf("read avatar configuration: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return malformed("%s is empty", s.path)
	}

	next, err := decode(data, !isYAML(s.path))
	if err != nil {
		return err
	}
	for _, name := range next.names {
		if err := s.check(name, next.records[name]); err != nil {
			return err
		}
	}
	s.swap(next)
	s.logger.Debug("avatar configuration loaded",
		slog.String("path", s.path),
		slog.Int("avatars", len(next.names)),
		slog.String("default", next.defaultName))
	return nil
}

func (s *Store) swap(next *state) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
}

// check runs struct validation and reports failures as configuration errors.
func (s *Store) check(name string, rec avatar.Record) error {
	err := s.validate.Struct(rec)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s (%s)", strings.ToLower(fe.Field()), fe.Tag()))
		}
		return &avatar.ConfigurationError{
			Provider: rec.Provider,
			Reason:   fmt.Sprintf("avatar %q: invalid %s", name, strings.Join(fields, ", ")),
		}
	}
	return &avatar.ConfigurationError{Provider: rec.Provider, Reason: fmt.Sprintf("avatar %q: %v", name, err)}
}

// Get returns the named record. An empty name resolves the default avatar.
// The record is a copy.
func (s *Store) Get(name string) (avatar.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if name == "" {
		name = s.state.defaultName
	}
	if name == "" {
		return avatar.Record{}, false
	}
	rec, ok := s.state.records[name]
	if !ok {
		return avatar.Record{}, false
	}
	return rec.Clone(), true
}

// Default names the default avatar, or "" when none is set.
func (s *Store) Default() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.defaultName
}

// List returns every avatar in document order.
func (s *Store) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.state.names))
	for _, name := range s.state.names {
		out = append(out, Entry{Name: name, Record: s.state.records[name].Clone()})
	}
	return out
}

// SetEnabled flips one avatar. Disabling the default moves the default to the
// first enabled avatar, else to the first avatar.
func (s *Store) SetEnabled(name string, enabled bool) error {
	return s.edit(func(st *state) error {
		rec, ok := st.records[name]
		if !ok {
			return &avatar.NotFoundError{Name: name}
		}
		rec.Enabled = enabled
		st.records[name] = rec
		if enabled || st.defaultName != name {
			return nil
		}
		st.defaultName = st.names[0]
		for _, n := range st.names {
			if st.records[n].Enabled {
				st.defaultName = n
				break
			}
		}
		return nil
	})
}

// Activate enables name, disables every other avatar and makes name the default.
func (s *Store) Activate(name string) error {
	return s.edit(func(st *state) error {
		if _, ok := st.records[name]; !ok {
			return &avatar.NotFoundError{Name: name}
		}
		for n, rec := range st.records {
			rec.Enabled = n == name
			st.records[n] = rec
		}
		st.defaultName = name
		return nil
	})
}

// Update replaces the named record, appending it when new.
func (s *Store) Update(name string, rec avatar.Record) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return &avatar.ConfigurationError{Provider: rec.Provider, Reason: "avatar name must not be empty"}
	}
	if err := s.check(name, rec); err != nil {
		return err
	}
	return s.edit(func(st *state) error {
		st.put(name, rec)
		return nil
	})
}

// edit applies fn to a copy of the state, persists it and only then publishes it.
func (s *Store) edit(fn func(*state) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.state.clone()
	if err := fn(next); err != nil {
		return err
	}
	if err := s.write(next); err != nil {
		return err
	}
	s.state = next
	return nil
}

// write persists atomically: temp file in the same directory, then rename.
func (s *Store) write(st *state) error {
	encode := encodeJSON
	if isYAML(s.path) {
		encode = encodeYAML
	}
	data, err := encode(st)
	if err != nil {
		return fmt.Errorf("encode avatar configuration: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write avatar configuration: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync avatar configuration: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("replace avatar configuration: %w", err)
	}
	return nil
}
