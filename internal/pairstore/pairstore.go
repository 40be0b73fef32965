// Package pairstore keeps the durable record of confirmed device pairs.
//
// The store is backed by a single JSON file that is loaded once at startup
// and rewritten in full on every mutation. All mutations go through one
// mutex so concurrent confirmations can never lose a write to a
// read-modify-write race.
package pairstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrAlreadyPaired is returned by AddPair when one of the pair's device
// uuids is already present in a stored pair.
var ErrAlreadyPaired = errors.New("pairstore: device is already paired")

// Device identifies one endpoint of a pair.
type Device struct {
	Name string `json:"name"`
	UUID string `json:"uuid"`
}

// Pair is a confirmed association between a VR device and a desktop device.
type Pair struct {
	VRDevice      Device `json:"vrDevice"`
	DesktopDevice Device `json:"desktopDevice"`
}

// Contains reports whether id matches either device's uuid.
func (p Pair) Contains(id string) bool {
	return p.VRDevice.UUID == id || p.DesktopDevice.UUID == id
}

// Counterpart returns the device on the other side of the pair from id.
func (p Pair) Counterpart(id string) (Device, bool) {
	switch id {
	case p.VRDevice.UUID:
		return p.DesktopDevice, true
	case p.DesktopDevice.UUID:
		return p.VRDevice, true
	default:
		return Device{}, false
	}
}

// fileLayout is the on-disk shape, matching the historical db.json layout.
type fileLayout struct {
	Pairs []Pair `json:"pairs"`
}

// Store owns the pair list and its backing file. All access goes through
// its methods; nothing else touches the file.
type Store struct {
	path string

	mu    sync.Mutex
	pairs []Pair
}

// Open loads the store from path. A missing or unparseable file yields an
// empty store so the server can start fresh; other I/O errors are returned.
func Open(path string) (*Store, error) {
	s := &Store{path: path}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pairstore: read %s: %w", path, err)
	}

	var file fileLayout
	if err := json.Unmarshal(raw, &file); err != nil {
		// Corrupt file: start fresh rather than refusing to boot. The next
		// successful mutation overwrites it.
		return s, nil
	}
	s.pairs = file.Pairs
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// IsPaired reports whether id appears in any stored pair.
func (s *Store) IsPaired(id string) bool {
	_, ok := s.PairFor(id)
	return ok
}

// PairFor returns the first pair containing id.
func (s *Store) PairFor(id string) (Pair, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pairs {
		if p.Contains(id) {
			return p, true
		}
	}
	return Pair{}, false
}

// Pairs returns a copy of the stored pairs.
func (s *Store) Pairs() []Pair {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Pair, len(s.pairs))
	copy(out, s.pairs)
	return out
}

// AddPair appends the pair and persists the store. It fails with
// ErrAlreadyPaired if either uuid is already present; on a persistence
// failure the in-memory list is rolled back so memory and disk stay in sync.
func (s *Store) AddPair(pair Pair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.pairs {
		if existing.Contains(pair.VRDevice.UUID) || existing.Contains(pair.DesktopDevice.UUID) {
			return ErrAlreadyPaired
		}
	}

	s.pairs = append(s.pairs, pair)
	if err := s.persistLocked(); err != nil {
		s.pairs = s.pairs[:len(s.pairs)-1]
		return err
	}
	return nil
}

// Clear empties the store and persists. Clearing an already-empty store is
// a no-op that still rewrites the file.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.pairs
	s.pairs = nil
	if err := s.persistLocked(); err != nil {
		s.pairs = prev
		return err
	}
	return nil
}

// persistLocked rewrites the backing file. It writes to a temp file in the
// same directory and renames it over the target so a crash mid-write never
// leaves a truncated store behind.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(fileLayout{Pairs: s.pairs}, "", "  ")
	if err != nil {
		return fmt.Errorf("pairstore: encode: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("pairstore: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("pairstore: write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("pairstore: sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("pairstore: close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("pairstore: rename %s: %w", tmpName, err)
	}
	return nil
}
