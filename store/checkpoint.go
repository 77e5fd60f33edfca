// Copyright 2025 UQ Harvest

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     http://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/stockparfait/errors"
	"github.com/stockparfait/logging"
)

// Checkpoint is durable evidence that a partition's work is already done.
// IsSatisfied gates re-downloads across runs; MarkSatisfied records a freshly
// written artifact.
type Checkpoint interface {
	IsSatisfied(ctx context.Context, ref ArtifactRef) bool
	MarkSatisfied(ctx context.Context, ref ArtifactRef, rows int, size int64) error
}

// ExistsCheckpoint treats a non-empty artifact file as a satisfied partition.
// Marking is a no-op: the artifact written by the store is itself the
// checkpoint.
type ExistsCheckpoint struct {
	store *FileStore
}

var _ Checkpoint = &ExistsCheckpoint{}

// NewExistsCheckpoint creates the minimal existence-based checkpoint store.
func NewExistsCheckpoint(s *FileStore) *ExistsCheckpoint {
	return &ExistsCheckpoint{store: s}
}

// IsSatisfied implements Checkpoint.
func (c *ExistsCheckpoint) IsSatisfied(ctx context.Context, ref ArtifactRef) bool {
	size, ok := c.store.Size(ref)
	return ok && size > 0
}

// MarkSatisfied implements Checkpoint.
func (c *ExistsCheckpoint) MarkSatisfied(ctx context.Context, ref ArtifactRef, rows int, size int64) error {
	return nil
}

// ManifestName is the manifest file name under the store root.
const ManifestName = "manifest.json"

// ManifestEntry records what a completed artifact looked like when written.
type ManifestEntry struct {
	Rows      int    `json:"rows"`
	Bytes     int64  `json:"bytes"`
	Checksum  string `json:"checksum"` // xxhash64 of the artifact file
	WrittenAt Time   `json:"written_at"`
}

// Manifest is the authoritative checkpoint store: a JSON map of artifact
// relative path to ManifestEntry, persisted under the store root. File
// existence remains the cheap pre-filter; the manifest entry detects
// truncated or corrupt artifacts that mere existence would mis-report as
// done.
type Manifest struct {
	store *FileStore

	mu      sync.Mutex
	entries map[string]ManifestEntry
	now     func() time.Time
}

var _ Checkpoint = &Manifest{}

// LoadManifest reads the manifest from the store root. A missing manifest
// yields an empty one.
func LoadManifest(s *FileStore) (*Manifest, error) {
	m := &Manifest{
		store:   s,
		entries: make(map[string]ManifestEntry),
		now:     time.Now,
	}
	path := filepath.Join(s.root, ManifestName)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return m, nil
		}
		return nil, errors.Annotate(err, "failed to read manifest '%s'", path)
	}
	if err := json.Unmarshal(data, &m.entries); err != nil {
		return nil, errors.Annotate(err, "failed to parse manifest '%s'", path)
	}
	return m, nil
}

// NumEntries is the number of recorded artifacts.
func (m *Manifest) NumEntries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Entry returns the manifest entry for ref, if present.
func (m *Manifest) Entry(ref ArtifactRef) (ManifestEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[ref.RelPath()]
	return e, ok
}

// IsSatisfied implements Checkpoint: the artifact must exist with the size
// the manifest recorded. Size is checked on every call; the checksum only via
// Verify, since hashing every artifact on every run defeats the cheap skip.
func (m *Manifest) IsSatisfied(ctx context.Context, ref ArtifactRef) bool {
	size, ok := m.store.Size(ref)
	if !ok || size == 0 {
		return false
	}
	e, ok := m.Entry(ref)
	if !ok {
		logging.Debugf(ctx, "artifact %s exists but has no manifest entry", ref)
		return false
	}
	if e.Bytes != size {
		logging.Warningf(ctx, "artifact %s is %d bytes, manifest expects %d; will redo",
			ref, size, e.Bytes)
		return false
	}
	return true
}

// MarkSatisfied implements Checkpoint: it records the artifact's checksum and
// saves the manifest, so a crash at any point leaves either the old or the
// new manifest in place.
func (m *Manifest) MarkSatisfied(ctx context.Context, ref ArtifactRef, rows int, size int64) error {
	sum, err := checksumFile(m.store.ArtifactPath(ref))
	if err != nil {
		return errors.Annotate(err, "failed to checksum artifact %s", ref)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[ref.RelPath()] = ManifestEntry{
		Rows:      rows,
		Bytes:     size,
		Checksum:  sum,
		WrittenAt: Time(m.now().UTC()),
	}
	return m.saveLocked()
}

// Verify re-hashes the artifact and compares it against the manifest entry.
func (m *Manifest) Verify(ref ArtifactRef) (bool, error) {
	e, ok := m.Entry(ref)
	if !ok {
		return false, nil
	}
	sum, err := checksumFile(m.store.ArtifactPath(ref))
	if err != nil {
		return false, errors.Annotate(err, "failed to checksum artifact %s", ref)
	}
	return sum == e.Checksum, nil
}

// saveLocked marshals and persists the entries. m.mu must be held across both
// the snapshot and the rename, so that snapshots reach the disk in the order
// they were taken and a stale one cannot overwrite a newer one.
func (m *Manifest) saveLocked() error {
	data, err := json.MarshalIndent(m.entries, "", "  ")
	if err != nil {
		return errors.Annotate(err, "failed to marshal manifest")
	}
	if err := m.store.WriteFile(ManifestName, data); err != nil {
		return errors.Annotate(err, "failed to save manifest")
	}
	return nil
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Annotate(err, "failed to open '%s'", path)
	}
	defer f.Close()
	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Annotate(err, "failed to hash '%s'", path)
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}
