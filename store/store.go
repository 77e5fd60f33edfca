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

// Package store implements the on-disk artifact namespace of the harvester:
// one CSV file per partition under root/<category>/<dataset>/<key>.csv, with
// atomic writes, checkpoint stores and a read-only progress scan. Artifact
// existence doubles as the minimal checkpoint, so everything here is designed
// to survive interrupted runs.
package store

import (
	"os"
	"path/filepath"

	"github.com/stockparfait/errors"
)

// ArtifactRef addresses one partition artifact within a FileStore. It is
// derived deterministically from the partition, and its path doubles as the
// checkpoint lookup key.
type ArtifactRef struct {
	Category string
	Dataset  string
	Key      string
}

// RelPath is the artifact's path relative to the store root.
func (r ArtifactRef) RelPath() string {
	return filepath.Join(r.Category, r.Dataset, r.Key+".csv")
}

func (r ArtifactRef) String() string {
	return r.Category + "/" + r.Dataset + "/" + r.Key
}

// FileStore is the artifact filesystem rooted at a single directory. Each
// partition owns a distinct path, so writers never contend beyond the atomic
// write-then-rename of their own artifact.
type FileStore struct {
	root string
}

// NewFileStore creates a store rooted at root. The directory is created
// lazily on first write.
func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

// Root directory of the store.
func (s *FileStore) Root() string { return s.root }

// ArtifactPath is the absolute path of the artifact for ref.
func (s *FileStore) ArtifactPath(ref ArtifactRef) string {
	return filepath.Join(s.root, ref.RelPath())
}

// Size returns the artifact's size in bytes and whether it exists.
func (s *FileStore) Size(ref ArtifactRef) (int64, bool) {
	info, err := os.Stat(s.ArtifactPath(ref))
	if err != nil || info.IsDir() {
		return 0, false
	}
	return info.Size(), true
}

// atomicWrite writes data to path via a temp file in the same directory and a
// rename, so a crashed writer never leaves a partial file at the final path.
func atomicWrite(path string, write func(f *os.File) error) (int64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, errors.Annotate(err, "failed to create directory '%s'", dir)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return 0, errors.Annotate(err, "failed to create temp file in '%s'", dir)
	}
	tmp := f.Name()
	defer os.Remove(tmp) // no-op after a successful rename
	if err := write(f); err != nil {
		f.Close()
		return 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return 0, errors.Annotate(err, "failed to stat temp file '%s'", tmp)
	}
	size := info.Size()
	if err := f.Close(); err != nil {
		return 0, errors.Annotate(err, "failed to close temp file '%s'", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, errors.Annotate(err, "failed to rename '%s' to '%s'", tmp, path)
	}
	return size, nil
}

// WriteTable persists a table as the artifact for ref and returns the number
// of bytes written.
func (s *FileStore) WriteTable(ref ArtifactRef, t *Table) (int64, error) {
	path := s.ArtifactPath(ref)
	size, err := atomicWrite(path, func(f *os.File) error {
		return errors.Annotate(t.WriteCSV(f), "failed to write table to '%s'", path)
	})
	if err != nil {
		return 0, errors.Annotate(err, "failed to persist artifact %s", ref)
	}
	return size, nil
}

// ReadTable loads the artifact for ref.
func (s *FileStore) ReadTable(ref ArtifactRef) (*Table, error) {
	path := s.ArtifactPath(ref)
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Annotate(err, "failed to open artifact '%s'", path)
	}
	defer f.Close()
	t, err := ReadCSVTable(f)
	if err != nil {
		return nil, errors.Annotate(err, "failed to read artifact '%s'", path)
	}
	return t, nil
}

// WriteFile atomically writes raw bytes to a file addressed relative to the
// store root, e.g. run summaries and the checkpoint manifest.
func (s *FileStore) WriteFile(relPath string, data []byte) error {
	path := filepath.Join(s.root, relPath)
	_, err := atomicWrite(path, func(f *os.File) error {
		if _, err := f.Write(data); err != nil {
			return errors.Annotate(err, "failed to write '%s'", path)
		}
		return nil
	})
	return err
}
