package memory

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"farmadvisor/internal/domain"
	"farmadvisor/internal/vectorstore"
)

const snapshotVersion = 1

type snapshot struct {
	Version   int
	Model     string
	Metric    string
	Dimension int
	Digest    string
	IDs       []int
	Vectors   [][]float32
}

// Save writes s as a gob snapshot.
func Save(w io.Writer, s *Storage) error {
	ids := make([]int, len(s.vectors))
	for i := range ids {
		ids[i] = i
	}
	h := s.header
	return gob.NewEncoder(w).Encode(snapshot{
		Version:   snapshotVersion,
		Model:     h.Model,
		Metric:    string(h.Metric),
		Dimension: h.Dimension,
		Digest:    h.Digest,
		IDs:       ids,
		Vectors:   s.vectors,
	})
}

// Load reads a snapshot written by Save. It fails with
// domain.ErrIndexCorpusMismatch when the snapshot does not hold exactly
// expectedSize entries with ids 0..expectedSize-1.
func Load(r io.Reader, expectedSize int) (*Storage, error) {
	var snap snapshot
	if err := gob.NewDecoder(r).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode index: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil, domain.IndexCorpusMismatch("index format version %d, want %d", snap.Version, snapshotVersion)
	}
	if len(snap.IDs) != len(snap.Vectors) {
		return nil, fmt.Errorf("corrupt index: %d ids for %d vectors", len(snap.IDs), len(snap.Vectors))
	}
	if len(snap.Vectors) != expectedSize {
		return nil, domain.IndexCorpusMismatch("index has %d entries, corpus has %d", len(snap.Vectors), expectedSize)
	}
	for i, id := range snap.IDs {
		if id != i {
			return nil, domain.IndexCorpusMismatch("index slot %d holds id %d", i, id)
		}
	}
	metric, err := vectorstore.ParseMetric(snap.Metric)
	if err != nil {
		return nil, fmt.Errorf("corrupt index: %w", err)
	}
	vectors := snap.Vectors
	if vectors == nil {
		vectors = [][]float32{}
	}
	return New(vectorstore.Header{
		Model:     snap.Model,
		Metric:    metric,
		Dimension: snap.Dimension,
		Digest:    snap.Digest,
	}, vectors)
}

// SaveFile writes the snapshot to path atomically.
func SaveFile(path string, s *Storage) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := Save(w, s); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// LoadFile reads a snapshot from path. A missing file wraps os.ErrNotExist.
func LoadFile(path string, expectedSize int) (*Storage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(bufio.NewReader(f), expectedSize)
}
