// Package chunkstore owns the per-session directory layout and chunk file IO.
package chunkstore

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"

	"consult-sync/entities"
)

const tempBufferFileName = "buffer_temp.b64"

type DiskProber interface {
	FreeBytes(path string) (uint64, error)
}

type gopsutilProber struct{}

func (gopsutilProber) FreeBytes(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

type Store struct {
	root   string
	prober DiskProber
}

func New(root string) *Store {
	return &Store{root: root, prober: gopsutilProber{}}
}

func NewWithProber(root string, prober DiskProber) *Store {
	return &Store{root: root, prober: prober}
}

func (s *Store) SessionDir(sessionId string) string {
	return filepath.Join(s.root, sessionId)
}

func (s *Store) EnsureSessionDir(sessionId string) (string, error) {
	dir := s.SessionDir(sessionId)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return "", err
	}
	return dir, nil
}

func (s *Store) ChunkPath(sessionId string, index int) string {
	return filepath.Join(s.SessionDir(sessionId), entities.ChunkFileName(index))
}

// SaveChunk writes the chunk's base64 segments newline-joined as one file.
func (s *Store) SaveChunk(sessionId string, index int, lines []string) (string, error) {
	if _, err := s.EnsureSessionDir(sessionId); err != nil {
		return "", err
	}
	path := s.ChunkPath(sessionId, index)
	if err := writeFileAtomic(path, []byte(strings.Join(lines, "\n"))); err != nil {
		return "", err
	}
	return path, nil
}

func (s *Store) ReadChunk(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return splitLines(string(data)), nil
}

// A missing file is not an error.
func (s *Store) DeleteChunk(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) DeleteSessionDir(sessionId string) error {
	return os.RemoveAll(s.SessionDir(sessionId))
}

func (s *Store) TempBufferPath(sessionId string) string {
	return filepath.Join(s.SessionDir(sessionId), tempBufferFileName)
}

// SaveTempBuffer replaces the rolling pre-chunk buffer file. The write is
// renamed into place so the file never holds a torn snapshot.
func (s *Store) SaveTempBuffer(sessionId string, lines []string) error {
	if _, err := s.EnsureSessionDir(sessionId); err != nil {
		return err
	}
	return writeFileAtomic(s.TempBufferPath(sessionId), []byte(strings.Join(lines, "\n")))
}

// ReadTempBuffer returns nil if no buffer file exists.
func (s *Store) ReadTempBuffer(sessionId string) ([]string, error) {
	data, err := os.ReadFile(s.TempBufferPath(sessionId))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return splitLines(string(data)), nil
}

func (s *Store) DeleteTempBuffer(sessionId string) error {
	if err := os.Remove(s.TempBufferPath(sessionId)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) FreeDiskBytes() (uint64, error) {
	if err := os.MkdirAll(s.root, os.ModePerm); err != nil {
		return 0, err
	}
	return s.prober.FreeBytes(s.root)
}

func IsLow(freeBytes uint64, thresholdBytes int64) bool {
	return freeBytes < uint64(thresholdBytes)
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func splitLines(data string) []string {
	var lines []string
	for _, line := range strings.Split(data, "\n") {
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}
