package consensus

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// VoteStore persists the vote record of a node as a single JSON document.
// The record is tiny and rewritten in place on every change; Write syncs the
// file so that a node coming back after a crash never votes twice in the
// same term.
type VoteStore struct {
	filePath string
	file     *os.File
}

func NewVoteStore(filePath string) *VoteStore {
	return &VoteStore{
		filePath: filePath,
	}
}

func (s *VoteStore) Open() error {
	flags := os.O_RDWR | os.O_CREATE
	file, err := os.OpenFile(s.filePath, flags, 0600)
	if err != nil {
		return fmt.Errorf("cannot open %q: %w", s.filePath, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()

		return fmt.Errorf("cannot stat %q: %w", s.filePath, err)
	}

	s.file = file

	if info.Size() == 0 {
		if err := s.Write(VoteRecord{}); err != nil {
			file.Close()

			return fmt.Errorf("cannot write default record to %q: %w",
				s.filePath, err)
		}
	}

	return nil
}

func (s *VoteStore) Close() {
	s.file.Close()
}

func (s *VoteStore) Read(record *VoteRecord) error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("cannot seek %q: %w", s.filePath, err)
	}

	d := json.NewDecoder(s.file)
	if err := d.Decode(record); err != nil {
		return fmt.Errorf("cannot read json data from %q: %w",
			s.filePath, err)
	}

	return nil
}

func (s *VoteStore) Write(record VoteRecord) error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("cannot seek %q: %w", s.filePath, err)
	}

	if err := s.file.Truncate(0); err != nil {
		return fmt.Errorf("cannot truncate %q: %w", s.filePath, err)
	}

	e := json.NewEncoder(s.file)
	if err := e.Encode(&record); err != nil {
		return fmt.Errorf("cannot write json data to %q: %w", s.filePath, err)
	}

	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("cannot sync %q: %w", s.filePath, err)
	}

	return nil
}
