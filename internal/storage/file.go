package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "tickhost/pkg/logx"
)

// checkpointEvery is the number of journal records between checkpoints.
// An every-second function checkpoints about every ten minutes.
const checkpointEvery = 600

var errStoreClosed = errors.New("status store closed")

// fileStore keeps the monitor in memory and persists it as two files next
// to the configured path:
//
//	<name>.monitor.json   checkpoint of every status, replaced atomically
//	<name>.monitor.jsonl  one JSON record per PutStatus since the checkpoint
type fileStore struct {
	log logx.Logger

	mu         sync.Mutex
	checkpoint string
	journal    *os.File
	byName     map[string]ScheduleStatus
	pending    int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for the file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage dir: %w", err)
	}
	stem := filepath.Join(dir, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))

	s := &fileStore{
		log:        log,
		checkpoint: stem + ".monitor.json",
		byName:     map[string]ScheduleStatus{},
	}
	journalPath := stem + ".monitor.jsonl"
	s.restore(journalPath)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open status journal: %w", err)
	}
	if err := endLine(jf); err != nil {
		_ = jf.Close()
		return nil, fmt.Errorf("repair status journal: %w", err)
	}
	s.journal = jf
	return s, nil
}

// restore loads the checkpoint and replays the journal over it. Unreadable
// files are logged and skipped so a damaged monitor never blocks startup.
func (s *fileStore) restore(journalPath string) {
	if b, err := os.ReadFile(s.checkpoint); err == nil {
		if err := json.Unmarshal(b, &s.byName); err != nil {
			s.log.Warn("status checkpoint unreadable, starting empty", logx.String("path", s.checkpoint), logx.Err(err))
			s.byName = map[string]ScheduleStatus{}
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("status checkpoint unreadable, starting empty", logx.String("path", s.checkpoint), logx.Err(err))
	}

	f, err := os.Open(journalPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("status journal unreadable", logx.String("path", journalPath), logx.Err(err))
		}
		return
	}
	defer f.Close()
	skipped, err := replay(f, s.byName)
	if err != nil {
		s.log.Warn("status journal replay stopped early", logx.String("path", journalPath), logx.Err(err))
	}
	if skipped > 0 {
		s.log.Warn("status journal had unreadable records", logx.String("path", journalPath), logx.Int("skipped", skipped))
	}
}

// endLine terminates a torn last record so the next append starts on a
// fresh line.
func endLine(f *os.File) error {
	fi, err := f.Stat()
	if err != nil || fi.Size() == 0 {
		return err
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, fi.Size()-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}
	_, err = f.Write([]byte{'\n'})
	return err
}

// replay applies each journal line to into and reports how many lines were
// not valid records.
func replay(r io.Reader, into map[string]ScheduleStatus) (skipped int, err error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var st ScheduleStatus
		if json.Unmarshal(line, &st) != nil || st.Name == "" {
			skipped++
			continue
		}
		into[st.Name] = st
	}
	return skipped, sc.Err()
}

func (s *fileStore) PutStatus(_ context.Context, st ScheduleStatus) error {
	if st.Name = strings.TrimSpace(st.Name); st.Name == "" {
		return ErrNoName
	}
	if st.LastUpdated.IsZero() {
		st.LastUpdated = time.Now()
	}
	line, err := json.Marshal(st)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return errStoreClosed
	}
	if _, err := s.journal.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append status journal: %w", err)
	}
	s.byName[st.Name] = st
	if s.pending++; s.pending >= checkpointEvery {
		if err := s.checkpointLocked(); err != nil {
			s.log.Debug("status checkpoint failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetStatus(_ context.Context, name string) (ScheduleStatus, bool, error) {
	name = strings.TrimSpace(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.byName[name]
	return st, ok, nil
}

// Close checkpoints so the next open has no journal to replay.
func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	cpErr := s.checkpointLocked()
	if cpErr != nil {
		s.log.Debug("status checkpoint on close failed", logx.Err(cpErr))
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

// checkpointLocked writes every status to a temp file, renames it over the
// checkpoint and only then empties the journal.
func (s *fileStore) checkpointLocked() error {
	b, err := json.Marshal(s.byName)
	if err != nil {
		return err
	}
	tmp := s.checkpoint + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.checkpoint); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	s.pending = 0
	return nil
}
