package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"pewsched/internal/task/outcome"
	logx "pewsched/pkg/logx"
)

const compactEvery = 1000

// fileStore keeps everything in plain files next to Path.
//
// Files:
//   - <prefix>.runs.jsonl           (append-only run events)
//   - <prefix>.fired.snapshot.json  (compacted last-fired map)
//   - <prefix>.fired.journal.jsonl  (append-only last-fired journal)
//
// The journal is folded into the snapshot every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	runsPath     string
	runsFile     *os.File
	snapshotPath string
	journalFile  *os.File
	fired        map[string]int64 // unix nano
	writes       int
	historyLimit int
}

type firedRecord struct {
	Task string `json:"task"`
	At   int64  `json:"at"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for the file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}

	runsPath := prefix + ".runs.jsonl"
	snapPath := prefix + ".fired.snapshot.json"
	journalPath := prefix + ".fired.journal.jsonl"

	rf, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open run log")
	}

	fired := map[string]int64{}
	if err := loadSnapshot(snapPath, fired); err != nil && !os.IsNotExist(err) {
		log.Warn("last-fired snapshot unreadable", logx.Err(err))
	}
	if err := replayJournal(journalPath, fired); err != nil && !os.IsNotExist(err) {
		log.Warn("last-fired journal unreadable", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = rf.Close()
		return nil, errors.Wrap(err, "open last-fired journal")
	}

	return &fileStore{
		log:          log,
		runsPath:     runsPath,
		runsFile:     rf,
		snapshotPath: snapPath,
		journalFile:  jf,
		fired:        fired,
		historyLimit: limitOr(cfg.HistoryLimit, defaultHistoryLimit),
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journalFile != nil {
		if err := s.compactLocked(); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, s.journalFile.Close())
		s.journalFile = nil
	}
	if s.runsFile != nil {
		errs = append(errs, s.runsFile.Close())
		s.runsFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) PutLastFired(_ context.Context, taskID string, at time.Time) error {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil
	}
	ns := at.UnixNano()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	if prev, ok := s.fired[taskID]; ok && prev >= ns {
		return nil
	}
	s.fired[taskID] = ns

	if err := json.NewEncoder(s.journalFile).Encode(firedRecord{Task: taskID, At: ns}); err != nil {
		return errors.Wrap(err, "append last-fired")
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("last-fired compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) LoadLastFired(context.Context) (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.fired))
	for id, ns := range s.fired {
		out[id] = time.Unix(0, ns)
	}
	return out, nil
}

func (s *fileStore) AppendRun(_ context.Context, ev outcome.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return ErrClosed
	}
	return errors.Wrap(json.NewEncoder(s.runsFile).Encode(ev), "append run")
}

// RecentRuns scans the run log and returns the newest limit events for
// taskID (all tasks when empty), newest first.
func (s *fileStore) RecentRuns(_ context.Context, taskID string, limit int) ([]outcome.Event, error) {
	limit = limitOr(limit, s.historyLimit)

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.runsPath)
	if err != nil {
		return nil, errors.Wrap(err, "open run log")
	}
	defer f.Close()

	ring := make([]outcome.Event, 0, limit)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var ev outcome.Event
		if json.Unmarshal(sc.Bytes(), &ev) != nil {
			continue
		}
		if taskID != "" && ev.TaskID != taskID {
			continue
		}
		if len(ring) == limit {
			ring = ring[1:]
		}
		ring = append(ring, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "scan run log")
	}
	for i, j := 0, len(ring)-1; i < j; i, j = i+1, j-1 {
		ring[i], ring[j] = ring[j], ring[i]
	}
	return ring, nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.fired); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r firedRecord
		if json.Unmarshal(sc.Bytes(), &r) != nil || r.Task == "" {
			continue
		}
		if r.At > out[r.Task] {
			out[r.Task] = r.At
		}
	}
	return sc.Err()
}
