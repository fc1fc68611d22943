// Package audit is the append-only audit and compliance record of every
// rotation decision.
//
// Records are stored one JSON object per line. Each record carries a
// monotonically increasing sequence number and the SHA-256 hash of its
// predecessor so that truncation or tampering is detectable with Verify.
// Record returns only after the line has been fsync'd.
package audit

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	dserrors "github.com/systmms/rotord/internal/errors"
	"github.com/systmms/rotord/internal/logging"
)

// Actions recorded by the engine.
const (
	ActionJobCreated       = "job.created"
	ActionTransition       = "job.transition"
	ActionApprovalOpened   = "approval.opened"
	ActionApprovalGranted  = "approval.granted"
	ActionApprovalIgnored  = "approval.ignored"
	ActionApprovalExpired  = "approval.expired"
	ActionVersionMinted    = "version.minted"
	ActionBackupTaken      = "backup.taken"
	ActionActivateBegin    = "activate.begin"
	ActionActivated        = "activate.result"
	ActionRollbackBegin    = "rollback.begin"
	ActionRestored         = "rollback.result"
	ActionVersionRevoked   = "version.revoked"
	ActionClassHalted      = "class.halted"
	ActionClassResumed     = "class.resumed"
	ActionCancelRequested  = "job.cancel"
	ActionHealthCheck      = "health.check"
	ActionDependentUpdated = "dependent.update"
)

// Results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultPending = "pending"
)

// GenesisHash is the PrevHash of the first record.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ErrChainBroken is returned by Verify when the hash chain does not hold.
var ErrChainBroken = errors.New("audit hash chain broken")

// ErrNoActivation is returned when a class has no recorded activation.
var ErrNoActivation = errors.New("no activation recorded")

// Record is one audit entry.
type Record struct {
	Seq           uint64        `json:"seq"`
	EventID       string        `json:"event_id"`
	Timestamp     time.Time     `json:"timestamp"`
	JobID         string        `json:"job_id,omitempty"`
	ClassID       string        `json:"class_id,omitempty"`
	Actor         string        `json:"actor"`
	Action        string        `json:"action"`
	PreviousState string        `json:"previous_state,omitempty"`
	NewState      string        `json:"new_state,omitempty"`
	Result        string        `json:"result,omitempty"`
	Kind          dserrors.Kind `json:"kind,omitempty"`
	Message       string        `json:"message,omitempty"`
	VersionID     string        `json:"version_id,omitempty"`
	PrevHash      string        `json:"prev_hash"`
	Hash          string        `json:"hash"`
}

func (r Record) computeHash() (string, error) {
	r.Hash = ""
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Filter selects records. Zero fields match everything.
type Filter struct {
	ClassID string
	JobID   string
	Action  string
	Kind    dserrors.Kind
	Result  string
	Since   *time.Time
	Until   *time.Time
	Limit   int
}

// Matches reports whether r passes the filter.
func (f Filter) Matches(r *Record) bool {
	switch {
	case f.ClassID != "" && r.ClassID != f.ClassID:
		return false
	case f.JobID != "" && r.JobID != f.JobID:
		return false
	case f.Action != "" && r.Action != f.Action:
		return false
	case f.Kind != "" && r.Kind != f.Kind:
		return false
	case f.Result != "" && r.Result != f.Result:
		return false
	case f.Since != nil && r.Timestamp.Before(*f.Since):
		return false
	case f.Until != nil && !r.Timestamp.Before(*f.Until):
		return false
	}
	return true
}

// Recorder appends to and queries one audit file.
type Recorder struct {
	path   string
	clock  clock.Clock
	logger *logging.Logger

	mu       sync.RWMutex
	file     *os.File
	seq      uint64
	lastHash string
}

// Open opens or creates the audit file at path and recovers the chain head.
// A torn final line left by a crash is truncated.
func Open(path string, clk clock.Clock, logger *logging.Logger) (*Recorder, error) {
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = logging.Discard()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	r := &Recorder{path: path, clock: clk, logger: logger.With("audit"), lastHash: GenesisHash}
	good, err := r.recover()
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if info.Size() > good {
		r.logger.Warn("Truncating %d byte(s) of incomplete audit data", info.Size()-good)
		if err := f.Truncate(good); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to truncate audit file: %w", err)
		}
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return nil, err
	}
	r.file = f
	return r, nil
}

// recover scans the file and returns the offset after the last good record.
// Only a final line without a newline counts as torn; an unreadable record
// anywhere else means the log was damaged and it is not opened.
func (r *Recorder) recover() (int64, error) {
	f, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read audit file: %w", err)
	}
	defer f.Close()

	var offset int64
	lineNo := 0
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			return offset, nil
		}
		if err != nil {
			return 0, err
		}
		lineNo++
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			var rec Record
			if jsonErr := json.Unmarshal(trimmed, &rec); jsonErr != nil {
				return 0, fmt.Errorf("%w: corrupt record on line %d of %s", ErrChainBroken, lineNo, r.path)
			}
			r.seq = rec.Seq
			r.lastHash = rec.Hash
		}
		offset += int64(len(line))
	}
}

// Path returns the audit file path.
func (r *Recorder) Path() string { return r.path }

// Record appends rec, assigning Seq, EventID, Timestamp and hashes, and
// returns the stored record. It does not return until the write is durable.
// The write is local, so a cancelled ctx does not stop it: a state change that
// was already persisted must still be recorded.
func (r *Recorder) Record(ctx context.Context, rec Record) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return Record{}, errors.New("audit recorder is closed")
	}

	rec.Seq = r.seq + 1
	if rec.EventID == "" {
		rec.EventID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.clock.Now()
	}
	rec.Timestamp = rec.Timestamp.UTC()
	if rec.Actor == "" {
		rec.Actor = "system"
	}
	rec.PrevHash = r.lastHash
	hash, err := rec.computeHash()
	if err != nil {
		return Record{}, err
	}
	rec.Hash = hash

	line, err := json.Marshal(rec)
	if err != nil {
		return Record{}, err
	}
	line = append(line, '\n')
	if _, err := r.file.Write(line); err != nil {
		return Record{}, fmt.Errorf("failed to append audit record: %w", err)
	}
	if err := r.file.Sync(); err != nil {
		return Record{}, fmt.Errorf("failed to sync audit file: %w", err)
	}

	r.seq = rec.Seq
	r.lastHash = rec.Hash
	return rec, nil
}

// Close closes the audit file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// each calls fn for every record in order until fn returns false.
func (r *Recorder) each(ctx context.Context, fn func(*Record) bool) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("corrupt audit record on line %d: %w", lineNo, err)
		}
		if !fn(&rec) {
			return nil
		}
	}
	return scanner.Err()
}

// Query returns the records matching f in append order.
func (r *Recorder) Query(ctx context.Context, f Filter) ([]Record, error) {
	var out []Record
	err := r.each(ctx, func(rec *Record) bool {
		if f.Matches(rec) {
			out = append(out, *rec)
		}
		return f.Limit <= 0 || len(out) < f.Limit
	})
	return out, err
}

// Export writes matching records as newline-delimited JSON and returns the
// number written.
func (r *Recorder) Export(ctx context.Context, w io.Writer, f Filter) (int, error) {
	enc := json.NewEncoder(w)
	n := 0
	var writeErr error
	err := r.each(ctx, func(rec *Record) bool {
		if !f.Matches(rec) {
			return true
		}
		if writeErr = enc.Encode(rec); writeErr != nil {
			return false
		}
		n++
		return f.Limit <= 0 || n < f.Limit
	})
	if writeErr != nil {
		return n, writeErr
	}
	return n, err
}

// Verify checks sequence numbers and the hash chain and returns the number of
// records checked.
func (r *Recorder) Verify(ctx context.Context) (int, error) {
	prev := GenesisHash
	var seq uint64
	n := 0
	var chainErr error
	err := r.each(ctx, func(rec *Record) bool {
		n++
		if rec.Seq != seq+1 {
			chainErr = fmt.Errorf("%w: expected seq %d, found %d", ErrChainBroken, seq+1, rec.Seq)
			return false
		}
		if rec.PrevHash != prev {
			chainErr = fmt.Errorf("%w: record %d does not follow its predecessor", ErrChainBroken, rec.Seq)
			return false
		}
		want, err := rec.computeHash()
		if err != nil || want != rec.Hash {
			chainErr = fmt.Errorf("%w: record %d was modified", ErrChainBroken, rec.Seq)
			return false
		}
		seq = rec.Seq
		prev = rec.Hash
		return true
	})
	if chainErr != nil {
		return n, chainErr
	}
	return n, err
}

// LastActivation returns the most recent successful activation of a class,
// including restores.
func (r *Recorder) LastActivation(ctx context.Context, classID string) (*Record, error) {
	var last *Record
	err := r.each(ctx, func(rec *Record) bool {
		if rec.ClassID == classID && rec.Result == ResultSuccess &&
			(rec.Action == ActionActivated || rec.Action == ActionRestored) {
			c := *rec
			last = &c
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, fmt.Errorf("%w for class %s", ErrNoActivation, classID)
	}
	return last, nil
}

// ActiveVersionAge derives the age of the active version of a class from the
// audit trail alone.
func (r *Recorder) ActiveVersionAge(ctx context.Context, classID string, now time.Time) (time.Duration, error) {
	last, err := r.LastActivation(ctx, classID)
	if err != nil {
		return 0, err
	}
	return now.Sub(last.Timestamp), nil
}
