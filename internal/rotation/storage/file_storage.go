package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/systmms/rotord/internal/policy"
	"github.com/systmms/rotord/internal/rotation/approval"
	"github.com/systmms/rotord/internal/rotation/backup"
	"github.com/systmms/rotord/pkg/rotation"
)

const (
	dirJobs      = "jobs"
	dirApprovals = "approvals"
	dirSnapshots = "snapshots"
	dirClasses   = "classes"
	dirState     = "state"
	dirLeases    = "leases"
)

// FileStorage implements Storage using the filesystem. Every write goes to a
// temporary file that is synced and renamed into place, so a crash leaves
// either the old or the new document.
type FileStorage struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStorage creates a new file-based storage
func NewFileStorage(baseDir string) *FileStorage {
	return &FileStorage{
		baseDir: baseDir,
	}
}

// Dir returns the state directory.
func (fs *FileStorage) Dir() string { return fs.baseDir }

// Close is a no-op.
func (fs *FileStorage) Close() error { return nil }

func (fs *FileStorage) path(kind, key string) string {
	return filepath.Join(fs.baseDir, kind, sanitizeFilename(key)+".json")
}

// writeJSON durably replaces the document at path.
func writeJSON(path string, v interface{}) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return fmt.Errorf("failed to sync directory: %w", err)
	}
	return nil
}

// readJSON returns os.ErrNotExist wrapped when path is missing.
func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", filepath.Base(path), err)
	}
	return nil
}

// readAll decodes every document in dir with decode. Unreadable files are
// reported, not skipped.
func readAll(dir string, decode func(data []byte) error) error {
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", filepath.Base(dir), err)
	}
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".json" || strings.HasPrefix(file.Name(), ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, file.Name()))
		if err != nil {
			return err
		}
		if err := decode(data); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", file.Name(), err)
		}
	}
	return nil
}

// Jobs

// CreateJobIfIdle inserts job unless its class has a non-terminal job.
func (fs *FileStorage) CreateJobIfIdle(_ context.Context, job *rotation.Job) (bool, *rotation.Job, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	active, err := fs.listJobsLocked(rotation.JobFilter{ClassID: job.ClassID, NonTerminal: true})
	if err != nil {
		return false, nil, err
	}
	if len(active) > 0 {
		return false, active[0], nil
	}
	if err := writeJSON(fs.path(dirJobs, job.ID), job); err != nil {
		return false, nil, err
	}
	return true, job.Clone(), nil
}

// SaveJob writes a job.
func (fs *FileStorage) SaveJob(_ context.Context, job *rotation.Job) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return writeJSON(fs.path(dirJobs, job.ID), job)
}

// GetJob reads a job.
func (fs *FileStorage) GetJob(_ context.Context, id string) (*rotation.Job, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var job rotation.Job
	if err := readJSON(fs.path(dirJobs, id), &job); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", rotation.ErrJobNotFound, id)
		}
		return nil, err
	}
	return &job, nil
}

// ListJobs returns matching jobs ordered by creation time.
func (fs *FileStorage) ListJobs(_ context.Context, filter rotation.JobFilter) ([]*rotation.Job, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.listJobsLocked(filter)
}

func (fs *FileStorage) listJobsLocked(filter rotation.JobFilter) ([]*rotation.Job, error) {
	var jobs []*rotation.Job
	err := readAll(filepath.Join(fs.baseDir, dirJobs), func(data []byte) error {
		var job rotation.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		if filter.Matches(&job) {
			jobs = append(jobs, &job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortJobs(jobs)
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

func sortJobs(jobs []*rotation.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}

// Class state

// GetClassState returns the persisted state or an empty one.
func (fs *FileStorage) GetClassState(_ context.Context, classID string) (*rotation.ClassState, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var st rotation.ClassState
	if err := readJSON(fs.path(dirState, classID), &st); err != nil {
		if os.IsNotExist(err) {
			return &rotation.ClassState{ClassID: classID}, nil
		}
		return nil, err
	}
	return &st, nil
}

// SaveClassState writes class state.
func (fs *FileStorage) SaveClassState(_ context.Context, st *rotation.ClassState) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return writeJSON(fs.path(dirState, st.ClassID), st)
}

// Leases

type lease struct {
	Name      string    `json:"name"`
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AcquireLease takes or renews a lease. File leases only coordinate engines
// sharing this process's lock, which is enough for a single instance.
func (fs *FileStorage) AcquireLease(_ context.Context, name, holder string, ttl time.Duration, now time.Time) (bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var current lease
	err := readJSON(fs.path(dirLeases, name), &current)
	if err != nil && !os.IsNotExist(err) {
		return false, err
	}
	if err == nil && current.Holder != holder && now.Before(current.ExpiresAt) {
		return false, nil
	}
	next := lease{Name: name, Holder: holder, ExpiresAt: now.Add(ttl).UTC()}
	if err := writeJSON(fs.path(dirLeases, name), next); err != nil {
		return false, err
	}
	return true, nil
}

// ReleaseLease drops a lease held by holder.
func (fs *FileStorage) ReleaseLease(_ context.Context, name, holder string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var current lease
	if err := readJSON(fs.path(dirLeases, name), &current); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if current.Holder != holder {
		return nil
	}
	return os.Remove(fs.path(dirLeases, name))
}

// Approvals

// SaveApproval writes an approval request.
func (fs *FileStorage) SaveApproval(_ context.Context, req *approval.Request) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return writeJSON(fs.path(dirApprovals, req.JobID), req)
}

// GetApproval reads an approval request.
func (fs *FileStorage) GetApproval(_ context.Context, jobID string) (*approval.Request, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var req approval.Request
	if err := readJSON(fs.path(dirApprovals, jobID), &req); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: job %s", approval.ErrNotFound, jobID)
		}
		return nil, err
	}
	return &req, nil
}

// ListApprovals returns requests with the given status, or all when empty.
func (fs *FileStorage) ListApprovals(_ context.Context, status approval.Status) ([]*approval.Request, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var out []*approval.Request
	err := readAll(filepath.Join(fs.baseDir, dirApprovals), func(data []byte) error {
		var req approval.Request
		if err := json.Unmarshal(data, &req); err != nil {
			return err
		}
		if status == "" || req.Status == status {
			out = append(out, &req)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, err
}

// Snapshots

// SaveSnapshot durably writes a snapshot.
func (fs *FileStorage) SaveSnapshot(_ context.Context, snap *backup.Snapshot) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return writeJSON(fs.path(dirSnapshots, snap.Ref), snap)
}

// GetSnapshot reads a snapshot.
func (fs *FileStorage) GetSnapshot(_ context.Context, ref string) (*backup.Snapshot, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var snap backup.Snapshot
	if err := readJSON(fs.path(dirSnapshots, ref), &snap); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", backup.ErrNotFound, ref)
		}
		return nil, err
	}
	return &snap, nil
}

// ListSnapshots returns the snapshots of a class, oldest first.
func (fs *FileStorage) ListSnapshots(_ context.Context, classID string) ([]*backup.Snapshot, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var out []*backup.Snapshot
	err := readAll(filepath.Join(fs.baseDir, dirSnapshots), func(data []byte) error {
		var snap backup.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return err
		}
		if classID == "" || snap.ClassID == classID {
			out = append(out, &snap)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

// DeleteSnapshot removes a snapshot.
func (fs *FileStorage) DeleteSnapshot(_ context.Context, ref string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := os.Remove(fs.path(dirSnapshots, ref)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", backup.ErrNotFound, ref)
		}
		return err
	}
	return nil
}

// Policies

// SaveClass writes a class policy.
func (fs *FileStorage) SaveClass(_ context.Context, class policy.SecretClass) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return writeJSON(fs.path(dirClasses, class.ID), class)
}

// ListClasses returns every stored class policy.
func (fs *FileStorage) ListClasses(_ context.Context) ([]policy.SecretClass, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var out []policy.SecretClass
	err := readAll(filepath.Join(fs.baseDir, dirClasses), func(data []byte) error {
		var c policy.SecretClass
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

// sanitizeFilename replaces characters that might be problematic in filenames
func sanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"/", "-",
		"\\", "-",
		":", "-",
		"*", "-",
		"?", "-",
		"\"", "-",
		"<", "-",
		">", "-",
		"|", "-",
		" ", "_",
		"..", "_",
	)
	return replacer.Replace(name)
}
