package incident

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
)

// Incident types raised by the rotation engine.
const (
	TypeClassHalted        = "class_halted"
	TypeActivationConflict = "activation_conflict"
	TypeRollbackFailed     = "rollback_failed"
)

// Severities.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
)

// Statuses.
const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
)

// Report represents an incident that needs operator review
type Report struct {
	ID          string            `json:"id"`
	Timestamp   time.Time         `json:"timestamp"`
	Type        string            `json:"type"`
	Severity    string            `json:"severity"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	ClassID     string            `json:"class_id"`
	JobID       string            `json:"job_id,omitempty"`
	Details     map[string]string `json:"details,omitempty"`

	ActionsRequired []string `json:"actions_required"`

	Status          string     `json:"status"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy      string     `json:"resolved_by,omitempty"`
	ResolutionNotes string     `json:"resolution_notes,omitempty"`
}

// Manager handles incident creation and management
type Manager struct {
	incidentDir string
	clock       clock.Clock
	mu          sync.Mutex

	// OnCreate is called after a report is saved, typically to page someone.
	OnCreate func(*Report)
}

// NewManager creates a new incident manager storing reports under dir.
func NewManager(dir string, clk clock.Clock) *Manager {
	if dir == "" {
		dir = "incidents"
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Manager{incidentDir: dir, clock: clk}
}

// Dir returns the directory reports are written to.
func (m *Manager) Dir() string {
	return m.incidentDir
}

// CreateReport creates and saves a new incident report
func (m *Manager) CreateReport(incidentType, severity, classID, jobID, title, description string, details map[string]string) (*Report, error) {
	now := m.clock.Now().UTC()
	report := &Report{
		ID:              fmt.Sprintf("INC-%s-%s", now.Format("20060102"), uuid.NewString()[:8]),
		Timestamp:       now,
		Type:            incidentType,
		Severity:        severity,
		Title:           title,
		Description:     description,
		ClassID:         classID,
		JobID:           jobID,
		Details:         details,
		ActionsRequired: actionsFor(incidentType, classID),
		Status:          StatusOpen,
	}

	if err := m.SaveReport(report); err != nil {
		return nil, err
	}
	if m.OnCreate != nil {
		m.OnCreate(report)
	}
	return report, nil
}

func actionsFor(incidentType, classID string) []string {
	switch incidentType {
	case TypeClassHalted:
		return []string{
			"Inspect all versions of " + classID + " in the secret store",
			"Revoke or abandon every version except the intended active one",
			"Resume automated rotation with 'rotord policy resume " + classID + "'",
		}
	case TypeActivationConflict:
		return []string{
			"Find who changed the active version of " + classID + " outside rotord",
			"Confirm dependents use the current active version",
			"Re-run the rotation with 'rotord rotate " + classID + " --force' once safe",
		}
	case TypeRollbackFailed:
		return []string{
			"Restore the previous version of " + classID + " manually from its backup",
		}
	}
	return []string{"Review the rotation job and audit log"}
}

// SaveReport saves an incident report to disk
func (m *Manager) SaveReport(report *Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.incidentDir, 0700); err != nil {
		return fmt.Errorf("failed to create incident directory: %w", err)
	}

	path := filepath.Join(m.incidentDir, report.ID+".json")
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// LoadReport loads an incident report by ID
func (m *Manager) LoadReport(id string) (*Report, error) {
	path := filepath.Join(m.incidentDir, filepath.Base(id)+".json")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("incident not found: %s", id)
		}
		return nil, fmt.Errorf("failed to read report: %w", err)
	}

	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to parse report: %w", err)
	}
	return &report, nil
}

// ListReports returns all incident reports, oldest first
func (m *Manager) ListReports() ([]*Report, error) {
	entries, err := os.ReadDir(m.incidentDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Report{}, nil
		}
		return nil, fmt.Errorf("failed to read incident directory: %w", err)
	}

	var reports []*Report
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		report, err := m.LoadReport(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue
		}
		reports = append(reports, report)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].Timestamp.Before(reports[j].Timestamp) })
	return reports, nil
}

// ResolveReport marks an incident as resolved
func (m *Manager) ResolveReport(report *Report, actor, notes string) error {
	now := m.clock.Now().UTC()
	report.Status = StatusResolved
	report.ResolvedAt = &now
	report.ResolvedBy = actor
	report.ResolutionNotes = notes
	return m.SaveReport(report)
}

// OpenForClass returns the open incidents of one class.
func (m *Manager) OpenForClass(classID string) ([]*Report, error) {
	all, err := m.ListReports()
	if err != nil {
		return nil, err
	}
	var open []*Report
	for _, r := range all {
		if r.Status != StatusResolved && r.ClassID == classID {
			open = append(open, r)
		}
	}
	return open, nil
}

// ResolveClass resolves every open incident of a class.
func (m *Manager) ResolveClass(classID, actor, notes string) (int, error) {
	open, err := m.OpenForClass(classID)
	if err != nil {
		return 0, err
	}
	for _, r := range open {
		if err := m.ResolveReport(r, actor, notes); err != nil {
			return 0, err
		}
	}
	return len(open), nil
}
