package audit

import (
	"context"
	"sort"
	"time"

	"github.com/systmms/rotord/internal/policy"
)

// ClassCompliance summarises one class.
type ClassCompliance struct {
	ClassID      string        `json:"class_id" yaml:"class_id"`
	Frequency    time.Duration `json:"rotation_frequency" yaml:"rotation_frequency"`
	LastRotation *time.Time    `json:"last_rotation,omitempty" yaml:"last_rotation,omitempty"`
	Age          time.Duration `json:"age" yaml:"age"`
	Overdue      bool          `json:"overdue" yaml:"overdue"`
	Rotations    int           `json:"rotations" yaml:"rotations"`
	Rollbacks    int           `json:"rollbacks" yaml:"rollbacks"`
	Failures     int           `json:"failures" yaml:"failures"`
	LastFailure  *Record       `json:"last_failure,omitempty" yaml:"last_failure,omitempty"`
	NeverRotated bool          `json:"never_rotated,omitempty" yaml:"never_rotated,omitempty"`
	Disabled     bool          `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	NextDue      time.Time     `json:"next_due" yaml:"next_due"`
}

// ComplianceReport is the compliance view over all classes.
type ComplianceReport struct {
	GeneratedAt time.Time         `json:"generated_at" yaml:"generated_at"`
	Classes     []ClassCompliance `json:"classes" yaml:"classes"`

	// Score is the percentage of enabled classes that are within frequency.
	Score      float64 `json:"score" yaml:"score"`
	Violations int     `json:"violations" yaml:"violations"`
}

// ComplianceReport derives per-class rotation compliance from the audit
// trail as of now.
func (r *Recorder) ComplianceReport(ctx context.Context, now time.Time, classes []policy.SecretClass) (*ComplianceReport, error) {
	byClass := make(map[string]*ClassCompliance, len(classes))
	for _, c := range classes {
		byClass[c.ID] = &ClassCompliance{
			ClassID:   c.ID,
			Frequency: c.RotationFrequency.Std(),
			Disabled:  c.Disabled,
		}
	}

	err := r.each(ctx, func(rec *Record) bool {
		cc, ok := byClass[rec.ClassID]
		if !ok {
			return true
		}
		switch {
		case rec.Action == ActionActivated && rec.Result == ResultSuccess:
			cc.Rotations++
			t := rec.Timestamp
			cc.LastRotation = &t
		case rec.Action == ActionRestored && rec.Result == ResultSuccess:
			cc.Rollbacks++
			t := rec.Timestamp
			cc.LastRotation = &t
		case rec.Action == ActionTransition && rec.Result == ResultFailure:
			cc.Failures++
			c := *rec
			cc.LastFailure = &c
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	report := &ComplianceReport{GeneratedAt: now.UTC()}
	enabled, compliant := 0, 0
	for _, c := range classes {
		cc := byClass[c.ID]
		if cc.LastRotation == nil {
			cc.NeverRotated = true
			cc.Overdue = true
			cc.NextDue = now.UTC()
		} else {
			cc.Age = now.Sub(*cc.LastRotation)
			cc.Overdue = cc.Age > cc.Frequency
			cc.NextDue = cc.LastRotation.Add(cc.Frequency)
		}
		if !cc.Disabled {
			enabled++
			if cc.Overdue {
				report.Violations++
			} else {
				compliant++
			}
		}
		report.Classes = append(report.Classes, *cc)
	}
	sort.Slice(report.Classes, func(i, j int) bool {
		return report.Classes[i].ClassID < report.Classes[j].ClassID
	})
	if enabled > 0 {
		report.Score = float64(compliant) / float64(enabled) * 100
	} else {
		report.Score = 100
	}
	return report, nil
}
