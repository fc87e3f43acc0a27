package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/followlytics/followlytics/internal/followlytics"
)

// ReportStore keeps AI reports in a map.
type ReportStore struct {
	mu      sync.RWMutex
	reports map[string]followlytics.Report
}

// NewReportStore constructs a ReportStore.
func NewReportStore() *ReportStore {
	return &ReportStore{reports: make(map[string]followlytics.Report)}
}

// CreateReport stores a new report.
func (s *ReportStore) CreateReport(_ context.Context, report followlytics.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.reports[report.ID]; exists {
		return fmt.Errorf("report %s: %w", report.ID, followlytics.ErrAlreadyExists)
	}
	s.reports[report.ID] = report
	return nil
}

// GetReport fetches a report by ID.
func (s *ReportStore) GetReport(_ context.Context, reportID string) (followlytics.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	report, ok := s.reports[reportID]
	if !ok {
		return followlytics.Report{}, fmt.Errorf("report %s: %w", reportID, followlytics.ErrNotFound)
	}
	return report, nil
}

// SaveReport replaces an existing report.
func (s *ReportStore) SaveReport(_ context.Context, report followlytics.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[report.ID]; !ok {
		return fmt.Errorf("report %s: %w", report.ID, followlytics.ErrNotFound)
	}
	s.reports[report.ID] = report
	return nil
}

// ListReportsByStatus returns the reports with status, oldest first.
func (s *ReportStore) ListReportsByStatus(_ context.Context, status followlytics.ReportStatus) ([]followlytics.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]followlytics.Report, 0)
	for _, report := range s.reports {
		if report.Status == status {
			out = append(out, report)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
