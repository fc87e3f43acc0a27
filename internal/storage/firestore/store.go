// Package firestore stores users, scans, sessions and reports as Cloud
// Firestore documents.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	fs "cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/followlytics/followlytics/internal/followlytics"
)

// Collection names.
const (
	UsersCollection    = "users"
	ScansCollection    = "scans"
	SessionsCollection = "sessions"
	ReportsCollection  = "reports"
)

// Store implements the user, scan, session and report stores on one client.
type Store struct {
	client *fs.Client
	now    func() time.Time
}

// New opens a Firestore client for projectID.
func New(ctx context.Context, projectID string, opts ...option.ClientOption) (*Store, error) {
	client, err := fs.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore client: %w", err)
	}
	return NewWithClient(client), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *fs.Client) *Store {
	return &Store{client: client, now: func() time.Time { return time.Now().UTC() }}
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping reads a missing document to verify connectivity and credentials.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.Collection(UsersCollection).Doc("_ping").Get(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("firestore ping: %w", err)
	}
	return nil
}

// mapError translates gRPC status codes into shared sentinel errors.
func mapError(err error, what string) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%s: %w", what, followlytics.ErrNotFound)
	case codes.AlreadyExists:
		return fmt.Errorf("%s: %w", what, followlytics.ErrAlreadyExists)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}

// GetUser fetches a user by UID.
func (s *Store) GetUser(ctx context.Context, uid string) (followlytics.User, error) {
	snap, err := s.client.Collection(UsersCollection).Doc(uid).Get(ctx)
	if err != nil {
		return followlytics.User{}, mapError(err, "get user "+uid)
	}
	var user followlytics.User
	if err := snap.DataTo(&user); err != nil {
		return followlytics.User{}, fmt.Errorf("decode user %s: %w", uid, err)
	}
	return user, nil
}

// CreateUser stores a new user.
func (s *Store) CreateUser(ctx context.Context, user followlytics.User) error {
	_, err := s.client.Collection(UsersCollection).Doc(user.UID).Create(ctx, user)
	return mapError(err, "create user "+user.UID)
}

// UpdateTier sets the subscription fields. Empty ids keep their old values.
func (s *Store) UpdateTier(ctx context.Context, uid string, tier followlytics.Tier, customerID, subscriptionID string) error {
	updates := []fs.Update{
		{Path: "tier", Value: tier},
		{Path: "updatedAt", Value: s.now()},
	}
	if customerID != "" {
		updates = append(updates, fs.Update{Path: "stripeCustomerId", Value: customerID})
	}
	if subscriptionID != "" {
		updates = append(updates, fs.Update{Path: "stripeSubscriptionId", Value: subscriptionID})
	}
	_, err := s.client.Collection(UsersCollection).Doc(uid).Update(ctx, updates)
	return mapError(err, "update tier of "+uid)
}

// FindByCustomer looks a user up by Stripe customer id.
func (s *Store) FindByCustomer(ctx context.Context, customerID string) (followlytics.User, error) {
	if customerID == "" {
		return followlytics.User{}, fmt.Errorf("empty customer id: %w", followlytics.ErrNotFound)
	}
	iter := s.client.Collection(UsersCollection).Where("stripeCustomerId", "==", customerID).Limit(1).Documents(ctx)
	defer iter.Stop()
	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return followlytics.User{}, fmt.Errorf("customer %s: %w", customerID, followlytics.ErrNotFound)
	}
	if err != nil {
		return followlytics.User{}, fmt.Errorf("query customer %s: %w", customerID, err)
	}
	var user followlytics.User
	if err := snap.DataTo(&user); err != nil {
		return followlytics.User{}, fmt.Errorf("decode user: %w", err)
	}
	return user, nil
}

// ReserveUsage bumps the usage counter for key in a transaction that first
// checks it against limit.
func (s *Store) ReserveUsage(ctx context.Context, uid string, key string, limit int) error {
	ref := s.client.Collection(UsersCollection).Doc(uid)
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *fs.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return mapError(err, "get user "+uid)
		}
		var user followlytics.User
		if err := snap.DataTo(&user); err != nil {
			return fmt.Errorf("decode user %s: %w", uid, err)
		}
		if used := user.Usage[key]; limit > 0 && used >= limit {
			return fmt.Errorf("%w: %d of %d used", followlytics.ErrQuotaExceeded, used, limit)
		}
		return tx.Update(ref, []fs.Update{
			{FieldPath: fs.FieldPath{"usage", key}, Value: fs.Increment(1)},
			{Path: "updatedAt", Value: s.now()},
		})
	})
}

// CreateScan stores a new scan.
func (s *Store) CreateScan(ctx context.Context, scan followlytics.Scan) error {
	_, err := s.client.Collection(ScansCollection).Doc(scan.ID).Create(ctx, scan)
	return mapError(err, "create scan "+scan.ID)
}

// GetScan fetches a scan by ID.
func (s *Store) GetScan(ctx context.Context, scanID string) (followlytics.Scan, error) {
	snap, err := s.client.Collection(ScansCollection).Doc(scanID).Get(ctx)
	if err != nil {
		return followlytics.Scan{}, mapError(err, "get scan "+scanID)
	}
	return decodeScan(snap)
}

// ListScans returns the newest scans of uid first.
func (s *Store) ListScans(ctx context.Context, uid string, limit int) ([]followlytics.Scan, error) {
	q := s.client.Collection(ScansCollection).Where("uid", "==", uid).OrderBy("submittedAt", fs.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	iter := q.Documents(ctx)
	defer iter.Stop()
	out := make([]followlytics.Scan, 0)
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("list scans: %w", err)
		}
		scan, err := decodeScan(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, scan)
	}
}

// ListScansByStatus returns the scans in one of statuses across all users.
func (s *Store) ListScansByStatus(ctx context.Context, statuses ...followlytics.ScanStatus) ([]followlytics.Scan, error) {
	values := make([]string, 0, len(statuses))
	for _, st := range statuses {
		values = append(values, string(st))
	}
	iter := s.client.Collection(ScansCollection).Where("status", "in", values).Documents(ctx)
	defer iter.Stop()
	out := make([]followlytics.Scan, 0)
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("list scans by status: %w", err)
		}
		scan, err := decodeScan(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, scan)
	}
}

// UpdateScan applies a transition in a transaction so terminal states stay final.
func (s *Store) UpdateScan(ctx context.Context, scanID string, update followlytics.ScanUpdate) error {
	ref := s.client.Collection(ScansCollection).Doc(scanID)
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *fs.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return mapError(err, "get scan "+scanID)
		}
		scan, err := decodeScan(snap)
		if err != nil {
			return err
		}
		if scan.Status.Terminal() {
			return fmt.Errorf("scan %s is %s: %w", scanID, scan.Status, followlytics.ErrAlreadyFinished)
		}
		return tx.Set(ref, scan.Apply(update, s.now()))
	})
}

// UpdateProgress raises the running follower count of an active scan.
func (s *Store) UpdateProgress(ctx context.Context, scanID string, followers int) error {
	ref := s.client.Collection(ScansCollection).Doc(scanID)
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *fs.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return mapError(err, "get scan "+scanID)
		}
		scan, err := decodeScan(snap)
		if err != nil {
			return err
		}
		if scan.Status.Terminal() || followers < scan.Progress {
			return nil
		}
		return tx.Update(ref, []fs.Update{{Path: "progress", Value: followers}})
	})
}

func decodeScan(snap *fs.DocumentSnapshot) (followlytics.Scan, error) {
	var scan followlytics.Scan
	if err := snap.DataTo(&scan); err != nil {
		return followlytics.Scan{}, fmt.Errorf("decode scan %s: %w", snap.Ref.ID, err)
	}
	return scan, nil
}

// PutSession replaces the session of session.UID.
func (s *Store) PutSession(ctx context.Context, session followlytics.Session) error {
	_, err := s.client.Collection(SessionsCollection).Doc(session.UID).Set(ctx, session)
	return mapError(err, "put session "+session.UID)
}

// GetSession fetches the session of uid.
func (s *Store) GetSession(ctx context.Context, uid string) (followlytics.Session, error) {
	snap, err := s.client.Collection(SessionsCollection).Doc(uid).Get(ctx)
	if err != nil {
		return followlytics.Session{}, mapError(err, "get session "+uid)
	}
	var session followlytics.Session
	if err := snap.DataTo(&session); err != nil {
		return followlytics.Session{}, fmt.Errorf("decode session %s: %w", uid, err)
	}
	return session, nil
}

// DeleteSession removes the session of uid.
func (s *Store) DeleteSession(ctx context.Context, uid string) error {
	ref := s.client.Collection(SessionsCollection).Doc(uid)
	_, err := ref.Delete(ctx, fs.Exists)
	return mapError(err, "delete session "+uid)
}

// CreateReport stores a new report.
func (s *Store) CreateReport(ctx context.Context, report followlytics.Report) error {
	_, err := s.client.Collection(ReportsCollection).Doc(report.ID).Create(ctx, report)
	return mapError(err, "create report "+report.ID)
}

// GetReport fetches a report by ID.
func (s *Store) GetReport(ctx context.Context, reportID string) (followlytics.Report, error) {
	snap, err := s.client.Collection(ReportsCollection).Doc(reportID).Get(ctx)
	if err != nil {
		return followlytics.Report{}, mapError(err, "get report "+reportID)
	}
	var report followlytics.Report
	if err := snap.DataTo(&report); err != nil {
		return followlytics.Report{}, fmt.Errorf("decode report %s: %w", reportID, err)
	}
	return report, nil
}

// SaveReport replaces an existing report.
func (s *Store) SaveReport(ctx context.Context, report followlytics.Report) error {
	ref := s.client.Collection(ReportsCollection).Doc(report.ID)
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *fs.Transaction) error {
		if _, err := tx.Get(ref); err != nil {
			return mapError(err, "get report "+report.ID)
		}
		return tx.Set(ref, report)
	})
}

// ListReportsByStatus returns the reports in state want across all users.
func (s *Store) ListReportsByStatus(ctx context.Context, want followlytics.ReportStatus) ([]followlytics.Report, error) {
	iter := s.client.Collection(ReportsCollection).Where("status", "==", string(want)).Documents(ctx)
	defer iter.Stop()
	out := make([]followlytics.Report, 0)
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("list reports by status: %w", err)
		}
		var report followlytics.Report
		if err := snap.DataTo(&report); err != nil {
			return nil, fmt.Errorf("decode report %s: %w", snap.Ref.ID, err)
		}
		out = append(out, report)
	}
}
