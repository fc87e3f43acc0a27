package followlytics

import (
	"context"
	"io"
	"time"
)

// UserStore persists account records.
type UserStore interface {
	GetUser(ctx context.Context, uid string) (User, error)
	// CreateUser stores a new user; ErrAlreadyExists if the UID is taken.
	CreateUser(ctx context.Context, user User) error
	UpdateTier(ctx context.Context, uid string, tier Tier, customerID, subscriptionID string) error
	FindByCustomer(ctx context.Context, customerID string) (User, error)
	// ReserveUsage adds one to the usage counter named key unless it already
	// reached limit, in which case it returns ErrQuotaExceeded. A limit <= 0 is unlimited.
	ReserveUsage(ctx context.Context, uid string, key string, limit int) error
}

// ScanStore persists scan metadata.
type ScanStore interface {
	CreateScan(ctx context.Context, scan Scan) error
	GetScan(ctx context.Context, scanID string) (Scan, error)
	ListScans(ctx context.Context, uid string, limit int) ([]Scan, error)
	// UpdateScan applies a transition; ErrAlreadyFinished if the scan is terminal.
	UpdateScan(ctx context.Context, scanID string, update ScanUpdate) error
	UpdateProgress(ctx context.Context, scanID string, followers int) error
	// ListScansByStatus returns every scan, of any user, in one of statuses.
	ListScansByStatus(ctx context.Context, statuses ...ScanStatus) ([]Scan, error)
}

// ReportStore persists AI reports.
type ReportStore interface {
	CreateReport(ctx context.Context, report Report) error
	GetReport(ctx context.Context, reportID string) (Report, error)
	SaveReport(ctx context.Context, report Report) error
	ListReportsByStatus(ctx context.Context, status ReportStatus) ([]Report, error)
}

// SessionStore persists sealed browser sessions, one per user.
type SessionStore interface {
	PutSession(ctx context.Context, session Session) error
	GetSession(ctx context.Context, uid string) (Session, error)
	DeleteSession(ctx context.Context, uid string) error
}

// SnapshotStore persists follower lists per scan.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	GetSnapshot(ctx context.Context, scanID string) (Snapshot, error)
	// PreviousSnapshot returns the latest snapshot of target for uid taken before the given time.
	PreviousSnapshot(ctx context.Context, uid, target string, before time.Time) (Snapshot, error)
	Close()
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for background work.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// TryEnqueue pushes item without blocking when q supports it, so a full
// queue surfaces as ErrQueueFull instead of stalling the caller.
func TryEnqueue(ctx context.Context, q Queue, item QueueItem) error {
	if nb, ok := q.(interface {
		TryEnqueue(item QueueItem) error
	}); ok {
		return nb.TryEnqueue(item)
	}
	return q.Enqueue(ctx, item)
}

// Hasher computes digests for export integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// TokenVerifier validates Firebase ID tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, idToken string) (Identity, error)
}

// ExtractRequest describes one follower extraction.
type ExtractRequest struct {
	ScanID       string
	UID          string
	Username     string
	MaxFollowers int
	// Progress receives the running follower count; may be nil.
	Progress func(found int, note string)
}

// ExtractResult is what an Extractor produced.
type ExtractResult struct {
	Followers []Follower
	Source    string
}

// Extractor pulls the follower list of an X account.
type Extractor interface {
	Extract(ctx context.Context, req ExtractRequest) (ExtractResult, error)
}

// ProfileProber reads public profile metadata.
type ProfileProber interface {
	Probe(ctx context.Context, username string) (Profile, error)
}

// Mailer sends transactional email.
type Mailer interface {
	SendScanComplete(ctx context.Context, to string, scan Scan) error
}

// ReportRunner generates a queued report.
type ReportRunner interface {
	RunReport(ctx context.Context, reportID string) error
}

// SessionOpener decrypts the captured browser session of a user.
type SessionOpener interface {
	Open(ctx context.Context, uid string) (SessionData, error)
}
