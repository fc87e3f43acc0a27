// Package followlytics defines the core types shared across subsystems.
package followlytics

import (
	"errors"
	"time"
)

// Sentinel errors shared by stores and services.
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrAlreadyFinished   = errors.New("scan already finished")
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrMethodUnavailable = errors.New("scan method unavailable")
	ErrInvalidUsername   = errors.New("invalid X username")
	ErrQueueFull         = errors.New("queue full")
	ErrQueueClosed       = errors.New("queue closed")
	ErrQuotaExceeded     = errors.New("monthly scan quota exceeded")
)

// Tier is a subscription level.
type Tier string

// Subscription tiers, lowest first.
const (
	TierFree       Tier = "free"
	TierStarter    Tier = "starter"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// User is the account record keyed by the Firebase UID.
type User struct {
	UID                  string         `json:"uid" firestore:"uid"`
	Email                string         `json:"email" firestore:"email"`
	Tier                 Tier           `json:"tier" firestore:"tier"`
	StripeCustomerID     string         `json:"stripe_customer_id,omitempty" firestore:"stripeCustomerId"`
	StripeSubscriptionID string         `json:"-" firestore:"stripeSubscriptionId"`
	Usage                map[string]int `json:"usage,omitempty" firestore:"usage,omitempty"`
	CreatedAt            time.Time      `json:"created_at" firestore:"createdAt"`
	UpdatedAt            time.Time      `json:"updated_at" firestore:"updatedAt"`
}

// UsageKey returns the usage bucket for the month containing t.
func UsageKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// ScansThisMonth reports how many scans the user submitted in the month of now.
func (u User) ScansThisMonth(now time.Time) int {
	if u.Usage == nil {
		return 0
	}
	return u.Usage[UsageKey(now)]
}

// ScanMethod selects how followers are extracted.
type ScanMethod string

// Supported extraction methods.
const (
	MethodAPI     ScanMethod = "api"
	MethodApify   ScanMethod = "apify"
	MethodSandbox ScanMethod = "sandbox"
	MethodBrowser ScanMethod = "browser"
)

// Valid reports whether m is a known method.
func (m ScanMethod) Valid() bool {
	switch m {
	case MethodAPI, MethodApify, MethodSandbox, MethodBrowser:
		return true
	default:
		return false
	}
}

// ScanStatus represents the lifecycle state of a scan.
type ScanStatus string

// Scan status values persisted in the scan store.
const (
	ScanQueued    ScanStatus = "queued"
	ScanRunning   ScanStatus = "running"
	ScanSucceeded ScanStatus = "succeeded"
	ScanFailed    ScanStatus = "failed"
	ScanCanceled  ScanStatus = "canceled"
)

// Terminal reports whether no further transitions are allowed.
func (s ScanStatus) Terminal() bool {
	switch s {
	case ScanSucceeded, ScanFailed, ScanCanceled:
		return true
	default:
		return false
	}
}

// ScanCounters tracks extraction stats per scan.
type ScanCounters struct {
	FollowersFound int `json:"followers_found" firestore:"followersFound"`
	Gained         int `json:"gained" firestore:"gained"`
	Lost           int `json:"lost" firestore:"lost"`
	Attempts       int `json:"attempts" firestore:"attempts"`
}

// Profile is public metadata about the scanned account.
type Profile struct {
	Username    string `json:"username" firestore:"username"`
	DisplayName string `json:"display_name,omitempty" firestore:"displayName"`
	Description string `json:"description,omitempty" firestore:"description"`
	AvatarURL   string `json:"avatar_url,omitempty" firestore:"avatarUrl"`
}

// Scan is the metadata persisted for each follower extraction request.
type Scan struct {
	ID           string       `json:"id" firestore:"id"`
	UID          string       `json:"uid" firestore:"uid"`
	Username     string       `json:"username" firestore:"username"`
	Method       ScanMethod   `json:"method" firestore:"method"`
	MaxFollowers int          `json:"max_followers" firestore:"maxFollowers"`
	Status       ScanStatus   `json:"status" firestore:"status"`
	Submitted    time.Time    `json:"submitted_at" firestore:"submittedAt"`
	Started      *time.Time   `json:"started_at,omitempty" firestore:"startedAt"`
	Finished     *time.Time   `json:"finished_at,omitempty" firestore:"finishedAt"`
	ErrorText    string       `json:"error_text,omitempty" firestore:"errorText"`
	Progress     int          `json:"progress" firestore:"progress"`
	Counters     ScanCounters `json:"counters" firestore:"counters"`
	Profile      *Profile     `json:"profile,omitempty" firestore:"profile"`
	ExportURI    string       `json:"export_uri,omitempty" firestore:"exportUri"`
	ExportHash   string       `json:"export_hash,omitempty" firestore:"exportHash"`
	Source       string       `json:"source,omitempty" firestore:"source"`
}

// ScanUpdate carries the mutable fields of a status transition.
type ScanUpdate struct {
	Status     ScanStatus
	ErrorText  string
	Counters   ScanCounters
	Profile    *Profile
	ExportURI  string
	ExportHash string
	Source     string
}

// Follower is one account following the scanned user.
type Follower struct {
	ID             string `json:"id"`
	Username       string `json:"username"`
	DisplayName    string `json:"display_name,omitempty"`
	Description    string `json:"description,omitempty"`
	FollowersCount int    `json:"followers_count"`
	FollowingCount int    `json:"following_count"`
	Verified       bool   `json:"verified"`
	AvatarURL      string `json:"avatar_url,omitempty"`
}

// Snapshot is the follower list captured by one scan.
type Snapshot struct {
	ScanID    string     `json:"scan_id"`
	UID       string     `json:"uid"`
	Target    string     `json:"target"`
	TakenAt   time.Time  `json:"taken_at"`
	Followers []Follower `json:"followers"`
}

// Diff lists follower changes between two snapshots of the same target.
type Diff struct {
	Gained []string `json:"gained"`
	Lost   []string `json:"lost"`
}

// Cookie is a captured browser cookie for x.com.
type Cookie struct {
	Name     string    `json:"name" validate:"required"`
	Value    string    `json:"value" validate:"required"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires,omitempty"`
	HTTPOnly bool      `json:"http_only"`
	Secure   bool      `json:"secure"`
}

// SessionData is the decrypted content of a captured browser session.
type SessionData struct {
	Cookies      []Cookie          `json:"cookies"`
	LocalStorage map[string]string `json:"local_storage,omitempty"`
}

// Session is the stored form of a captured X.com browser session.
type Session struct {
	UID         string    `json:"uid" firestore:"uid"`
	XUsername   string    `json:"x_username" firestore:"xUsername"`
	CookieNames []string  `json:"cookie_names" firestore:"cookieNames"`
	Sealed      []byte    `json:"-" firestore:"sealed"`
	CapturedAt  time.Time `json:"captured_at" firestore:"capturedAt"`
}

// ReportProvider selects the model vendor for analysis.
type ReportProvider string

// Supported report providers.
const (
	ProviderOpenAI ReportProvider = "openai"
	ProviderGrok   ReportProvider = "grok"
)

// ReportStatus is the lifecycle of an AI report.
type ReportStatus string

// Report status values.
const (
	ReportPending ReportStatus = "pending"
	ReportReady   ReportStatus = "ready"
	ReportFailed  ReportStatus = "failed"
)

// Report is an AI-generated analysis of one scan.
type Report struct {
	ID              string         `json:"id" firestore:"id"`
	UID             string         `json:"uid" firestore:"uid"`
	ScanID          string         `json:"scan_id" firestore:"scanId"`
	Provider        ReportProvider `json:"provider" firestore:"provider"`
	Presentation    bool           `json:"presentation" firestore:"presentation"`
	Status          ReportStatus   `json:"status" firestore:"status"`
	Content         string         `json:"content,omitempty" firestore:"content"`
	PresentationURL string         `json:"presentation_url,omitempty" firestore:"presentationUrl"`
	ErrorText       string         `json:"error_text,omitempty" firestore:"errorText"`
	CreatedAt       time.Time      `json:"created_at" firestore:"createdAt"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty" firestore:"completedAt"`
}

// ItemKind distinguishes queued work.
type ItemKind string

// Queue item kinds.
const (
	KindScan   ItemKind = "scan"
	KindReport ItemKind = "report"
)

// QueueItem wraps work ready to run.
type QueueItem struct {
	Kind      ItemKind
	ID        string
	UID       string
	Attempt   int
	Submitted int64
}

// Identity is the verified caller behind an ID token.
type Identity struct {
	UID   string
	Email string
}

// Apply merges update into the scan. Empty optional fields keep their old
// values. Started is set on the first transition to running and Finished on
// entering a terminal state.
func (s Scan) Apply(update ScanUpdate, now time.Time) Scan {
	s.Status = update.Status
	s.ErrorText = update.ErrorText
	s.Counters = update.Counters
	if update.Profile != nil {
		p := *update.Profile
		s.Profile = &p
	}
	if update.ExportURI != "" {
		s.ExportURI = update.ExportURI
	}
	if update.ExportHash != "" {
		s.ExportHash = update.ExportHash
	}
	if update.Source != "" {
		s.Source = update.Source
	}
	if update.Status == ScanRunning && s.Started == nil {
		ts := now
		s.Started = &ts
	}
	if update.Status.Terminal() {
		ts := now
		s.Finished = &ts
		if update.Status == ScanSucceeded {
			s.Progress = update.Counters.FollowersFound
		}
	}
	return s
}
