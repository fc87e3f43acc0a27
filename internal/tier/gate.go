// Package tier implements the subscription tier gate: every gated operation
// names a Feature, and the caller's tier must rank at or above the feature's
// minimum tier.
package tier

import (
	"errors"
	"fmt"
	"time"

	"github.com/followlytics/followlytics/internal/followlytics"
)

// Gate errors.
var (
	ErrFeatureLocked = errors.New("feature not available on current tier")
	ErrQuotaExceeded = followlytics.ErrQuotaExceeded
)

// Feature names a gated capability.
type Feature string

// Gated features.
const (
	FeatureScanAPI      Feature = "scan.api"
	FeatureScanApify    Feature = "scan.apify"
	FeatureScanBrowser  Feature = "scan.browser"
	FeatureScanSandbox  Feature = "scan.sandbox"
	FeatureReportOpenAI Feature = "report.openai"
	FeatureReportGrok   Feature = "report.grok"
	FeaturePresentation Feature = "report.presentation"
	FeatureExport       Feature = "export"
)

var minimumTier = map[Feature]followlytics.Tier{
	FeatureScanAPI:      followlytics.TierFree,
	FeatureScanApify:    followlytics.TierStarter,
	FeatureScanBrowser:  followlytics.TierPro,
	FeatureScanSandbox:  followlytics.TierPro,
	FeatureReportOpenAI: followlytics.TierStarter,
	FeatureReportGrok:   followlytics.TierPro,
	FeaturePresentation: followlytics.TierPro,
	FeatureExport:       followlytics.TierStarter,
}

// Limits are the per-tier quotas. ScansPerMonth <= 0 means unlimited.
type Limits struct {
	MaxFollowersPerScan int `json:"max_followers_per_scan"`
	ScansPerMonth       int `json:"scans_per_month"`
}

var defaultLimits = map[followlytics.Tier]Limits{
	followlytics.TierFree:       {MaxFollowersPerScan: 1000, ScansPerMonth: 3},
	followlytics.TierStarter:    {MaxFollowersPerScan: 10000, ScansPerMonth: 30},
	followlytics.TierPro:        {MaxFollowersPerScan: 100000, ScansPerMonth: 300},
	followlytics.TierEnterprise: {MaxFollowersPerScan: 1000000, ScansPerMonth: 0},
}

// Rank orders tiers; unknown tiers rank as free.
func Rank(t followlytics.Tier) int {
	switch t {
	case followlytics.TierStarter:
		return 1
	case followlytics.TierPro:
		return 2
	case followlytics.TierEnterprise:
		return 3
	default:
		return 0
	}
}

// Parse returns the tier named by s, or false if s names no tier.
func Parse(s string) (followlytics.Tier, bool) {
	t := followlytics.Tier(s)
	switch t {
	case followlytics.TierFree, followlytics.TierStarter, followlytics.TierPro, followlytics.TierEnterprise:
		return t, true
	default:
		return "", false
	}
}

// Minimum returns the lowest tier that unlocks f. Unknown features need enterprise.
func Minimum(f Feature) followlytics.Tier {
	if t, ok := minimumTier[f]; ok {
		return t
	}
	return followlytics.TierEnterprise
}

// ScanFeature maps an extraction method to its gated feature.
func ScanFeature(m followlytics.ScanMethod) Feature {
	switch m {
	case followlytics.MethodApify:
		return FeatureScanApify
	case followlytics.MethodBrowser:
		return FeatureScanBrowser
	case followlytics.MethodSandbox:
		return FeatureScanSandbox
	default:
		return FeatureScanAPI
	}
}

// ReportFeature maps a report provider to its gated feature.
func ReportFeature(p followlytics.ReportProvider) Feature {
	if p == followlytics.ProviderGrok {
		return FeatureReportGrok
	}
	return FeatureReportOpenAI
}

// Gate evaluates tier requirements and quotas.
type Gate struct {
	limits map[followlytics.Tier]Limits
}

// NewGate builds a Gate; overrides replace the default limits of the named tiers.
func NewGate(overrides map[followlytics.Tier]Limits) *Gate {
	limits := make(map[followlytics.Tier]Limits, len(defaultLimits))
	for t, l := range defaultLimits {
		limits[t] = l
	}
	for t, l := range overrides {
		limits[t] = l
	}
	return &Gate{limits: limits}
}

// Limits returns the quotas of t.
func (g *Gate) Limits(t followlytics.Tier) Limits {
	if l, ok := g.limits[t]; ok {
		return l
	}
	return g.limits[followlytics.TierFree]
}

// Require returns ErrFeatureLocked unless the user's tier unlocks f.
func (g *Gate) Require(user followlytics.User, f Feature) error {
	need := Minimum(f)
	if Rank(user.Tier) < Rank(need) {
		return fmt.Errorf("%w: %s requires %s", ErrFeatureLocked, f, need)
	}
	return nil
}

// CheckScan gates a scan submission and returns the effective follower cap.
// A requested max of zero (or above the tier cap) resolves to the tier cap.
func (g *Gate) CheckScan(
	user followlytics.User,
	method followlytics.ScanMethod,
	requestedMax int,
	now time.Time,
) (int, error) {
	if err := g.Require(user, ScanFeature(method)); err != nil {
		return 0, err
	}
	limits := g.Limits(user.Tier)
	if limits.ScansPerMonth > 0 && user.ScansThisMonth(now) >= limits.ScansPerMonth {
		return 0, fmt.Errorf("%w: %d of %d used", ErrQuotaExceeded, user.ScansThisMonth(now), limits.ScansPerMonth)
	}
	if requestedMax < 0 {
		return 0, fmt.Errorf("max followers must be >= 0")
	}
	if requestedMax == 0 || requestedMax > limits.MaxFollowersPerScan {
		return limits.MaxFollowersPerScan, nil
	}
	return requestedMax, nil
}
