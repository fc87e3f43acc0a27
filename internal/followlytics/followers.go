package followlytics

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9_]{1,15}$`)

// NormalizeUsername strips a leading @ and lowercases the handle.
func NormalizeUsername(raw string) (string, error) {
	name := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), "@"))
	if !usernamePattern.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidUsername, raw)
	}
	return name, nil
}

// DedupeFollowers drops repeated accounts and truncates to limit (limit <= 0 keeps all).
// Accounts are keyed by ID, or by lowercase username when the ID is unknown.
func DedupeFollowers(in []Follower, limit int) []Follower {
	seen := make(map[string]struct{}, len(in))
	out := make([]Follower, 0, len(in))
	for _, f := range in {
		key := followerKey(f)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, f)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func followerKey(f Follower) string {
	if f.ID != "" {
		return "id:" + f.ID
	}
	if f.Username != "" {
		return "u:" + strings.ToLower(f.Username)
	}
	return ""
}

// DiffFollowers compares usernames between a previous and current snapshot.
func DiffFollowers(previous, current []Follower) Diff {
	prev := usernameSet(previous)
	cur := usernameSet(current)
	diff := Diff{Gained: []string{}, Lost: []string{}}
	for name := range cur {
		if _, ok := prev[name]; !ok {
			diff.Gained = append(diff.Gained, name)
		}
	}
	for name := range prev {
		if _, ok := cur[name]; !ok {
			diff.Lost = append(diff.Lost, name)
		}
	}
	sort.Strings(diff.Gained)
	sort.Strings(diff.Lost)
	return diff
}

func usernameSet(list []Follower) map[string]struct{} {
	out := make(map[string]struct{}, len(list))
	for _, f := range list {
		if f.Username == "" {
			continue
		}
		out[strings.ToLower(f.Username)] = struct{}{}
	}
	return out
}
