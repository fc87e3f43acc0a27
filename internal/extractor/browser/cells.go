package browser

import (
	"strings"

	"github.com/followlytics/followlytics/internal/followlytics"
)

// cell is the raw data scraped from one UserCell element.
type cell struct {
	Href     string `json:"href"`
	Text     string `json:"text"`
	Verified bool   `json:"verified"`
	Avatar   string `json:"avatar"`
}

// Button and badge labels that X renders inside a user cell.
var cellNoise = map[string]struct{}{
	"follow":      {},
	"following":   {},
	"follows you": {},
	"unfollow":    {},
	"pending":     {},
	"blocked":     {},
	"·":           {},
}

// parseCell turns a scraped cell into a Follower. The handle comes from the
// profile link and falls back to the first "@" line of the text.
func parseCell(c cell) (followlytics.Follower, bool) {
	lines := splitLines(c.Text)

	handle := strings.Trim(strings.TrimSpace(c.Href), "/")
	if strings.Contains(handle, "/") {
		handle = ""
	}
	handleLine := -1
	for i, line := range lines {
		if strings.HasPrefix(line, "@") {
			handleLine = i
			if handle == "" {
				handle = strings.TrimPrefix(line, "@")
			}
			break
		}
	}
	if handle == "" {
		return followlytics.Follower{}, false
	}

	f := followlytics.Follower{
		Username:  handle,
		Verified:  c.Verified,
		AvatarURL: c.Avatar,
	}
	if handleLine > 0 {
		f.DisplayName = lines[0]
	}
	var bio []string
	for _, line := range lines[handleLine+1:] {
		if _, noise := cellNoise[strings.ToLower(line)]; noise {
			continue
		}
		if strings.HasPrefix(strings.ToLower(line), "click to ") {
			continue
		}
		bio = append(bio, line)
	}
	f.Description = strings.Join(bio, " ")
	return f, true
}

func splitLines(text string) []string {
	raw := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(raw))
	for _, line := range raw {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// collector accumulates unique followers across scroll rounds.
type collector struct {
	limit     int
	seen      map[string]struct{}
	followers []followlytics.Follower
}

func newCollector(limit int) *collector {
	return &collector{limit: limit, seen: make(map[string]struct{})}
}

// add records new followers from cells and returns how many were new.
func (c *collector) add(cells []cell) int {
	added := 0
	for _, raw := range cells {
		if c.full() {
			break
		}
		f, ok := parseCell(raw)
		if !ok {
			continue
		}
		key := strings.ToLower(f.Username)
		if _, dup := c.seen[key]; dup {
			continue
		}
		c.seen[key] = struct{}{}
		c.followers = append(c.followers, f)
		added++
	}
	return added
}

func (c *collector) full() bool {
	return c.limit > 0 && len(c.followers) >= c.limit
}
