// Package analysis computes follower statistics and produces AI reports and
// presentations from scan snapshots.
package analysis

import (
	"sort"
	"strings"
	"unicode"

	"github.com/followlytics/followlytics/internal/followlytics"
)

const (
	topAccounts = 10
	topKeywords = 20
)

// KeywordCount is one bio keyword and how many followers used it.
type KeywordCount struct {
	Word  string `json:"word"`
	Count int    `json:"count"`
}

// Stats summarizes a follower list.
type Stats struct {
	Total           int                     `json:"total"`
	Verified        int                     `json:"verified"`
	MedianFollowers float64                 `json:"median_followers"`
	MeanFollowers   float64                 `json:"mean_followers"`
	Top             []followlytics.Follower `json:"top"`
	Keywords        []KeywordCount          `json:"keywords"`
}

var stopwords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`a an and are as at be but by for from has have he her his i im
		in is it its just me my not of on or our she so that the their they this to us was we
		were what who will with you your all about also am can do get if into like more no now
		one out over than them then there these up very via when where which while would
		https http www com co amp rt`) {
		stopwords[w] = struct{}{}
	}
}

// ComputeStats derives counts, follower-count averages, the largest accounts
// and the most frequent bio keywords.
func ComputeStats(followers []followlytics.Follower) Stats {
	s := Stats{Total: len(followers), Top: []followlytics.Follower{}, Keywords: []KeywordCount{}}
	if len(followers) == 0 {
		return s
	}

	counts := make([]int, 0, len(followers))
	sum := 0
	words := make(map[string]int)
	for _, f := range followers {
		if f.Verified {
			s.Verified++
		}
		counts = append(counts, f.FollowersCount)
		sum += f.FollowersCount
		for w := range bioWords(f.Description) {
			words[w]++
		}
	}
	sort.Ints(counts)
	s.MeanFollowers = float64(sum) / float64(len(counts))
	mid := len(counts) / 2
	if len(counts)%2 == 0 {
		s.MedianFollowers = float64(counts[mid-1]+counts[mid]) / 2
	} else {
		s.MedianFollowers = float64(counts[mid])
	}

	top := append([]followlytics.Follower(nil), followers...)
	sort.SliceStable(top, func(i, j int) bool { return top[i].FollowersCount > top[j].FollowersCount })
	s.Top = top[:min(topAccounts, len(top))]

	for w, n := range words {
		s.Keywords = append(s.Keywords, KeywordCount{Word: w, Count: n})
	}
	sort.Slice(s.Keywords, func(i, j int) bool {
		if s.Keywords[i].Count != s.Keywords[j].Count {
			return s.Keywords[i].Count > s.Keywords[j].Count
		}
		return s.Keywords[i].Word < s.Keywords[j].Word
	})
	s.Keywords = s.Keywords[:min(topKeywords, len(s.Keywords))]
	return s
}

// bioWords returns the distinct keywords of one bio.
func bioWords(bio string) map[string]struct{} {
	out := make(map[string]struct{})
	fields := strings.FieldsFunc(strings.ToLower(bio), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '#' && r != '@'
	})
	for _, w := range fields {
		w = strings.Trim(w, "#@")
		if len([]rune(w)) < 3 {
			continue
		}
		if _, skip := stopwords[w]; skip {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}
