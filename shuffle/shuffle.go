// Package shuffle is the pure ordering engine: filter, dedup, Fisher-Yates,
// similarity guard. No I/O; randomness comes in as an explicit source so
// tests can pin it.
package shuffle

import (
	"math/rand"

	"github.com/dlclark/regexp2"

	"github.com/true-shuffle/trueshuffle/models"
)

// Skip reasons recorded for filtered entries.
const (
	ReasonLocal       = "local"
	ReasonEpisode     = "episode"
	ReasonUnavailable = "unavailable"
	ReasonDuplicate   = "duplicate"
)

const (
	similarityWindow    = 10
	similarityThreshold = 0.5
	maxReshuffles       = 5
)

var trackURIExpr = regexp2.MustCompile(`^spotify:track:[0-9A-Za-z]+$`, 0)

func isTrackURI(uri string) bool {
	ok, _ := trackURIExpr.MatchString(uri)
	return ok
}

// Filter splits playlist entries into playable URIs and skipped entries.
// Local files, episodes, unplayable tracks and entries without a proper
// spotify:track URI are dropped with a reason.
func Filter(tracks []models.PlaylistTrack) ([]string, []models.SkippedTrack) {
	var uris []string
	var skipped []models.SkippedTrack

	for _, t := range tracks {
		switch {
		case t.IsLocal:
			skipped = append(skipped, models.SkippedTrack{URI: t.URI, Reason: ReasonLocal})
		case t.Type != "track":
			skipped = append(skipped, models.SkippedTrack{URI: t.URI, Reason: ReasonEpisode})
		case !t.IsPlayable || !isTrackURI(t.URI):
			skipped = append(skipped, models.SkippedTrack{URI: t.URI, Reason: ReasonUnavailable})
		default:
			uris = append(uris, t.URI)
		}
	}

	return uris, skipped
}

// Dedup keeps the first occurrence of each URI; later duplicates are
// recorded with reason "duplicate".
func Dedup(uris []string) ([]string, []models.SkippedTrack) {
	seen := make(map[string]bool, len(uris))
	unique := make([]string, 0, len(uris))
	var skipped []models.SkippedTrack

	for _, uri := range uris {
		if seen[uri] {
			skipped = append(skipped, models.SkippedTrack{URI: uri, Reason: ReasonDuplicate})
			continue
		}
		seen[uri] = true
		unique = append(unique, uri)
	}

	return unique, skipped
}

// FisherYates shuffles items in place with the Knuth algorithm:
// i = n-1 .. 1, j uniform in [0, i], swap. This is the only shuffle this
// package is allowed to use; library shuffles with unknown bias are not.
func FisherYates(items []string, rng *rand.Rand) {
	for i := len(items) - 1; i >= 1; i-- {
		j := rng.Intn(i + 1)
		items[i], items[j] = items[j], items[i]
	}
}

// headSimilarity is the fraction of matching positions in the first
// similarityWindow elements. Short lists always count as dissimilar.
func headSimilarity(a, b []string) float64 {
	if len(a) < similarityWindow || len(b) < similarityWindow {
		return 0
	}
	matches := 0
	for i := 0; i < similarityWindow; i++ {
		if a[i] == b[i] {
			matches++
		}
	}
	return float64(matches) / float64(similarityWindow)
}

// WithGuard returns a fresh shuffled copy of uris. When previousOrder is
// given and the new head looks too much like the old one, it re-shuffles up
// to maxReshuffles times, then accepts the last candidate.
func WithGuard(uris, previousOrder []string, rng *rand.Rand) []string {
	var candidate []string

	for attempt := 0; attempt <= maxReshuffles; attempt++ {
		candidate = make([]string, len(uris))
		copy(candidate, uris)
		FisherYates(candidate, rng)

		if previousOrder == nil {
			return candidate
		}
		if headSimilarity(candidate, previousOrder) <= similarityThreshold {
			return candidate
		}
	}

	return candidate
}

// Prepare runs the full pipeline: filter, dedup, shuffle with guard.
// Returns the play order and everything that was dropped on the way.
func Prepare(tracks []models.PlaylistTrack, previousOrder []string, rng *rand.Rand) ([]string, []models.SkippedTrack) {
	uris, skipped := Filter(tracks)
	unique, dupes := Dedup(uris)
	skipped = append(skipped, dupes...)

	return WithGuard(unique, previousOrder, rng), skipped
}
