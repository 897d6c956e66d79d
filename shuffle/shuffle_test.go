package shuffle

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/true-shuffle/trueshuffle/models"
)

func trackURIs(n int) []string {
	uris := make([]string, n)
	for i := range uris {
		uris[i] = fmt.Sprintf("spotify:track:%022d", i)
	}
	return uris
}

func TestFilter(t *testing.T) {
	tracks := []models.PlaylistTrack{
		{URI: "spotify:track:abc123", Name: "keep", Type: "track", IsPlayable: true},
		{URI: "spotify:local:xyz", Name: "local file", Type: "track", IsLocal: true, IsPlayable: true},
		{URI: "spotify:episode:pod1", Name: "podcast", Type: "episode", IsPlayable: true},
		{URI: "spotify:track:gone99", Name: "region locked", Type: "track", IsPlayable: false},
		{URI: "not a uri", Name: "garbage", Type: "track", IsPlayable: true},
	}

	uris, skipped := Filter(tracks)

	if len(uris) != 1 || uris[0] != "spotify:track:abc123" {
		t.Fatalf("expected only the playable track to survive, got %v", uris)
	}

	reasons := map[string]string{}
	for _, s := range skipped {
		reasons[s.URI] = s.Reason
	}

	want := map[string]string{
		"spotify:local:xyz":    ReasonLocal,
		"spotify:episode:pod1": ReasonEpisode,
		"spotify:track:gone99": ReasonUnavailable,
		"not a uri":            ReasonUnavailable,
	}
	for uri, reason := range want {
		if reasons[uri] != reason {
			t.Errorf("uri %q: got reason %q, want %q", uri, reasons[uri], reason)
		}
	}
}

func TestDedup(t *testing.T) {
	uris := []string{"spotify:track:a", "spotify:track:b", "spotify:track:a", "spotify:track:c", "spotify:track:b"}

	unique, skipped := Dedup(uris)

	if len(unique) != 3 {
		t.Fatalf("expected 3 unique uris, got %v", unique)
	}
	if unique[0] != "spotify:track:a" || unique[1] != "spotify:track:b" || unique[2] != "spotify:track:c" {
		t.Errorf("first occurrences should keep their order, got %v", unique)
	}
	if len(skipped) != 2 {
		t.Fatalf("expected 2 duplicates recorded, got %d", len(skipped))
	}
	for _, s := range skipped {
		if s.Reason != ReasonDuplicate {
			t.Errorf("duplicate %q recorded with reason %q", s.URI, s.Reason)
		}
	}
}

func TestFisherYatesIsPermutation(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	original := trackURIs(50)
	shuffled := make([]string, len(original))
	copy(shuffled, original)
	FisherYates(shuffled, rng)

	a := append([]string(nil), original...)
	b := append([]string(nil), shuffled...)
	sort.Strings(a)
	sort.Strings(b)

	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("shuffle is not a permutation: element %d differs", i)
		}
	}
}

func TestFisherYatesDeterministicForSeed(t *testing.T) {
	first := trackURIs(20)
	second := trackURIs(20)

	FisherYates(first, rand.New(rand.NewSource(42)))
	FisherYates(second, rand.New(rand.NewSource(42)))

	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("same seed produced different orders at index %d", i)
		}
	}
}

// Every permutation of a 4-element list should appear with roughly equal
// frequency. A biased shuffle (the whole reason this package exists) fails
// this loudly.
func TestFisherYatesUniformity(t *testing.T) {
	const trials = 100000
	items := []string{"a", "b", "c", "d"}
	rng := rand.New(rand.NewSource(7))

	counts := make(map[string]int)
	for i := 0; i < trials; i++ {
		perm := make([]string, len(items))
		copy(perm, items)
		FisherYates(perm, rng)
		counts[perm[0]+perm[1]+perm[2]+perm[3]]++
	}

	if len(counts) != 24 {
		t.Fatalf("expected all 24 permutations to appear, got %d", len(counts))
	}

	expected := float64(trials) / 24
	for perm, count := range counts {
		deviation := (float64(count) - expected) / expected
		if deviation > 0.2 || deviation < -0.2 {
			t.Errorf("permutation %s appeared %d times, expected about %.0f", perm, count, expected)
		}
	}
}

func TestHeadSimilarity(t *testing.T) {
	a := trackURIs(20)

	t.Run("identical", func(t *testing.T) {
		if got := headSimilarity(a, a); got != 1.0 {
			t.Errorf("identical lists: got %v, want 1.0", got)
		}
	})

	t.Run("short lists are dissimilar", func(t *testing.T) {
		short := trackURIs(5)
		if got := headSimilarity(short, short); got != 0 {
			t.Errorf("short lists: got %v, want 0", got)
		}
	})

	t.Run("half matching head", func(t *testing.T) {
		b := append([]string(nil), a...)
		for i := 0; i < 5; i++ {
			b[i] = "spotify:track:other" + fmt.Sprint(i)
		}
		if got := headSimilarity(a, b); got != 0.5 {
			t.Errorf("half-matching head: got %v, want 0.5", got)
		}
	})
}

func TestWithGuardAvoidsPreviousHead(t *testing.T) {
	uris := trackURIs(30)
	previous := append([]string(nil), uris...)
	rng := rand.New(rand.NewSource(3))

	order := WithGuard(uris, previous, rng)

	if len(order) != len(uris) {
		t.Fatalf("guard changed the track count: %d != %d", len(order), len(uris))
	}
	if sim := headSimilarity(order, previous); sim > similarityThreshold {
		// The guard accepts the last candidate after maxReshuffles, so a
		// similar head is possible but astronomically unlikely for 30 tracks.
		t.Errorf("guarded shuffle still similar to previous order: %v", sim)
	}
}

func TestWithGuardNoPrevious(t *testing.T) {
	uris := trackURIs(15)
	order := WithGuard(uris, nil, rand.New(rand.NewSource(9)))

	if len(order) != len(uris) {
		t.Fatalf("got %d tracks, want %d", len(order), len(uris))
	}
	if &order[0] == &uris[0] {
		t.Error("shuffle must not alias the input slice")
	}
}

func TestPrepare(t *testing.T) {
	tracks := []models.PlaylistTrack{
		{URI: "spotify:track:aaa", Type: "track", IsPlayable: true},
		{URI: "spotify:track:bbb", Type: "track", IsPlayable: true},
		{URI: "spotify:track:aaa", Type: "track", IsPlayable: true},
		{URI: "spotify:local:ccc", Type: "track", IsLocal: true, IsPlayable: true},
	}

	order, skipped := Prepare(tracks, nil, rand.New(rand.NewSource(11)))

	if len(order) != 2 {
		t.Fatalf("expected 2 tracks in the order, got %v", order)
	}
	if len(skipped) != 2 {
		t.Fatalf("expected 2 skipped entries, got %v", skipped)
	}
}
