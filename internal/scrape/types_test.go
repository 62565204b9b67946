package scrape

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJobStatusTransitions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to JobStatus
		ok       bool
	}{
		{JobStatusProcessing, JobStatusCompleted, true},
		{JobStatusProcessing, JobStatusFailed, true},
		{JobStatusProcessing, JobStatusProcessing, false},
		{JobStatusCompleted, JobStatusFailed, false},
		{JobStatusCompleted, JobStatusProcessing, false},
		{JobStatusFailed, JobStatusCompleted, false},
		{JobStatus("queued"), JobStatusCompleted, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.ok, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
		err := tc.from.Transition(tc.to)
		if tc.ok {
			require.NoError(t, err)
		} else {
			require.ErrorIs(t, err, ErrInvalidTransition)
		}
	}
}

func TestJobStatusTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, JobStatusProcessing.Terminal())
	require.True(t, JobStatusCompleted.Terminal())
	require.True(t, JobStatusFailed.Terminal())
	require.False(t, JobStatus("bogus").Valid())
}

func TestArtifactKey(t *testing.T) {
	t.Parallel()

	require.Equal(t, "abc.txt", ArtifactKey("", "abc"))
	require.Equal(t, "scrapes/abc.txt", ArtifactKey("/scrapes/", "abc"))
	require.Equal(t, ArtifactKey("p", "abc"), ArtifactKey("p", "abc"))
}

func TestQuotaExceededErrorMessage(t *testing.T) {
	t.Parallel()

	err := &QuotaExceededError{Tier: PlanFree, Count: 5, Limit: 5}
	require.Contains(t, err.Error(), "5/5")
}

func TestFailureClass(t *testing.T) {
	t.Parallel()

	require.Equal(t, "", FailureClass(nil))
	require.Equal(t, "crawl", FailureClass(fmt.Errorf("run: %w", ErrCrawl)))
	require.Equal(t, "no_content", FailureClass(ErrNoContent))
	require.Equal(t, "storage", FailureClass(fmt.Errorf("put: %w", ErrStorage)))
	require.Equal(t, "data", FailureClass(errors.New("db down")))
}

func TestPlanIsUnlimited(t *testing.T) {
	t.Parallel()

	require.True(t, Plan{DailyScrapeLimit: Unlimited}.IsUnlimited())
	require.False(t, Plan{DailyScrapeLimit: 0}.IsUnlimited())
}
