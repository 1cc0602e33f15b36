package cache

import (
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/triageflux/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestStore_UpsertKeepsTotalStable(t *testing.T) {
	c := NewMemory(testLogger())
	defer c.Close()

	_, err := c.Store("pagerduty", "alert", "PD-100", "disk full", "volume vol-0aaa111122223333a at 98%", nil)
	require.NoError(t, err)

	item, err := c.Store("pagerduty", "alert", "PD-100", "disk full (updated)", "volume vol-0aaa111122223333a at 99%", nil)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "pagerduty:alert:PD-100", item.ID)

	stats, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats["total"])

	recent, err := c.Recent("", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "disk full (updated)", recent[0].Title)
}

func TestStore_IndexesEntities(t *testing.T) {
	c := NewMemory(testLogger())
	defer c.Close()

	_, err := c.Store("jira", "ticket", "SEC-10", "instance compromise",
		"suspicious traffic from i-0deadbeef1234567 to 203.0.113.50", nil)
	require.NoError(t, err)
	_, err = c.Store("pagerduty", "alert", "PD-7", "cpu alarm",
		"host i-0deadbeef1234567 pegged at 100%", nil)
	require.NoError(t, err)
	_, err = c.Store("mail", "email", "m-1", "lunch menu", "no identifiers here", nil)
	require.NoError(t, err)

	items, err := c.QueryEntity("i-0deadbeef1234567", 10)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	// Entity lookup is case-insensitive.
	items, err = c.QueryEntity("I-0DEADBEEF1234567", 10)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestStore_ReindexesOnUpsert(t *testing.T) {
	c := NewMemory(testLogger())
	defer c.Close()

	_, err := c.Store("jira", "ticket", "SEC-11", "old", "was about i-0aaa111122223333a", nil)
	require.NoError(t, err)
	_, err = c.Store("jira", "ticket", "SEC-11", "new", "now about i-0bbb444455556666b", nil)
	require.NoError(t, err)

	stale, err := c.QueryEntity("i-0aaa111122223333a", 10)
	require.NoError(t, err)
	assert.Empty(t, stale)

	fresh, err := c.QueryEntity("i-0bbb444455556666b", 10)
	require.NoError(t, err)
	assert.Len(t, fresh, 1)
}

func TestSearch(t *testing.T) {
	c := NewMemory(testLogger())
	defer c.Close()

	_, err := c.Store("jira", "ticket", "SEC-20", "certificate renewal", "the prod certificate expires friday", nil)
	require.NoError(t, err)
	_, err = c.Store("mail", "email", "m-2", "certificate question", "which certificate authority do we use", nil)
	require.NoError(t, err)
	_, err = c.Store("jira", "ticket", "SEC-21", "unrelated", "backup completed", nil)
	require.NoError(t, err)

	all, err := c.Search("certificate", "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	jiraOnly, err := c.Search("certificate", "jira", 10)
	require.NoError(t, err)
	require.Len(t, jiraOnly, 1)
	assert.Equal(t, "jira", jiraOnly[0].Source)
}

func TestSearch_SubstringFallback(t *testing.T) {
	c := NewMemory(testLogger())
	defer c.Close()
	c.fts = false // force the LIKE path

	_, err := c.Store("jira", "ticket", "SEC-22", "Renewal", "Prod CERTIFICATE expires", nil)
	require.NoError(t, err)

	got, err := c.Search("certificate", "", 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRawPayloadRoundTrip(t *testing.T) {
	c := NewMemory(testLogger())
	defer c.Close()

	raw := []byte(`{"full":"payload","nested":{"deep":true}}`)
	item, err := c.Store("pagerduty", "alert", "PD-9", "t", "b", raw)
	require.NoError(t, err)
	assert.True(t, item.HasRaw)

	got, err := c.GetRaw(item.ID)
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	// Missing raw is nil, not an error.
	got, err = c.GetRaw("nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestEvict_AscendingAgeUntilBudget(t *testing.T) {
	c := NewMemory(testLogger())
	defer c.Close()

	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	body := make([]byte, 100)
	for i := range body {
		body[i] = 'x'
	}

	// Five items of ~101 bytes each, one minute apart.
	for i := 0; i < 5; i++ {
		i := i
		c.now = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		_, err := c.Store("src", "item", fmt.Sprintf("n-%d", i), "t", string(body), nil)
		require.NoError(t, err)
	}
	c.now = time.Now

	// Budget fits three items: exactly the two oldest go.
	result, err := c.Evict(310)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Removed)
	assert.LessOrEqual(t, result.SizeAfter, int64(310))

	remaining, err := c.Recent("", 10)
	require.NoError(t, err)
	require.Len(t, remaining, 3)
	ids := []string{remaining[0].ID, remaining[1].ID, remaining[2].ID}
	assert.NotContains(t, ids, "src:item:n-0")
	assert.NotContains(t, ids, "src:item:n-1")
	assert.Contains(t, ids, "src:item:n-2")
}

func TestEvict_NoopUnderBudget(t *testing.T) {
	c := NewMemory(testLogger())
	defer c.Close()

	_, err := c.Store("src", "item", "n-1", "t", "small", nil)
	require.NoError(t, err)

	result, err := c.Evict(1 << 20)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Removed)
}

func TestEvict_RemovesRawAndIndex(t *testing.T) {
	c := NewMemory(testLogger())
	defer c.Close()

	item, err := c.Store("src", "item", "n-1", "t", "about i-0aaa111122223333a", []byte("raw"))
	require.NoError(t, err)

	_, err = c.Evict(0)
	require.NoError(t, err)

	raw, err := c.GetRaw(item.ID)
	require.NoError(t, err)
	assert.Nil(t, raw)

	hits, err := c.QueryEntity("i-0aaa111122223333a", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestUnavailable_DegradesToNoop(t *testing.T) {
	c := Unavailable(testLogger())

	item, err := c.Store("src", "item", "n-1", "t", "b", nil)
	require.NoError(t, err)
	assert.Nil(t, item)

	items, err := c.QueryEntity("i-0aaa111122223333a", 10)
	require.NoError(t, err)
	assert.Empty(t, items)

	items, err = c.Search("anything", "", 10)
	require.NoError(t, err)
	assert.Empty(t, items)

	stats, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, false, stats["available"])

	result, err := c.Evict(0)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Removed)
}

func TestFileBackedCache(t *testing.T) {
	path := t.TempDir() + "/evidence.db"
	c := New(path, testLogger())
	require.True(t, c.Available())
	defer c.Close()

	_, err := c.Store("jira", "ticket", "SEC-1", "title", "body", nil)
	require.NoError(t, err)

	var items []model.CacheItem
	items, err = c.Recent("jira", 5)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "jira:ticket:SEC-1", items[0].ID)
}
