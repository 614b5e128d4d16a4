package monitor_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pfpintranet/zkteco-listener/internal/monitor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournalRoundTrip(t *testing.T) {
	t.Parallel()

	j := monitor.NewJournal(t.TempDir(), "192.168.1.40")
	now := time.Date(2025, 6, 2, 8, 0, 0, 0, time.Local)

	err := j.Save(now, map[string]struct{}{
		"1001|2025-06-02 07:58:12": {},
		"0042|2025-06-02 06:12:00": {},
	})
	require.NoError(t, err, "Save should succeed")

	keys, err := j.Load(now.Add(2 * time.Hour))
	require.NoError(t, err, "Load should succeed")
	assert.Equal(t, []string{"0042|2025-06-02 06:12:00", "1001|2025-06-02 07:58:12"}, keys, "Load should return the saved keys sorted")
}

func TestJournalIgnoresOtherDays(t *testing.T) {
	t.Parallel()

	j := monitor.NewJournal(t.TempDir(), "192.168.1.40")
	yesterday := time.Date(2025, 6, 1, 23, 50, 0, 0, time.Local)

	require.NoError(t, j.Save(yesterday, map[string]struct{}{"1001|2025-06-01 23:45:00": {}}), "Setup: Save should succeed")

	keys, err := j.Load(yesterday.Add(time.Hour))
	require.NoError(t, err, "Load should succeed")
	assert.Empty(t, keys, "Keys from another day should not be loaded")
}

func TestJournalMissingFile(t *testing.T) {
	t.Parallel()

	j := monitor.NewJournal(t.TempDir(), "192.168.1.40")

	keys, err := j.Load(time.Now())
	require.NoError(t, err, "Load should not fail on a missing journal")
	assert.Empty(t, keys, "A missing journal should yield no keys")
}

func TestJournalCorruptFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "192.168.1.40.toml"), []byte("not = [toml"), 0600), "Setup: Could not write the journal file")
	j := monitor.NewJournal(dir, "192.168.1.40")

	_, err := j.Load(time.Now())
	require.Error(t, err, "Load should fail on a corrupt journal")
}

func TestJournalCreatesDirectory(t *testing.T) {
	t.Parallel()

	j := monitor.NewJournal(filepath.Join(t.TempDir(), "nested", "journal"), "192.168.1.40")
	now := time.Now()

	require.NoError(t, j.Save(now, map[string]struct{}{"1001|key": {}}), "Save should create the journal directory")

	keys, err := j.Load(now)
	require.NoError(t, err, "Load should succeed")
	assert.Equal(t, []string{"1001|key"}, keys, "Load should return the saved key")
}
