package journal

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestJournal(t *testing.T, path string) *Journal {
	t.Helper()
	j, err := Open(Config{DBPath: path, Protocol: "h2", Logger: testLogger()})
	require.NoError(t, err)
	return j
}

func TestOpenRequiresDBPath(t *testing.T) {
	_, err := Open(Config{Logger: testLogger()})
	assert.Error(t, err)
}

func TestJournalRecordsLifecycleEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j := openTestJournal(t, path)
	defer j.Close()

	j.ConnectionEstablished("a.example:443")
	j.ConnectionEstablished("a.example:443")
	j.ConnectionFailed("b.example:443", errors.New("connection refused"))
	// L'éviction ne laisse pas de trace durable.
	j.ConnectionEvicted("a.example:443", "idle timeout")

	records, err := j.Records()
	require.NoError(t, err)
	require.Len(t, records, 2)

	byAuthority := make(map[string]AuthorityRecord, len(records))
	for _, rec := range records {
		byAuthority[rec.Authority] = rec
	}

	a := byAuthority["a.example:443"]
	assert.Equal(t, uint64(2), a.SuccessCount)
	assert.Equal(t, uint64(0), a.FailureCount)
	assert.Equal(t, "h2", a.Protocol)
	assert.False(t, a.LastSuccess.IsZero())
	assert.Empty(t, a.LastError)

	b := byAuthority["b.example:443"]
	assert.Equal(t, uint64(1), b.FailureCount)
	assert.Equal(t, "connection refused", b.LastError)
	assert.False(t, b.LastFailure.IsZero())
}

func TestJournalSuccessClearsLastError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j := openTestJournal(t, path)
	defer j.Close()

	j.ConnectionFailed("a.example:443", errors.New("timeout"))
	j.ConnectionEstablished("a.example:443")

	records, err := j.Records()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Empty(t, records[0].LastError)
	assert.Equal(t, uint64(1), records[0].SuccessCount)
	assert.Equal(t, uint64(1), records[0].FailureCount)
}

func TestJournalPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	j := openTestJournal(t, path)
	j.ConnectionEstablished("a.example:443")
	require.NoError(t, j.Close())

	j = openTestJournal(t, path)
	defer j.Close()
	records, err := j.Records()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, uint64(1), records[0].SuccessCount)
}

func TestJournalClosedIsInert(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j := openTestJournal(t, path)
	require.NoError(t, j.Close())

	// Fermé: les écritures sont ignorées, les lectures échouent proprement.
	j.ConnectionEstablished("a.example:443")
	_, err := j.Records()
	assert.Error(t, err)
	assert.NoError(t, j.Close())
}
