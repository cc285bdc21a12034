package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashSubject(t *testing.T) {
	h1 := HashSubject("user@example.com")
	h2 := HashSubject("user@example.com")
	h3 := HashSubject("other@example.com")

	assert.Equal(t, h1, h2, "same subject must hash identically")
	assert.NotEqual(t, h1, h3, "different subjects must hash differently")
	assert.NotContains(t, h1, "user", "hash must not reveal the subject")
	assert.Len(t, h1, 64)
	assert.Empty(t, HashSubject(""))
}

func TestDBLoggerRecord(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	entry := &Entry{
		Timestamp:      time.Now().UTC(),
		TenantID:       "acme",
		ProviderID:     7,
		Protocol:       "saml",
		SubjectHash:    HashSubject("subject-1"),
		SignatureValid: true,
		TimestampValid: true,
		AudienceValid:  true,
		OverallValid:   true,
		SessionID:      "sess-1",
	}

	mock.ExpectQuery(`INSERT INTO auth_audit_log`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	logger := NewDBLogger(db)
	require.NoError(t, logger.Record(context.Background(), entry))
	assert.Equal(t, int64(42), entry.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBLoggerRecordFailure(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`INSERT INTO auth_audit_log`).
		WillReturnError(errors.New("connection reset"))

	logger := NewDBLogger(db)
	err = logger.Record(context.Background(), &Entry{Timestamp: time.Now()})
	assert.Error(t, err)
}

func TestFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	logger, err := NewFileLogger(path)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, logger.Record(context.Background(), &Entry{
			Timestamp: time.Now().UTC(),
			TenantID:  "acme",
			Protocol:  "oidc",
		}))
	}
	require.NoError(t, logger.Close())

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var count int
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var entry Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		assert.Equal(t, "acme", entry.TenantID)
		count++
	}
	assert.Equal(t, 3, count)
}

type recordingSink struct {
	entries []*Entry
	err     error
}

func (s *recordingSink) Record(ctx context.Context, entry *Entry) error {
	s.entries = append(s.entries, entry)
	return s.err
}

func (s *recordingSink) Close() error { return nil }

func TestMultiLoggerRecordsAllSinks(t *testing.T) {
	failing := &recordingSink{err: errors.New("sink down")}
	healthy := &recordingSink{}

	logger := NewMultiLogger(failing, healthy)
	err := logger.Record(context.Background(), &Entry{TenantID: "t"})

	assert.Error(t, err)
	assert.Len(t, failing.entries, 1)
	assert.Len(t, healthy.entries, 1, "later sinks still receive the entry")
}
