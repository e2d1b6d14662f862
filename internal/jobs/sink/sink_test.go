package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawjud/internal/models"
)

func testConfig() *models.JobConfig {
	return &models.JobConfig{PID: "A1B2C3", Category: "capa", System: "pje", Input: "in.xlsx"}
}

func TestXLSXWriterCreatesFileWithHeader(t *testing.T) {
	dir := t.TempDir()
	w := NewXLSXWriter(dir, testConfig())

	path, err := w.Merge("Capa", []models.ResultRecord{
		models.NewResultRecord("Capa", 1, "NUMERO_PROCESSO", "0001", "CLASSE", "Procedimento Comum"),
		models.NewResultRecord("Capa", 2, "NUMERO_PROCESSO", "0002", "CLASSE", "Execução"),
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Capa - A1B2C3.xlsx"), path)

	rows, err := ReadRows(path, "Capa")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"NUMERO_PROCESSO", "CLASSE"}, rows[0])
	assert.Equal(t, []string{"0001", "Procedimento Comum"}, rows[1])
	assert.Equal(t, []string{"0002", "Execução"}, rows[2])
}

func TestXLSXWriterMergesIntoExistingFile(t *testing.T) {
	dir := t.TempDir()
	w := NewXLSXWriter(dir, testConfig())

	_, err := w.Merge("Capa", []models.ResultRecord{
		models.NewResultRecord("Capa", 1, "NUMERO_PROCESSO", "0001"),
	})
	require.NoError(t, err)

	path, err := w.Merge("Capa", []models.ResultRecord{
		models.NewResultRecord("Capa", 2, "NUMERO_PROCESSO", "0002", "JUIZO", "1a Vara"),
		models.NewResultRecord("Capa", 1, "NUMERO_PROCESSO", "0001"),
	})
	require.NoError(t, err)

	rows, err := ReadRows(path, "Capa")
	require.NoError(t, err)
	require.Len(t, rows, 4, "rows are appended, not de-duplicated")
	assert.Equal(t, []string{"NUMERO_PROCESSO", "JUIZO"}, rows[0])
	assert.Equal(t, []string{"0001"}, rows[1])
	assert.Equal(t, []string{"0002", "1a Vara"}, rows[2])
	assert.Equal(t, []string{"0001"}, rows[3])
}

func TestXLSXWriterLeavesOnlyWorkbooks(t *testing.T) {
	dir := t.TempDir()
	w := NewXLSXWriter(dir, testConfig())

	for i := 1; i <= 3; i++ {
		_, err := w.Merge("Capa", []models.ResultRecord{
			models.NewResultRecord("Capa", i, "NUMERO_PROCESSO", fmt.Sprintf("%04d", i)),
		})
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "merge files are renamed into place")
	assert.Equal(t, "Capa - A1B2C3.xlsx", entries[0].Name())

	rows, err := ReadRows(filepath.Join(dir, entries[0].Name()), "Capa")
	require.NoError(t, err)
	assert.Len(t, rows, 4)
}

func TestSinkFlushesOnCloseGroupedByWorksheet(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	s := New("success", NewXLSXWriter(dir, cfg), time.Hour, arbor.NewLogger())
	s.Start()

	assert.True(t, s.Append(models.NewResultRecord("Capa", 1, "NUMERO_PROCESSO", "1")))
	assert.True(t, s.Append(models.NewResultRecord("Partes", 1, "NOME", "Fulano")))
	assert.True(t, s.Append(models.NewResultRecord("Capa", 2, "NUMERO_PROCESSO", "2")))

	files, err := s.Close(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, cfg.OutputName("Capa")),
		filepath.Join(dir, cfg.OutputName("Partes")),
	}, files)
	assert.Equal(t, int64(3), s.Appended())
	assert.Equal(t, int64(3), s.Written())

	rows, err := ReadRows(files[0], "Capa")
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	assert.False(t, s.Append(models.NewResultRecord("Capa", 3, "NUMERO_PROCESSO", "3")))
}

func TestSinkFlushesPeriodically(t *testing.T) {
	dir := t.TempDir()
	s := New("error", NewXLSXWriter(dir, testConfig()), 10*time.Millisecond, arbor.NewLogger())
	s.Start()
	defer s.Close(context.Background())

	s.Append(models.NewResultRecord(models.WorksheetErrors, 1, "NUMERO_PROCESSO", "1", "MOTIVO_ERRO", "timeout"))

	assert.Eventually(t, func() bool { return s.Written() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, s.Files(), 1)
}

func TestSinkConcurrentAppendsAreAllWritten(t *testing.T) {
	dir := t.TempDir()
	s := New("success", NewXLSXWriter(dir, testConfig()), 5*time.Millisecond, arbor.NewLogger())
	s.Start()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				s.Append(models.NewResultRecord("Capa", w*25+i+1, "ROW", fmt.Sprint(w*25+i+1)))
			}
		}(w)
	}
	wg.Wait()

	files, err := s.Close(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 1)

	rows, err := ReadRows(files[0], "Capa")
	require.NoError(t, err)
	assert.Len(t, rows, 201)
}

// flakyWriter fails its first calls then succeeds
type flakyWriter struct {
	mu       sync.Mutex
	failures int
	merged   int
}

func (w *flakyWriter) Merge(worksheet string, records []models.ResultRecord) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return "", errors.New("file locked")
	}
	w.merged += len(records)
	return worksheet + ".xlsx", nil
}

func TestSinkRetriesFailedBatch(t *testing.T) {
	w := &flakyWriter{failures: 1}
	s := New("success", w, 10*time.Millisecond, arbor.NewLogger())
	s.Start()

	s.Append(models.NewResultRecord("Capa", 1, "A", "1"))
	assert.Eventually(t, func() bool { return s.Written() == 1 }, 2*time.Second, 5*time.Millisecond)

	files, err := s.Close(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Capa.xlsx"}, files)
	assert.Equal(t, 1, w.merged)
}

func TestSinkCloseReportsUnwrittenRecords(t *testing.T) {
	w := &flakyWriter{failures: 100}
	s := New("error", w, time.Hour, arbor.NewLogger())
	s.Start()
	s.Append(models.NewResultRecord("Erros", 1, "A", "1"))

	files, err := s.Close(context.Background())
	assert.Error(t, err)
	assert.Empty(t, files)
}
