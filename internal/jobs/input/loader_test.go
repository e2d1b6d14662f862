package input

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNormalizesHeaderAndSkipsEmptyRows(t *testing.T) {
	rows, err := Parse([][]string{
		{" numero_processo ", "Trazer_Copia"},
		{"0000001-02.2023.8.05.0001 ", "S"},
		{"", "  "},
		{"0000002-02.2023.8.13.0001"},
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, 0, rows[0].Index)
	assert.Equal(t, 1, rows[0].Number())
	assert.Equal(t, "0000001-02.2023.8.05.0001", rows[0].Get("NUMERO_PROCESSO"))
	assert.Equal(t, "S", rows[0].Get("trazer_copia"))

	assert.Equal(t, 1, rows[1].Index)
	assert.Equal(t, "", rows[1].Get("TRAZER_COPIA"))
}

func TestParseRequiresHeader(t *testing.T) {
	_, err := Parse([][]string{{"", ""}})
	assert.Error(t, err)
}

func TestLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.xlsx")
	require.NoError(t, Write(path, []string{"NUMERO_PROCESSO"}, [][]string{{"1"}, {"2"}, {"3"}}))

	rows, err := Load(path)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "3", rows[2].Get("NUMERO_PROCESSO"))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.xlsx"))
	assert.Error(t, err)
}
