package main

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/ledgerwatch/pkg/storage"
	"github.com/cuemby/ledgerwatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDimensions(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    types.Dimensions
		wantErr bool
	}{
		{name: "none", pairs: nil, want: nil},
		{
			name:  "pairs",
			pairs: []string{"resource_type=transfer", " source = webhook "},
			want:  types.Dimensions{"resource_type": "transfer", "source": "webhook"},
		},
		{name: "empty value allowed", pairs: []string{"status="}, want: types.Dimensions{"status": ""}},
		{name: "missing separator", pairs: []string{"transfer"}, wantErr: true},
		{name: "empty key", pairs: []string{"=transfer"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDimensions(tt.pairs)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseTime(t *testing.T) {
	got, err := parseTime("2026-03-01T10:00:00Z")
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)))

	got, err = parseTime("2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, 2026, got.Year())
	assert.Equal(t, time.March, got.Month())
	assert.Equal(t, 0, got.Hour())

	_, err = parseTime("yesterday")
	assert.Error(t, err)
}

func TestStructuredOutput(t *testing.T) {
	var buf bytes.Buffer
	stdout = &buf
	defer func() { stdout = os.Stdout }()

	tests := []struct {
		format  string
		handled bool
		wantErr bool
		want    string
	}{
		{format: "table", handled: false},
		{format: "json", handled: true, want: `"run_id": "r1"`},
		{format: "yaml", handled: true, want: "run_id: r1"},
		{format: "xml", handled: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			buf.Reset()
			outputFmt = tt.format
			defer func() { outputFmt = "table" }()

			handled, err := structured(map[string]string{"run_id": "r1"})
			assert.Equal(t, tt.handled, handled)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, buf.String(), tt.want)
		})
	}
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer
	stdout = &buf
	defer func() { stdout = os.Stdout }()

	printTable([]string{"id", "status"}, [][]string{{"run-1", "completed"}})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "completed")
}

func TestImportEvents(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	input := strings.Join([]string{
		`{"id":"e1","resource_type":"transfer","resource_id":"t-1","event_type":"transfer_created","timestamp":"2026-03-01T10:00:00Z","payload":{"status":"pending"}}`,
		``,
		`{"resource_type":"transfer","resource_id":"t-1","event_type":"transfer_completed","payload":{"status":"processed"}}`,
		`{"id":"e3","resource_type":"customer","resource_id":"c-1","event_type":"customer_created","timestamp":"2026-03-01T11:00:00Z","processing_state":"failed"}`,
	}, "\n")

	n, err := importEvents(strings.NewReader(input), store, func() time.Time { return now })
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	latest, err := store.LatestEvent(types.ResourceTransfer, "t-1", types.ProcessingProcessed)
	require.NoError(t, err)
	assert.NotEmpty(t, latest.ID)
	assert.Equal(t, "transfer_completed", latest.EventType)
	assert.True(t, latest.Timestamp.Equal(now))

	_, err = store.LatestEvent(types.ResourceCustomer, "c-1", types.ProcessingProcessed)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestImportEventsErrors(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	tests := []struct {
		name    string
		input   string
		want    int
		wantErr string
	}{
		{
			name:    "malformed json",
			input:   `{"id":"e1","resource_type":"transfer","resource_id":"t-1"}` + "\n{broken",
			want:    1,
			wantErr: "line 2",
		},
		{
			name:    "unknown resource type",
			input:   `{"id":"e9","resource_type":"invoice","resource_id":"i-1"}`,
			want:    0,
			wantErr: "resource_type and resource_id are required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := importEvents(strings.NewReader(tt.input), store, time.Now)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, tt.want, n)
		})
	}
}
