package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFollowExecutions(t *testing.T) {
	var gotLastID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLastID = r.Header.Get("Last-Event-ID")
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": ping\n\n")
		fmt.Fprint(w, "id: 4\nevent: execution\ndata: {\"success\":true,\"accountId\":\"0xa\",\"txDigest\":\"d4\",\"timestamp\":\"2024-01-01T00:00:00Z\"}\n\n")
		fmt.Fprint(w, "id: 5\nevent: execution\ndata: {\"success\":false,\"accountId\":\"0xb\",\"error\":\"boom\",\"timestamp\":\"2024-01-01T00:00:00Z\"}\n\n")
		fmt.Fprint(w, "event: no_data\ndata: {}\n\n")
	}))
	defer srv.Close()

	var out bytes.Buffer
	last, err := followExecutions(context.Background(), srv.Client(), srv.URL, 3, &out)
	require.NoError(t, err)

	assert.Equal(t, "3", gotLastID)
	assert.Equal(t, uint64(5), last)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "#4 2024-01-01T00:00:00Z success 0xa tx=d4", lines[0])
	assert.Equal(t, `#5 2024-01-01T00:00:00Z failure 0xb error="boom"`, lines[1])
}

func TestFollowExecutions_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := followExecutions(context.Background(), srv.Client(), srv.URL, 0, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
