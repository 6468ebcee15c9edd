package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunWatch_PrintsForwardedEventsAndStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "data: {\"id\":\"00000000-0000-0000-0000-000000000001\",\"kind\":\"orch.work_item_started\",\"producer\":\"exec-1\",\"seq\":1}\n\n")
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	addrFlag = strings.TrimPrefix(srv.URL, "http://")

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	var buf bytes.Buffer
	require.NoError(t, runWatch(ctx, &buf))
	require.Contains(t, buf.String(), "orch.work_item_started")
	require.Contains(t, buf.String(), "exec-1")
}

func TestRunWatchLogs_PrintsRawLogLines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "event: created\ndata: 2026-07-31T00:00:00 [INFO] [orch] dispatched item\n\n")
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	addrFlag = strings.TrimPrefix(srv.URL, "http://")

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	var buf bytes.Buffer
	require.NoError(t, runWatchLogs(ctx, &buf))
	require.Contains(t, buf.String(), "dispatched item")
}
