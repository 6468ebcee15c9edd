package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mnemosyne/orchestrator/internal/mnemoevent"
)

func TestRunOrchestrate_SubmitsNonBlankLinesStrippingWorkPrefix(t *testing.T) {
	var received atomic.Int32
	var lastDescription atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev mnemoevent.Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		lastDescription.Store(ev.Payload["description"])
		received.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	addrFlag = strings.TrimPrefix(server.URL, "http://")

	stdin := strings.NewReader("work: add caching layer\n\nplain text task\n")
	require.NoError(t, runOrchestrate(stdin))
	require.EqualValues(t, 2, received.Load())
	require.Equal(t, "plain text task", lastDescription.Load())
}

func TestRunOrchestrate_ContinuesPastTransportFailure(t *testing.T) {
	addrFlag = "127.0.0.1:1"
	stdin := strings.NewReader("unreachable daemon\n")
	require.NoError(t, runOrchestrate(stdin))
}
