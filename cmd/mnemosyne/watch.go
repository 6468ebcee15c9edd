package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mnemosyne/orchestrator/internal/mnemoevent"
	"github.com/mnemosyne/orchestrator/internal/ssesub"
)

var watchLogsFlag bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Tail the daemon's live event stream until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireInit(); err != nil {
			return err
		}
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		if watchLogsFlag {
			return runWatchLogs(ctx, os.Stdout)
		}
		return runWatch(ctx, os.Stdout)
	},
}

func init() {
	watchCmd.Flags().BoolVar(&watchLogsFlag, "logs", false, "tail the daemon's structured log stream instead of domain events")
	rootCmd.AddCommand(watchCmd)
}

// runWatch streams events from the daemon's GET /events/stream until ctx is
// cancelled, printing one line per event. It reuses the ssesub.Subscriber's
// reconnect-with-backoff behavior, so a daemon restart mid-watch is silently
// bridged rather than ending the command.
func runWatch(ctx context.Context, out io.Writer) error {
	sub := ssesub.New(fmt.Sprintf("http://%s/events/stream", addrFlag))

	done := make(chan struct{})
	go func() {
		defer close(done)
		sub.Run(ctx)
	}()

	for ev := range sub.Events() {
		printEvent(out, ev)
	}
	<-done
	return nil
}

func printEvent(out io.Writer, ev mnemoevent.Event) {
	fmt.Fprintf(out, "%s %-28s %s seq=%d importance=%d\n",
		ev.Timestamp.Format("15:04:05"), ev.Kind, ev.Producer, ev.Seq, ev.Importance)
}

// runWatchLogs tails the daemon's GET /logs/stream, printing each raw log
// line as it arrives. Unlike runWatch's domain-event stream, log lines are
// plain text rather than JSON, so this reads SSE "data:" frames directly
// instead of going through ssesub's mnemoevent.Event decoder.
func runWatchLogs(ctx context.Context, out io.Writer) error {
	url := fmt.Sprintf("http://%s/logs/stream", addrFlag)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: building request: %v", mnemoevent.ErrInternal, err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// A long-lived stream can't use ingressClient's 100ms request timeout
	// (that budget is for the CLI's fire-and-forget event posts); this
	// client has none, matching ssesub's own streaming client.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: connecting to %s: %v", mnemoevent.ErrTransport, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: daemon returned %s", mnemoevent.ErrTransport, resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			fmt.Fprintln(out, data)
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("%w: reading log stream: %v", mnemoevent.ErrTransport, err)
	}
	return nil
}
