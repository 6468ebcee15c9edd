package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mnemosyne/orchestrator/internal/mnemoevent"
)

var orchestrateCmd = &cobra.Command{
	Use:   "orchestrate",
	Short: "Submit work items to the running daemon, one per line on stdin",
	Long: `orchestrate reads lines from stdin until EOF. Each non-blank line becomes
a work item submission posted to the daemon's event ingress: a line may be
free text (the work description) or explicitly prefixed "work: <text>".
Blank lines are ignored.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireInit(); err != nil {
			return err
		}
		return runOrchestrate(cmd.InOrStdin())
	},
}

func runOrchestrate(stdin io.Reader) error {
	scanner := bufio.NewScanner(stdin)
	submitted := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		description := strings.TrimPrefix(line, "work:")
		description = strings.TrimSpace(description)
		if description == "" {
			continue
		}
		if err := postEvent(mnemoevent.KindCLIWorkSubmitted, map[string]any{
			"description": description,
			"phase":       "prompt_to_spec",
			"priority":    5,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "mnemosyne: submit failed: %v\n", err)
			continue
		}
		submitted++
		fmt.Printf("submitted: %s\n", description)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: reading stdin: %v", mnemoevent.ErrInternal, err)
	}
	fmt.Printf("%d work item(s) submitted\n", submitted)
	return nil
}

// postEvent POSTs a CLI-originated event to the daemon's ingress, per
// spec §6's "100 ms client-side timeout" contract. Emission failures are
// reported to the caller here (unlike the in-process emit-site swallow
// policy for components, since the CLI has no other channel to learn
// whether its command had any effect).
func postEvent(kind mnemoevent.Kind, payload map[string]any) error {
	event := mnemoevent.New("cli", 0, kind, 3, payload)
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("%w: marshaling event: %v", mnemoevent.ErrMalformed, err)
	}

	url := fmt.Sprintf("http://%s/events", addrFlag)
	resp, err := ingressClient.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: posting to %s: %v", mnemoevent.ErrTransport, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("%w: daemon returned %s", mnemoevent.ErrTransport, resp.Status)
	}
	return nil
}
