// Command mnemosyne is the operator CLI: it shares the running daemon's
// on-disk coordination directory (.mnemosyne/) to inspect and mutate
// branch assignments, and speaks to the daemon's HTTP ingress to submit
// work and drive orchestration. Grounded on the teacher's cmd/root.go
// cobra wiring (rootCmd, PersistentFlags, cobra.OnInitialize) adapted
// from a TUI entry point to a scriptable exit-code-driven CLI per spec
// §6/§7.
package main

import "os"

func main() {
	os.Exit(Execute())
}
