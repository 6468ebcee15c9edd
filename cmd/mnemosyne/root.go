package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mnemosyne/orchestrator/internal/branch"
	"github.com/mnemosyne/orchestrator/internal/config"
	"github.com/mnemosyne/orchestrator/internal/guard"
	"github.com/mnemosyne/orchestrator/internal/ipc"
	"github.com/mnemosyne/orchestrator/internal/mnemoevent"
	"github.com/mnemosyne/orchestrator/internal/paths"
)

// errConfig marks a configuration/setup failure, mapped to exit code 4.
var errConfig = errors.New("configuration error")

var (
	version = "dev"

	cfgFile  string
	dirFlag  string
	addrFlag string

	cfg      config.Config
	mnemoDir string

	registry    *branch.Registry
	mirror      *branch.JSONMirror
	branchGuard *guard.Guard

	// ingressClient has the 100ms client-side timeout spec §6 calls for on
	// POST /events; the daemon is expected to be local and responsive.
	ingressClient = &http.Client{Timeout: 100 * time.Millisecond}

	initErr error
)

var rootCmd = &cobra.Command{
	Use:           "mnemosyne",
	Short:         "Operate a running mnemosyned orchestration daemon",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./.mnemosyne/config.yaml or ~/.config/mnemosyne/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&dirFlag, "dir", "d", "",
		"project directory whose .mnemosyne coordination dir to use (default: current directory)")
	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", "",
		"daemon ingress address, host:port (default: config listen_addr)")

	rootCmd.AddCommand(branchCmd, orchestrateCmd)
}

func initConfig() {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		initErr = fmt.Errorf("%w: loading config: %v", errConfig, err)
		return
	}
	cfg = loaded

	dir, err := paths.ResolveMnemosyneDir(dirFlag)
	if err != nil {
		initErr = fmt.Errorf("%w: resolving .mnemosyne dir: %v", errConfig, err)
		return
	}
	mnemoDir = dir

	assignments, err := branch.Load(paths.BranchMirrorPath(mnemoDir))
	if err != nil {
		initErr = fmt.Errorf("%w: loading branch registry: %v", errConfig, err)
		return
	}

	mirror = branch.NewJSONMirror(paths.BranchMirrorPath(mnemoDir))
	registry = branch.New(mirror, nil)
	registry.Hydrate(assignments)

	var coordinator *ipc.Coordinator
	if cfg.SharedSecret != "" {
		coordinator = ipc.New(mnemoDir, []byte(cfg.SharedSecret), nil)
	}
	branchGuard = guard.New(registry, coordinator)

	if addrFlag == "" {
		addrFlag = cfg.ListenAddr
	}
}

// requireInit surfaces a deferred initConfig failure at the start of a
// command's RunE, so every subcommand fails the same way on bad config
// instead of each checking a package-level error independently.
func requireInit() error {
	return initErr
}

// Execute runs the CLI and returns the process exit code per spec §6/§7:
// 0 success, 2 conflict, 3 deadlock, 4 configuration error, 1 otherwise.
func Execute() int {
	err := rootCmd.Execute()
	if mirror != nil {
		mirror.Close()
	}
	if err == nil {
		return 0
	}
	fmt.Fprintln(os.Stderr, "mnemosyne:", err)
	return classifyExit(err)
}

func classifyExit(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, mnemoevent.ErrConflict):
		return 2
	case errors.Is(err, mnemoevent.ErrDeadlock):
		return 3
	case errors.Is(err, errConfig):
		return 4
	default:
		return 1
	}
}
