package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mnemosyne/orchestrator/internal/branch"
)

var branchCmd = &cobra.Command{
	Use:   "branch",
	Short: "Inspect and mutate branch assignments",
}

var (
	joinIntent string
	joinMode   string
	joinPhase  string
	joinPaths  string
	joinOrch   bool
)

func init() {
	branchCmd.AddCommand(branchStatusCmd, branchJoinCmd, branchSwitchCmd, branchReleaseCmd, branchConflictsCmd)

	for _, cmd := range []*cobra.Command{branchJoinCmd, branchSwitchCmd} {
		cmd.Flags().StringVar(&joinIntent, "intent", "write", "read_only|write|full_branch")
		cmd.Flags().StringVar(&joinMode, "mode", "isolated", "isolated|coordinated")
		cmd.Flags().StringVar(&joinPhase, "phase", "prompt_to_spec", "prompt_to_spec|spec_to_full_spec|full_spec_to_plan|plan_to_artifacts")
		cmd.Flags().StringVar(&joinPaths, "paths", "", "comma-separated path set (Write intent only)")
		cmd.Flags().BoolVar(&joinOrch, "orchestrator", false, "mark the caller as an Orchestrator-kind agent (eligible for conflict bypass)")
	}
}

var branchStatusCmd = &cobra.Command{
	Use:   "status [agent]",
	Short: "Print the current assignment for one agent, or every assignment",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireInit(); err != nil {
			return err
		}
		if len(args) == 1 {
			a, ok := registry.Get(args[0])
			if !ok {
				fmt.Printf("%s: no assignment\n", args[0])
				return nil
			}
			printAssignment(a)
			return nil
		}
		assignments := registry.List("")
		sort.Slice(assignments, func(i, j int) bool { return assignments[i].Agent < assignments[j].Agent })
		for _, a := range assignments {
			printAssignment(a)
		}
		return nil
	},
}

var branchJoinCmd = &cobra.Command{
	Use:   "join <agent> <branch>",
	Short: "Assign agent onto branch under the conflict matrix",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAssign(args[0], args[1], false)
	},
}

var branchSwitchCmd = &cobra.Command{
	Use:   "switch <agent> <branch>",
	Short: "Atomically release agent's current assignment and assign a new one",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAssign(args[0], args[1], true)
	},
}

var branchReleaseCmd = &cobra.Command{
	Use:   "release <agent>",
	Short: "Release agent's current assignment, if any",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireInit(); err != nil {
			return err
		}
		branchGuard.Release(args[0])
		fmt.Printf("%s: released\n", args[0])
		return nil
	},
}

var branchConflictsCmd = &cobra.Command{
	Use:   "conflicts <branch>",
	Short: "List every assignment on branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireInit(); err != nil {
			return err
		}
		assignments := branchGuard.Conflicts(args[0])
		if len(assignments) == 0 {
			fmt.Printf("%s: no assignments\n", args[0])
			return nil
		}
		sort.Slice(assignments, func(i, j int) bool { return assignments[i].Agent < assignments[j].Agent })
		for _, a := range assignments {
			printAssignment(a)
		}
		return nil
	},
}

func runAssign(agent, branchName string, switchAssignment bool) error {
	if err := requireInit(); err != nil {
		return err
	}

	intent, err := branch.ParseIntent(joinIntent)
	if err != nil {
		return fmt.Errorf("%w: %v", errConfig, err)
	}
	mode, err := branch.ParseMode(joinMode)
	if err != nil {
		return fmt.Errorf("%w: %v", errConfig, err)
	}
	phase, err := branch.ParsePhase(joinPhase)
	if err != nil {
		return fmt.Errorf("%w: %v", errConfig, err)
	}

	var pathSet map[string]struct{}
	if joinPaths != "" {
		pathSet = make(map[string]struct{})
		for _, p := range strings.Split(joinPaths, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				pathSet[p] = struct{}{}
			}
		}
	}

	var (
		a   branch.Assignment
		err2 error
	)
	if switchAssignment {
		a, err2 = branchGuard.Switch(agent, branchName, intent, pathSet, mode, phase, joinOrch)
	} else {
		a, err2 = branchGuard.Join(agent, branchName, intent, pathSet, mode, phase, joinOrch)
	}
	if err2 != nil {
		return err2
	}
	printAssignment(a)
	return nil
}

func printAssignment(a branch.Assignment) {
	paths := ""
	if len(a.Paths) > 0 {
		names := make([]string, 0, len(a.Paths))
		for p := range a.Paths {
			names = append(names, p)
		}
		sort.Strings(names)
		paths = " paths=" + strings.Join(names, ",")
	}
	fmt.Printf("%s: branch=%s intent=%s mode=%s phase=%s expires=%s%s\n",
		a.Agent, a.Branch, a.Intent, a.Mode, a.Phase, a.ExpiresAt.Format("15:04:05"), paths)
}
