// Command ty is the runtime's thin front end (SPEC_FULL §1): it never
// parses source text (lexer/parser and bytecode emission are out of
// scope, per spec.md §1's Non-goals), so it runs the bundled demo
// programs — each hand-assembled with pkg/asm the same way the
// teacher's own test suite builds ast.Value trees by hand instead of
// parsing s-expressions. Replaces the teacher's flag-based main.go with
// a cobra command tree (`run --demo`, `list`); the teacher's -e/-c/-t
// flags have no equivalent here since there is no source compiler to
// feed them.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ty/internal/config"
	"ty/pkg/runtimectx"
)

var (
	configPath string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:   "ty",
		Short: "ty bytecode runtime",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "ty.toml", "path to ty.toml")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	root.AddCommand(runCmd(), listCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadCtx() (*runtimectx.RuntimeCtx, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	rcCfg := runtimectx.Config{
		InitialMemoryLimit: cfg.Memory.InitialLimitBytes,
		ThreadGroupHint:    cfg.Threads.GroupHint,
	}
	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	logger, err := buildLogger(level)
	if err != nil {
		return nil, err
	}
	return runtimectx.New(rcCfg, logger), nil
}

func runCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run a bundled demo program on the VM",
		RunE: func(cmd *cobra.Command, args []string) error {
			demo, ok := demos[name]
			if !ok {
				return fmt.Errorf("no such demo %q (see `ty list`)", name)
			}
			rc, err := loadCtx()
			if err != nil {
				return err
			}
			defer rc.Shutdown()

			result, err := demo.run(rc)
			if err != nil {
				return err
			}
			fmt.Println(result.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "demo", "fib", "demo program to run")
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list the bundled demo programs",
		RunE: func(cmd *cobra.Command, args []string) error {
			for name, d := range demos {
				fmt.Printf("%-12s %s\n", name, d.desc)
			}
			return nil
		},
	}
}
