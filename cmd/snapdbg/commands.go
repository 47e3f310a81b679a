package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/snapdbg/agent/pkg/localvm"
)

var (
	classPath string
	jmodPath  string
	bpFile    string
	cfgFile   string
	verbose   bool

	logger *slog.Logger

	rootCmd = &cobra.Command{
		Use:   "snapdbg",
		Short: "Snapshot debugger tooling for JVM class files",
		Long: `snapdbg inspects the debug metadata of compiled classes and runs
the snapshot debugger agent against a local class-file runtime.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(logger)
		},
	}

	inspectCmd = &cobra.Command{
		Use:   "inspect [class]",
		Short: "Print the debug metadata of a class: methods, local slots, line table",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect, // defined in cmd_inspect.go
	}

	runCmd = &cobra.Command{
		Use:   "run [class...]",
		Short: "Load classes, arm breakpoints from a definitions file and walk every method",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAgent, // defined in cmd_run.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&classPath, "classpath", ".", "directory holding application .class files")
	rootCmd.PersistentFlags().StringVar(&jmodPath, "jmod", "", "path to java.base.jmod (defaults to JAVA_BASE_JMOD, then JAVA_HOME)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	runCmd.Flags().StringVar(&bpFile, "breakpoints", "breakpoints.json", "breakpoint definitions file")
	runCmd.Flags().StringVar(&cfgFile, "config", "", "agent configuration file")

	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(runCmd)
}

func findJmodPath() string {
	if jmodPath != "" {
		return jmodPath
	}
	if env := os.Getenv("JAVA_BASE_JMOD"); env != "" {
		return env
	}
	if javaHome := os.Getenv("JAVA_HOME"); javaHome != "" {
		p := filepath.Join(javaHome, "jmods", "java.base.jmod")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	matches, _ := filepath.Glob("/usr/lib/jvm/java-*-openjdk-*/jmods/java.base.jmod")
	if len(matches) > 0 {
		return matches[0]
	}
	return ""
}

// newLoader composes the class loader chain: the platform jmod first
// when one is available, then the application classpath.
func newLoader() localvm.Loader {
	app := localvm.NewDirLoader(classPath)
	if jmod := findJmodPath(); jmod != "" {
		logger.Debug("using platform classes", "jmod", jmod)
		return localvm.NewChainLoader(localvm.NewJmodLoader(jmod), app)
	}
	return app
}

func loadErr(name string, err error) error {
	return fmt.Errorf("loading %s: %w", name, err)
}
