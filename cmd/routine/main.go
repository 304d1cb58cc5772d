// routine: context-aware routines and SOP runner over MCP.
//
// Usage:
//
//	routine serve                 # Start MCP server (stdio transport)
//	routine validate <file>...    # Check SOP definition files
//	routine version
package main

import (
	"fmt"
	"os"

	"github.com/HendryAvila/routine/internal/config"
	"github.com/HendryAvila/routine/internal/logging"
	rtserver "github.com/HendryAvila/routine/internal/server"
	"github.com/HendryAvila/routine/internal/sop"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	verbose    bool

	cfg    config.Config
	logger *zap.Logger
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "routine",
		Short: "Context-aware routines and SOP runner over MCP",
		Long: `routine watches your situation through context providers, matches it
against rules, and runs Standard Operating Procedures (checklists, ordered
steps, flowcharts). It is driven by an AI host over the Model Context
Protocol on stdio.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}
			if verbose {
				cfg.Log.Level = "debug"
			}
			logger, err = logging.New(cfg.Log)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ~/.routine/config.yaml)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newServeCmd(), newValidateCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, cleanup, err := rtserver.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("creating server: %w", err)
			}
			defer cleanup()

			logger.Info("serving",
				zap.String("version", rtserver.Version),
				zap.String("data_dir", cfg.DataDir),
				zap.String("definitions_dir", cfg.DefinitionsDir),
			)
			return server.ServeStdio(s)
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Parse and check SOP definition files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				s, err := validateFile(path)
				if err != nil {
					failed++
					fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(out, "ok   %s: %s (%s, %d steps)\n", path, s.Name, s.Shape, s.TotalSteps())
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d definitions invalid", failed, len(args))
			}
			return nil
		},
	}
}

func validateFile(path string) (*sop.SOP, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	def, err := sop.Parse(data)
	if err != nil {
		return nil, err
	}
	return sop.Build(def)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "routine v%s\n", rtserver.Version)
		},
	}
}
