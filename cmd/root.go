package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pistobot/neoscratch/pkg/config"
	"github.com/pistobot/neoscratch/pkg/corpus"
	"github.com/pistobot/neoscratch/pkg/database"
	"github.com/pistobot/neoscratch/pkg/elastic"
	"github.com/pistobot/neoscratch/pkg/orchestrator"
	"github.com/pistobot/neoscratch/pkg/rundir"
	"github.com/pistobot/neoscratch/pkg/session"
)

const DefaultParamsPath = "./configs/" + config.DefaultParamsFile

var (
	paramsPath  string
	verbose     bool
	backendName string
	pythonPath  string
)

var rootCmd = &cobra.Command{
	Use:   "neoscratch",
	Short: "train a GPT-Neo model from scratch and sample text from it",
	Long: `neoscratch trains a tokenizer and a randomly initialised GPT-Neo model on a
text corpus, generates sample text and stores everything in a timestamped
run directory together with the parameters that produced it.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runPipeline,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

// setDebugLogFunctions routes every package debug hook to logger.
func setDebugLogFunctions(logger *logrus.Logger) {
	debug := func(format string, args ...interface{}) {
		logger.Debugf(format, args...)
	}
	config.DebugLog = debug
	rundir.DebugLog = debug
	session.DebugLog = debug
	corpus.DebugLog = debug
	database.DebugLog = debug
	elastic.DebugLog = debug
	orchestrator.DebugLog = debug
}

func init() {
	rootCmd.PersistentFlags().StringVar(&paramsPath, "path_params", DefaultParamsPath, "path to the YAML params file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "increase output verbosity")
	rootCmd.Flags().StringVar(&backendName, "backend", "", "ML backend to use (aitextgen, dryrun); overrides runtime.backend")
	rootCmd.Flags().StringVar(&pythonPath, "python", "", "python interpreter for the aitextgen backend; overrides runtime.python")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runsCmd)
}

func newLogger() *logrus.Logger {
	logger := orchestrator.NewLogger(orchestrator.ProcessName(os.Args[0]), verbose)
	if verbose {
		setDebugLogFunctions(logger)
	}
	return logger
}

func runPipeline(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch := orchestrator.New(orchestrator.Options{
		ParamsPath: paramsPath,
		Backend:    backendName,
		Python:     pythonPath,
		Logger:     logger,
	})

	result, err := orch.Run(ctx)
	if err != nil {
		logger.Error(err.Error())
		return err
	}

	color.Green("Run %s completed", result.RunName)
	color.Cyan("Generated samples: %s", result.GenerationFile)
	if result.Report != nil {
		color.Cyan("Training: %s", result.Report)
	}
	return nil
}
