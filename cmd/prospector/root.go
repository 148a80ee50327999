package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/voodooEntity/prospector"
	"github.com/voodooEntity/prospector/src/system/archivist"
	"github.com/voodooEntity/prospector/src/system/fspec"
	"github.com/voodooEntity/prospector/src/system/huntsman"
	"github.com/voodooEntity/prospector/src/system/localstore"
)

// exit codes of the CLI surface
const (
	EXIT_OK            = 0
	EXIT_INVALID_SPEC  = 1
	EXIT_FILTER_FAILED = 2
	EXIT_CANCELLED     = 3
)

// fileConfig is the optional YAML configuration file.
type fileConfig struct {
	Workers       int    `yaml:"workers"`
	Optimizer     string `yaml:"optimizer"`
	ReoptInterval uint64 `yaml:"reopt_interval"`
	MaxOptSteps   int    `yaml:"max_opt_steps"`
	MinSamples    uint64 `yaml:"min_samples"`
	CacheBytes    int64  `yaml:"cache_bytes"`
	LogLevel      int    `yaml:"log_level"`
	DebugLevel    int    `yaml:"debug_level"`
	DefaultScore  int    `yaml:"default_score"`
}

func run(args []string) int {
	var (
		specPath   string
		corpusPath string
		configPath string
		workers    int
		optimizer  string
		logLevel   int
	)

	exitCode := EXIT_OK

	rootCmd := &cobra.Command{
		Use:          "prospector",
		Short:        "Brute-force search with adaptive filter ordering",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf := fileConfig{
				Workers:      workers,
				Optimizer:    optimizer,
				LogLevel:     logLevel,
				DefaultScore: 0,
			}
			if configPath != "" {
				raw, err := os.ReadFile(configPath)
				if err != nil {
					exitCode = EXIT_INVALID_SPEC
					return fmt.Errorf("reading config: %w", err)
				}
				if err := yaml.Unmarshal(raw, &conf); err != nil {
					exitCode = EXIT_INVALID_SPEC
					return fmt.Errorf("parsing config: %w", err)
				}
			}

			specFile, err := os.Open(specPath)
			if err != nil {
				exitCode = EXIT_INVALID_SPEC
				return fmt.Errorf("opening spec: %w", err)
			}
			table, err := fspec.Parse(specFile)
			specFile.Close()
			if err != nil {
				exitCode = EXIT_INVALID_SPEC
				return err
			}

			store, err := localstore.NewDirectoryStore(corpusPath)
			if err != nil {
				exitCode = EXIT_FILTER_FAILED
				return err
			}
			sink := localstore.NewCollectSink()

			engine := prospector.New(prospector.Settings{
				Ident:         "prospector-cli",
				WorkerAmount:  conf.Workers,
				LogLevel:      conf.LogLevel,
				DebugLevel:    conf.DebugLevel,
				Optimizer:     conf.Optimizer,
				ReoptInterval: conf.ReoptInterval,
				MaxOptSteps:   conf.MaxOptSteps,
				MinSamples:    conf.MinSamples,
				CacheBytes:    conf.CacheBytes,
			})
			engine.RegisterObjectStore(store)
			engine.RegisterFilterRuntime(localstore.NewAttrScoreRuntime(conf.DefaultScore))
			engine.RegisterResultSink(sink)

			search, err := engine.StartSearch(table)
			if err != nil {
				if errors.Is(err, fspec.ErrInvalidSpec) || errors.Is(err, fspec.ErrMissingDependency) {
					exitCode = EXIT_INVALID_SPEC
				} else {
					exitCode = EXIT_FILTER_FAILED
				}
				return err
			}

			// cancel cooperatively on SIGINT/SIGTERM
			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigs
				search.Cancel()
			}()

			observer := engine.GetObserverInstance(search, func(s *huntsman.Search) {
				st := s.Stats()
				engine.Log().Info("search done state=", st.State, " processed=", st.ObjectsProcessed, " passed=", st.ObjectsPassed)
			})
			tickFn := func(s *huntsman.Search) {
				st := s.Stats()
				engine.Log().Debug(archivist.DEBUG_LEVEL_INFO, "progress processed=", st.ObjectsProcessed, " passed=", st.ObjectsPassed, " order=", st.CurrentOrder)
			}
			observer.RegisterTickFunction(&tickFn)
			observer.Loop()

			err = search.Wait()
			switch {
			case err == nil:
			case errors.Is(err, huntsman.ErrCancelled):
				exitCode = EXIT_CANCELLED
				return err
			default:
				exitCode = EXIT_FILTER_FAILED
				return err
			}

			for _, obj := range sink.Results() {
				fmt.Fprintln(cmd.OutOrStdout(), string(obj.Attrs["path"]))
			}
			stats := search.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "processed=%d passed=%d dropped=%d first_result=%s\n",
				stats.ObjectsProcessed, stats.ObjectsPassed, stats.ObjectsDropped,
				stats.TimeToFirstResult.Round(time.Millisecond))
			return nil
		},
	}

	rootCmd.Flags().StringVar(&specPath, "spec", "", "path to the filter spec file")
	rootCmd.Flags().StringVar(&corpusPath, "corpus", "", "directory holding candidate objects")
	rootCmd.Flags().StringVarP(&configPath, "config", "f", "", "optional YAML config file")
	rootCmd.Flags().IntVar(&workers, "workers", 0, "worker amount, defaults to logical CPUs")
	rootCmd.Flags().StringVar(&optimizer, "optimizer", "", "ordering strategy: hillclimb or bestfirst")
	rootCmd.Flags().IntVar(&logLevel, "log-level", archivist.LEVEL_INFO, "log level 1=debug .. 5=fatal")
	rootCmd.MarkFlagRequired("spec")
	rootCmd.MarkFlagRequired("corpus")

	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		if exitCode == EXIT_OK {
			exitCode = EXIT_INVALID_SPEC
		}
		fmt.Fprintln(os.Stderr, err)
	}
	return exitCode
}
