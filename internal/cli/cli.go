// Package cli builds the kiln command tree.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/kiln/internal/api"
	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/kinds"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/module"
	"github.com/seantiz/kiln/internal/store"
	"github.com/seantiz/kiln/internal/worker"
)

// Version is the kiln release.
const Version = "0.1.0"

var configFile string

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kiln",
		Short: "Kiln: asynchronous model training service",
		Long: `Kiln trains modules in the background and tracks each job by id.
Jobs run in-process or in a re-executed worker process, can be waited on,
canceled, and loaded once finished.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (YAML)")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildTrainCommand())
	rootCmd.AddCommand(buildKindsCommand())
	rootCmd.AddCommand(buildWorkerCommand())

	return rootCmd
}

func buildServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the training HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel).With("instance", cfg.InstanceName)

	logger.Info("kiln: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"use_subprocess", cfg.Trainer.UseSubprocess,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	catalog, err := newCatalog()
	if err != nil {
		return err
	}
	eng, err := newEngine(cfg, catalog, db, logger)
	if err != nil {
		return err
	}

	return api.NewServer(cfg.ListenAddr, db, eng, logger).Run(ctx)
}

// trainOutput is printed by the train command.
type trainOutput struct {
	TrainingID string `json:"training_id"`
	Kind       string `json:"kind"`
	Backend    string `json:"backend"`
	SavePath   string `json:"save_path,omitempty"`
	engine.Info
	Output any `json:"output,omitempty"`
}

type trainOptions struct {
	kind       string
	id         string
	name       string
	args       string
	kwargs     string
	savePath   string
	modelName  string
	saveWithID bool
	subprocess bool
	timeout    time.Duration
}

func buildTrainCommand() *cobra.Command {
	var opts trainOptions

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train one module and print its final status",
		Long: `Train submits a single job to a local engine, waits for it to finish,
and prints its status as JSON. Arguments are JSON; an object of the form
{"$model_path": "<dir>"} is replaced by the model saved in <dir>.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrain(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), opts, cmd.Flags().Changed("subprocess"))
		},
	}

	cmd.Flags().StringVarP(&opts.kind, "kind", "k", kinds.MeanName, "module kind to train")
	cmd.Flags().StringVar(&opts.id, "id", "", "training id (random when empty)")
	cmd.Flags().StringVar(&opts.name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.args, "args", "", "positional arguments as a JSON array")
	cmd.Flags().StringVar(&opts.kwargs, "kwargs", "", "named arguments as a JSON object")
	cmd.Flags().StringVarP(&opts.savePath, "save-path", "o", "", "directory to save the trained module")
	cmd.Flags().StringVar(&opts.modelName, "model-name", "", "model name appended to the save path")
	cmd.Flags().BoolVar(&opts.saveWithID, "save-with-id", false, "append the training id to the save path")
	cmd.Flags().BoolVar(&opts.subprocess, "subprocess", false, "train in a worker process (overrides config)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "give up and cancel after this long (0 waits forever)")

	return cmd
}

func runTrain(ctx context.Context, stdout, stderr io.Writer, opts trainOptions, subprocessSet bool) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if subprocessSet {
		cfg.Trainer.UseSubprocess = opts.subprocess
	}
	logger := config.NewLogger(stderr, cfg.LogLevel)

	catalog, err := newCatalog()
	if err != nil {
		return err
	}
	eng, err := newEngine(cfg, catalog, nil, logger)
	if err != nil {
		return err
	}

	wire, err := parseWireArguments(opts.args, opts.kwargs)
	if err != nil {
		return err
	}
	trainArgs, err := module.DecodeArguments(catalog, eng.Cache(), wire)
	if err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}

	f, err := eng.Submit(ctx, engine.SubmitRequest{
		Kind:       opts.kind,
		Args:       trainArgs,
		SavePath:   opts.savePath,
		SaveWithID: opts.saveWithID,
		ModelName:  opts.modelName,
		ExternalID: opts.id,
		Name:       opts.name,
	})
	if err != nil {
		return err
	}

	waitCtx := ctx
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}
	if err := f.Wait(waitCtx); err != nil {
		logger.Warn("training did not finish in time, canceling", "training_id", f.ID(), "error", err)
		f.Cancel()
		if err := f.Wait(context.Background()); err != nil {
			return err
		}
	}

	out := trainOutput{
		TrainingID: f.ID(),
		Kind:       f.Kind(),
		Backend:    f.Backend(),
		SavePath:   f.SavePath(),
		Info:       f.Info(),
	}
	if out.Status == model.StatusCompleted {
		m, err := f.Load(ctx)
		switch {
		case errors.Is(err, engine.ErrPrecondition):
			logger.Info("result not loadable", "training_id", f.ID(), "reason", err.Error())
		case err != nil:
			return fmt.Errorf("load result: %w", err)
		default:
			if out.Output, err = m.Run(ctx, nil); err != nil {
				return fmt.Errorf("run trained module: %w", err)
			}
		}
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}

	if err := eng.Shutdown(ctx); err != nil {
		return err
	}
	if out.Status != model.StatusCompleted {
		return fmt.Errorf("training %s finished with status %s", f.ID(), out.Status)
	}
	return nil
}

func parseWireArguments(positional, named string) (module.WireArguments, error) {
	var wire module.WireArguments
	if positional != "" {
		if err := json.Unmarshal([]byte(positional), &wire.Positional); err != nil {
			return wire, fmt.Errorf("--args must be a JSON array: %w", err)
		}
	}
	if named != "" {
		if err := json.Unmarshal([]byte(named), &wire.Named); err != nil {
			return wire, fmt.Errorf("--kwargs must be a JSON object: %w", err)
		}
	}
	return wire, nil
}

func buildKindsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "List the module kinds that can be trained",
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := newCatalog()
			if err != nil {
				return err
			}
			for _, k := range catalog.List() {
				fmt.Fprintln(cmd.OutOrStdout(), k.Name)
			}
			return nil
		},
	}
}

// buildWorkerCommand is the entry point of worker processes. It reads one
// request from stdin and writes framed progress and the result to stdout.
func buildWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run one training job received on stdin",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger := config.NewLogger(os.Stderr, cfg.LogLevel).With("pid", os.Getpid())

			catalog, err := newCatalog()
			if err != nil {
				return err
			}
			return worker.Serve(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), catalog, module.NewCache(), logger)
		},
	}
}

func newCatalog() (*module.Catalog, error) {
	catalog := module.NewCatalog()
	if err := kinds.Register(catalog); err != nil {
		return nil, fmt.Errorf("register kinds: %w", err)
	}
	return catalog, nil
}

func newEngine(cfg config.Config, catalog *module.Catalog, s store.Store, logger *slog.Logger) (*engine.Engine, error) {
	var opts []engine.Option
	if cfg.Trainer.WorkerExecutable != "" {
		opts = append(opts, engine.WithLauncher(worker.Launcher{
			Path: cfg.Trainer.WorkerExecutable,
			Args: []string{"worker"},
		}))
	}
	eng, err := engine.New(engine.Config{
		UseSubprocess: cfg.Trainer.UseSubprocess,
		StartMethod:   cfg.Trainer.SubprocessStartMethod,
		Retention:     cfg.Trainer.RetentionDuration,
	}, catalog, s, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}
	return eng, nil
}
