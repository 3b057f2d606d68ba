package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"engined/internal/actor"
	"engined/internal/config"
	"engined/internal/engine"
	"engined/internal/executor"
	"engined/internal/observability"
	"engined/internal/transport"
	"engined/pkg/types"
)

// addressesFile is the launcher-provided address set. JSON files parse too.
type addressesFile struct {
	Inputs                      []string `yaml:"inputs"`
	Outputs                     []string `yaml:"outputs"`
	CoordinatorInput            string   `yaml:"coordinator_input"`
	CoordinatorOutput           string   `yaml:"coordinator_output"`
	FrontendStatsPublishAddress string   `yaml:"frontend_stats_publish_address"`
}

func loadAddresses(path string) (types.EngineAddresses, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return types.EngineAddresses{}, err
	}
	var f addressesFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return types.EngineAddresses{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(f.Inputs) == 0 || len(f.Outputs) == 0 {
		return types.EngineAddresses{}, fmt.Errorf("%s: inputs and outputs are required", path)
	}
	return types.EngineAddresses{
		Inputs:                      f.Inputs,
		Outputs:                     f.Outputs,
		CoordinatorInput:            f.CoordinatorInput,
		CoordinatorOutput:           f.CoordinatorOutput,
		FrontendStatsPublishAddress: f.FrontendStatsPublishAddress,
	}, nil
}

func buildActorCmd(o *rootOptions) *cobra.Command {
	var (
		ef        engineFlags
		addrsPath string
		dpRank    int
		localRank int
		deviceEnv string
	)
	cmd := &cobra.Command{
		Use:     "actor",
		Short:   "Start a data-parallel replica with addresses known ahead of time",
		Example: "  engined actor --addresses addrs.yaml --dp-rank 1 --local-rank 1",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addrsPath == "" {
				return errors.New("actor: --addresses is required")
			}
			addrs, err := loadAddresses(addrsPath)
			if err != nil {
				return err
			}
			cfg := o.cfg
			ef.apply(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runActor(cmd.Context(), cfg, actor.Config{
				Addresses:    addrs,
				DPRank:       dpRank,
				LocalRank:    localRank,
				DeviceEnvVar: deviceEnv,
			}, o.log)
		},
	}
	ef.register(cmd)
	cmd.Flags().StringVar(&addrsPath, "addresses", envStr("ENGINED_ADDRESSES", ""), "YAML or JSON file with the engine's socket addresses")
	cmd.Flags().IntVar(&dpRank, "dp-rank", envInt("ENGINED_DP_RANK", 0), "Data-parallel rank of this replica")
	cmd.Flags().IntVar(&localRank, "local-rank", envInt("ENGINED_LOCAL_RANK", 0), "Rank among the replicas on this node")
	cmd.Flags().StringVar(&deviceEnv, "device-env", envStr("ENGINED_DEVICE_ENV", actor.DefaultDeviceEnvVar), "Environment variable that lists visible devices")
	return cmd
}

func runActor(ctx context.Context, cfg config.Config, ac actor.Config, log zerolog.Logger) error {
	stopTracing, err := observability.InitTracing(cfg.Tracing.Exporter, "engined-actor")
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing(stopTracing, log)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	svc := &adminService{modelsDir: cfg.Engine.ModelsDir}
	adminDone, err := startAdmin(ctx, cfg.Admin, svc, log)
	if err != nil {
		return err
	}
	defer func() {
		cancel()
		<-adminDone
	}()

	ac.Engine = engineConfig(cfg, nil, transport.ZMQ{}, log)
	ac.NewExecutor = func() (engine.Executor, error) { return executor.New(cfg, log) }
	a, err := actor.New(ctx, ac)
	if err != nil {
		return err
	}
	svc.attach(a.Proc())
	a.WaitForInit()
	return a.Run(ctx)
}
