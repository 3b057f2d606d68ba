package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"engined/internal/config"
	"engined/internal/engine"
	"engined/internal/executor"
	"engined/internal/handshake"
	"engined/internal/httpapi"
	"engined/internal/observability"
	"engined/internal/transport"
)

// engineFlags are shared by run and actor.
type engineFlags struct {
	engineIndex   int
	executor      string
	model         string
	modelsDir     string
	pipelineDepth int
	adminAddr     string
	corsOrigins   string
}

func (f *engineFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.engineIndex, "engine-index", envInt("ENGINED_ENGINE_INDEX", 0), "Engine index, also the routing identity")
	cmd.Flags().StringVar(&f.executor, "executor", envStr("ENGINED_EXECUTOR", ""), "Executor backend: echo|llama")
	cmd.Flags().StringVar(&f.model, "model", envStr("ENGINED_MODEL", ""), "Model id in --models-dir or path to a *.gguf file")
	cmd.Flags().StringVar(&f.modelsDir, "models-dir", envStr("ENGINED_MODELS_DIR", ""), "Directory to scan for *.gguf model files")
	cmd.Flags().IntVar(&f.pipelineDepth, "pipeline-depth", envInt("ENGINED_PIPELINE_DEPTH", 0), "Batches in flight; > 1 enables the batch queue")
	cmd.Flags().StringVar(&f.adminAddr, "admin-addr", envStr("ENGINED_ADMIN_ADDR", ""), "Admin HTTP listen address; \"off\" disables it")
	cmd.Flags().StringVar(&f.corsOrigins, "cors-origins", envStr("ENGINED_CORS_ORIGINS", ""), "Comma-separated origins allowed on the admin server")
}

// apply overrides cfg with explicitly set flags.
func (f *engineFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	if flagSet(cmd, "engine-index") {
		cfg.Engine.EngineIndex = f.engineIndex
	}
	if flagSet(cmd, "executor") {
		cfg.Engine.ExecutorBackend = f.executor
	}
	if flagSet(cmd, "model") {
		cfg.Engine.Model = f.model
	}
	if flagSet(cmd, "models-dir") {
		cfg.Engine.ModelsDir = f.modelsDir
	}
	if flagSet(cmd, "pipeline-depth") {
		cfg.Engine.PipelineDepth = f.pipelineDepth
	}
	if flagSet(cmd, "admin-addr") {
		cfg.Admin.Addr = f.adminAddr
		if f.adminAddr == "off" {
			cfg.Admin.Addr = ""
		}
	}
	if flagSet(cmd, "cors-origins") {
		cfg.Admin.CORSOrigins = splitCSV(f.corsOrigins)
	}
}

func buildRunCmd(o *rootOptions) *cobra.Command {
	var (
		ef              engineFlags
		handshakeAddr   string
		clientHandshake string
		headless        bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start an engine that obtains its addresses through the handshake",
		Example: "  engined run --handshake-address tcp://127.0.0.1:5570\n" +
			"  engined run --config engine.yaml --executor llama --model tinyllama",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := o.cfg
			ef.apply(cmd, &cfg)
			if flagSet(cmd, "handshake-address") {
				cfg.Engine.HandshakeAddress = handshakeAddr
			}
			if flagSet(cmd, "client-handshake-address") {
				cfg.Engine.ClientHandshakeAddress = clientHandshake
			}
			if cfg.Engine.HandshakeAddress == "" {
				return errors.New("run: --handshake-address is required")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runEngine(cmd.Context(), cfg, headless, o.log)
		},
	}
	ef.register(cmd)
	cmd.Flags().StringVar(&handshakeAddr, "handshake-address", envStr("ENGINED_HANDSHAKE_ADDRESS", ""), "ROUTER address of the front end or rank-0 peer")
	cmd.Flags().StringVar(&clientHandshake, "client-handshake-address", envStr("ENGINED_CLIENT_HANDSHAKE_ADDRESS", ""), "Colocated front end for the dual handshake")
	cmd.Flags().BoolVar(&headless, "headless", false, "Announce a headless engine in HELLO")
	return cmd
}

// handshakeSource builds the Remote source for cfg. The second exchange is
// only made when a client handshake address is configured.
func handshakeSource(cfg config.Config, headless bool, opener transport.Opener, log zerolog.Logger) *handshake.Remote {
	id := engine.Identity(cfg.Engine.EngineIndex)
	timeout := cfg.Engine.HandshakeTimeoutDuration()
	src := &handshake.Remote{Primary: handshake.Config{
		Address:  cfg.Engine.HandshakeAddress,
		Identity: id,
		Local:    cfg.Engine.LocalClient,
		Headless: headless,
		Timeout:  timeout,
		Opener:   opener,
		Logger:   log,
	}}
	if cfg.Engine.ClientHandshakeAddress != "" {
		src.Client = &handshake.Config{
			Address:  cfg.Engine.ClientHandshakeAddress,
			Identity: id,
			Headless: headless,
			Timeout:  timeout,
			Opener:   opener,
			Logger:   log,
		}
	}
	return src
}

func runEngine(ctx context.Context, cfg config.Config, headless bool, log zerolog.Logger) error {
	stopTracing, err := observability.InitTracing(cfg.Tracing.Exporter, "engined")
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

	ex, err := executor.New(cfg, log)
	if err != nil {
		return err
	}
	opener := transport.ZMQ{}
	ec := engineConfig(cfg, ex, opener, log)
	ec.Source = handshakeSource(cfg, headless, opener, log)
	p, err := engine.NewProc(ctx, ec)
	if err != nil {
		return err
	}
	svc.attach(p)
	log.Info().Int("engine_index", cfg.Engine.EngineIndex).Int("num_gpu_blocks", p.Core().NumGPUBlocks()).Msg("engine ready")
	return p.Run(ctx)
}

// startAdmin serves the admin API until ctx is done. The returned channel is
// closed once the server stopped; it is closed immediately when disabled.
func startAdmin(ctx context.Context, cfg config.AdminConfig, svc httpapi.Service, log zerolog.Logger) (<-chan struct{}, error) {
	done := make(chan struct{})
	if cfg.Addr == "" {
		close(done)
		return done, nil
	}
	httpapi.SetCORSOptions(len(cfg.CORSOrigins) > 0, cfg.CORSOrigins, nil, nil)
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("admin listen: %w", err)
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("admin server listening")
	go func() {
		defer close(done)
		if err := httpapi.Serve(ctx, ln, httpapi.NewMux(svc)); err != nil {
			log.Error().Err(err).Msg("admin server")
		}
	}()
	return done, nil
}

func shutdownTracing(stop func(context.Context) error, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := stop(ctx); err != nil {
		log.Warn().Err(err).Msg("tracing shutdown")
	}
}
