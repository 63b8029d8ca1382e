package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	dockerclient "github.com/docker/docker/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/trailofbits/crs-core/internal/cancel"
	"github.com/trailofbits/crs-core/internal/config"
	"github.com/trailofbits/crs-core/internal/externalapi"
	"github.com/trailofbits/crs-core/internal/kv/redisstore"
	"github.com/trailofbits/crs-core/internal/logging"
	"github.com/trailofbits/crs-core/internal/metrics"
	"github.com/trailofbits/crs-core/internal/procexec"
	"github.com/trailofbits/crs-core/internal/queue"
	"github.com/trailofbits/crs-core/internal/queue/redisqueue"
	"github.com/trailofbits/crs-core/internal/registry"
	"github.com/trailofbits/crs-core/pkg/builder"
	"github.com/trailofbits/crs-core/pkg/downloader"
	"github.com/trailofbits/crs-core/pkg/fuzzmerge"
	"github.com/trailofbits/crs-core/pkg/gc"
	"github.com/trailofbits/crs-core/pkg/patchrouter"
	"github.com/trailofbits/crs-core/pkg/scheduler"
	"github.com/trailofbits/crs-core/pkg/submitter"
	"github.com/trailofbits/crs-core/pkg/taskapi"
)

// runtime is the explicit context object every component is composed
// from: constructed once at process start, torn down on shutdown.
type runtime struct {
	cfg      *config.Config
	log      *logging.Logger
	rdb      *redis.Client
	q        *redisqueue.Queue
	reg      *registry.Registry
	canceler *cancel.Broadcaster
	met      *metrics.Registry
	promReg  *prometheus.Registry
	consumer string
}

func newRuntime() (*runtime, error) {
	path := cfgFile
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logging.InitGlobalLogger(logging.Config{Level: cfg.LogLevel, Format: "json"})
	log := logging.Global()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.KV.Endpoint, DB: cfg.KV.DB})
	met, promReg := metrics.New()

	hostname, _ := os.Hostname()
	consumer := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	canceler := cancel.New()
	canceler.Start()

	return &runtime{
		cfg: cfg, log: log, rdb: rdb,
		q:        redisqueue.New(rdb),
		reg:      registry.New(redisstore.New(rdb)),
		canceler: canceler,
		met:      met, promReg: promReg,
		consumer: consumer,
	}, nil
}

func (rt *runtime) close() {
	_ = rt.rdb.Close()
}

// serveCommand wraps one worker role: build the runtime, start the
// telemetry endpoint, run the role until shutdown.
func serveCommand(use, short string, run func(ctx context.Context, rt *runtime) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Args:  cobra.NoArgs,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, cancelCtx := context.WithCancel(cmd.Context())
			defer cancelCtx()
			rt.canceler.OnShutdown(cancelCtx)

			if rt.cfg.Telemetry.Endpoint != "" {
				go func() {
					mux := http.NewServeMux()
					mux.Handle("/metrics", metrics.Handler(rt.promReg))
					if err := http.ListenAndServe(rt.cfg.Telemetry.Endpoint, mux); err != nil {
						rt.log.Warn("telemetry endpoint failed", "error", err.Error())
					}
				}()
			}

			rt.log.Info("worker starting", "role", use, "version", version, "consumer", rt.consumer)
			return run(ctx, rt)
		},
	}
}

func init() {
	rootCmd.AddCommand(
		serveCommand("serve-downloader", "Run a downloader fleet member", func(ctx context.Context, rt *runtime) error {
			w := downloader.New(downloader.Config{
				ScratchRoot: rt.cfg.Scratch.Root,
				MaxAttempts: rt.cfg.Downloader.MaxAttempts,
				HTTPTimeout: rt.cfg.Downloader.HTTPTimeout,
				Consumer:    rt.consumer,
			}, rt.q, rt.reg, rt.canceler, rt.log)
			return w.Run(ctx)
		}),

		serveCommand("serve-builder", "Run a build dispatcher fleet member", func(ctx context.Context, rt *runtime) error {
			docker, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
			if err != nil {
				return fmt.Errorf("docker client: %w", err)
			}
			sandbox := procexec.New(docker, rt.log)
			w := builder.New(builder.Config{
				ScratchRoot:  rt.cfg.Scratch.Root,
				SandboxImage: rt.cfg.Builder.SandboxImage,
				Consumer:     rt.consumer,
			}, rt.q, rt.reg, sandbox, rt.log, rt.met)
			return w.Run(ctx)
		}),

		serveCommand("serve-fuzzmerge", "Run a crash merge/dedup fleet member", func(ctx context.Context, rt *runtime) error {
			w := fuzzmerge.New(rt.q, rt.reg, rt.log, rt.met, rt.consumer)
			errCh := make(chan error, 2)
			go func() { errCh <- w.RunDedup(ctx) }()
			go func() { errCh <- w.RunConfirm(ctx) }()
			return <-errCh
		}),

		serveCommand("serve-patchrouter", "Run a patch-request router fleet member", func(ctx context.Context, rt *runtime) error {
			w := patchrouter.New(rt.q, rt.reg, rt.log, rt.consumer)
			w.SetFreezeWindow(rt.cfg.Scheduler.FreezeWindow)
			errCh := make(chan error, 3)
			go func() { errCh <- w.RunRequest(ctx) }()
			go func() { errCh <- w.RunPatchResult(ctx) }()
			go func() { errCh <- w.RunPOVResponse(ctx) }()
			return <-errCh
		}),

		serveCommand("serve-scheduler", "Run the per-task scheduler actor pool", func(ctx context.Context, rt *runtime) error {
			m := scheduler.New(scheduler.Config{
				TickInterval: rt.cfg.Scheduler.TickInterval,
				FreezeWindow: rt.cfg.Scheduler.FreezeWindow,
				HardWindow:   rt.cfg.Scheduler.HardWindow,
				CancelGrace:  rt.cfg.Scheduler.CancelGrace,
				ShardCount:   rt.cfg.Scheduler.ShardCount,
				Sanitizers:   rt.cfg.Scheduler.Sanitizers,
				Consumer:     rt.consumer,
			}, rt.q, rt.reg, rt.canceler, rt.log, rt.met)
			return m.Run(ctx)
		}),

		serveCommand("serve-submitter", "Run the competition-API submitter actor pool", func(ctx context.Context, rt *runtime) error {
			api := externalapi.New(externalapi.Config{
				Endpoint: rt.cfg.ExternalAPI.Endpoint,
				KeyID:    rt.cfg.ExternalAPI.KeyID,
				KeyToken: rt.cfg.ExternalAPI.KeyToken,
			})
			s := submitter.New(submitter.Config{
				PerTaskQPS:       rt.cfg.Submitter.PerTaskQPS,
				GlobalQPS:        rt.cfg.Submitter.GlobalQPS,
				PollInitial:      rt.cfg.Submitter.PollInitial,
				PollCap:          rt.cfg.Submitter.PollCap,
				RetryMaxAttempts: rt.cfg.Submitter.RetryMaxAttempts,
				HardWindow:       rt.cfg.Scheduler.HardWindow,
				Consumer:         rt.consumer,
			}, rt.q, rt.reg, api, rt.canceler, rt.log, rt.met)
			return s.Run(ctx)
		}),

		serveCommand("serve-gc", "Run the cancellation/GC sweeper", func(ctx context.Context, rt *runtime) error {
			mon := queue.NewMonitor(rt.q, redisstore.New(rt.rdb), rt.met, rt.log,
				rt.cfg.Queue.HighWaterMark, 10*time.Second)
			go func() { _ = mon.Run(ctx) }()

			s := gc.New(gc.Config{
				ScratchRoot: rt.cfg.Scratch.Root,
				Consumer:    rt.consumer,
			}, rt.q, rt.reg, rt.canceler, rt.log, rt.met)
			return s.Run(ctx)
		}),

		serveCommand("serve-taskapi", "Run the inbound task API", func(ctx context.Context, rt *runtime) error {
			srv := taskapi.New(taskapi.Config{
				Addr:     rt.cfg.TaskAPI.Addr,
				KeyID:    rt.cfg.TaskAPI.KeyID,
				KeyToken: rt.cfg.TaskAPI.KeyToken,
			}, rt.q, rt.reg, rt.log)
			go func() {
				<-ctx.Done()
				shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancelShutdown()
				_ = srv.Shutdown(shutdownCtx)
			}()
			return srv.ListenAndServe()
		}),
	)
}
