// Command telosd runs the TELOS cognitive runtime: the handle table,
// synaptic bridge, federated memory fabric, coherence coordinator,
// cognitive cycle engine, free-energy controller, and chaos runner,
// fronted by an HTTP admin surface.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/telos-cog/telos/internal/annindex"
	"github.com/telos-cog/telos/internal/bridge"
	"github.com/telos-cog/telos/internal/chaos"
	"github.com/telos-cog/telos/internal/cognitive"
	"github.com/telos-cog/telos/internal/config"
	"github.com/telos-cog/telos/internal/fabric"
	"github.com/telos-cog/telos/internal/freeenergy"
	"github.com/telos-cog/telos/internal/handle"
	"github.com/telos-cog/telos/internal/outbox"
	"github.com/telos-cog/telos/internal/store"
	"github.com/telos-cog/telos/internal/teloserr"
	"github.com/telos-cog/telos/internal/vectorcache"
	"github.com/telos-cog/telos/pkg/concept"
)

func main() {
	configPath := flag.String("config", "", "path to a TELOS config file")
	addr := flag.String("addr", ":7700", "HTTP admin surface address")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("failed loading config", zap.Error(err))
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal("failed creating data dir", zap.Error(err))
	}

	handles := handle.New(log)

	l3, err := store.Open(filepath.Join(cfg.DataDir, "telos.db"), log)
	if err != nil {
		log.Fatal("failed opening L3 store", zap.Error(err))
	}
	defer l3.Close()

	l2, err := annindex.Open(filepath.Join(cfg.DataDir, "ann.index"), annindex.Params{
		GraphDegree: cfg.L2GraphDegree, BeamWidth: cfg.L2BeamWidth, Alpha: cfg.L2Alpha,
	})
	if err != nil {
		log.Fatal("failed opening L2 index", zap.Error(err))
	}

	l1 := vectorcache.New(cfg.L1CapacityBytes, cfg.L1Shards)

	coord := outbox.New(log, l3, l2, l1, handles, outbox.Config{
		LeaseMS:       int64(cfg.OutboxLeaseMS),
		BackoffBaseMS: int64(cfg.OutboxBackoffBaseMS),
		BackoffMaxMS:  int64(cfg.OutboxBackoffMaxMS),
		MaxAttempts:   cfg.OutboxMaxAttempts,
		OwnerID:       "telosd",
	})

	runCtx, cancel := context.WithCancel(context.Background())
	go coord.Run(runCtx, 200*time.Millisecond)

	fab := fabric.New(l1, l2, l3, coord)

	br := bridge.New(log, handles)
	registry := bridge.Registry{}
	for op, h := range bridge.DefaultRegistry() {
		registry[op] = h
	}
	for op, h := range annindex.Operations(l2) {
		registry[op] = h
	}
	for op, h := range fabric.Operations(fab) {
		registry[op] = h
	}
	for op, h := range br.MetricsOperations() {
		registry[op] = h
	}
	if err := br.Initialize(bridge.InitConfig{
		Workers:       cfg.Workers,
		QueueCapacity: cfg.QueueCapacity,
		StarvationK:   cfg.BatchStarvationInterval,
		HeartbeatMS:   cfg.WorkerHeartbeatMS,
		RetryMax:      cfg.WorkerRetry,
		Registry:      registry,
	}); err != nil {
		log.Fatal("failed initializing bridge", zap.Error(err))
	}

	reaperStop := make(chan struct{})
	handles.RunReaper(5*time.Second, br.DrainOrphanedOwnerTokens, reaperStop)

	opRegistry := cognitive.NewRegistry()
	engine := cognitive.New(log, br, fab, opRegistry, cognitive.Config{
		IterationLimit: cfg.CycleIterationLimit,
		WallClock:      time.Duration(cfg.CycleWallMS) * time.Millisecond,
		ThetaSuccess:   cfg.ThetaSuccess,
		ThetaDisc:      cfg.ThetaDisc,
	})

	// The cognitive scheduler: a single goroutine drains the goal
	// stream and runs one cycle at a time, keeping working-memory
	// mutation single-threaded.
	go func() {
		for goal := range engine.GoalStream {
			result := engine.RunCycle(runCtx, goal)
			log.Info("cycle finished",
				zap.String("goal", goal.ID),
				zap.Bool("success", result.Success),
				zap.String("reason", result.Reason))
		}
	}()

	feCtrl := freeenergy.New(log, engine, freeenergy.Config{
		Threshold:    cfg.FreeEnergyThreshold,
		DwellSamples: cfg.FreeEnergyDwellSamples,
		SampleEvery:  time.Second,
	})

	var coherenceFailures atomic.Uint64
	freeenergy.ConsumeCoherenceFailures(coord.Failures(), func() {
		coherenceFailures.Add(1)
	})

	// One-step-back predictor: the controller compares each sample
	// against the previous observation, so a steady system produces no
	// prediction error.
	var lastObserved map[string]float64
	var lastFailures uint64
	sampler := func() freeenergy.Sample {
		status := br.Status()
		l1Stats := l1.SnapshotStats()
		failures := coherenceFailures.Load()

		observed := map[string]float64{
			"cognitive_load":  float64(status.Queued+status.InFlight) / float64(cfg.QueueCapacity),
			"memory_pressure": float64(l1Stats.Size) / float64(cfg.L1CapacityBytes),
			"error_rate":      float64(failures - lastFailures),
			"replication_lag": float64(len(coord.Failures())),
		}
		lastFailures = failures

		predicted := lastObserved
		if predicted == nil {
			predicted = observed
		}
		lastObserved = observed
		return freeenergy.Sample{Observed: observed, Predicted: predicted}
	}
	go feCtrl.Run(sampler)

	chaosRunner := chaos.New(log)
	chaosRunner.Start(runCtx)

	// CEP-005: observe-only memory-pressure experiment against L1; a
	// breach feeds the controller above.
	if err := chaosRunner.ScheduleRecurring(&chaos.Experiment{
		ID:          "CEP-005",
		TargetName:  "vectorcache",
		Hazard:      chaos.HazardMemoryPressure,
		SampleEvery: time.Second,
		Budget:      30 * time.Second,
		SteadyState: chaos.MemoryPressurePredicate("memory_pressure", 0.95),
		Observe: func() map[string]float64 {
			return map[string]float64{
				"memory_pressure": float64(l1.SnapshotStats().Size) / float64(cfg.L1CapacityBytes),
			}
		},
	}, 5*time.Minute); err != nil {
		log.Warn("failed scheduling default chaos experiment", zap.Error(err))
	}

	go func() {
		for ev := range chaosRunner.Breaches() {
			log.Warn("chaos breach observed", zap.String("experiment", ev.ExperimentID))
			feCtrl.Observe(freeenergy.Sample{Observed: ev.Sample.Observed, Predicted: map[string]float64{}})
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	corsCfg := cors.DefaultConfig()
	corsCfg.AllowAllOrigins = true
	router.Use(cors.New(corsCfg))

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, br.Status())
	})

	// POST /tasks is the JSON task envelope for out-of-process callers
	// (telosctl among them): submit a Task and block for its Result.
	// The hot path from the cognitive engine stays a direct, in-process
	// br.SubmitTask call.
	router.POST("/tasks", func(c *gin.Context) {
		var task concept.Task
		if err := c.ShouldBindJSON(&task); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"kind": teloserr.InvalidTask, "message": err.Error()})
			return
		}
		deadline := time.Time{}
		if task.DeadlineMS > 0 {
			deadline = time.Now().Add(time.Duration(task.DeadlineMS) * time.Millisecond)
		}
		future, err := br.SubmitTask(task, deadline)
		if err != nil {
			kind, _ := teloserr.KindOf(err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"kind": kind, "message": err.Error()})
			return
		}
		waitCtx := c.Request.Context()
		if deadline.IsZero() {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(waitCtx, 30*time.Second)
			defer cancel()
		}
		result, err := future.Await(waitCtx)
		if err != nil {
			c.JSON(http.StatusGatewayTimeout, gin.H{"kind": teloserr.Timeout, "message": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	})

	router.GET("/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"handles":     handles.Stats(),
			"bridge":      br.Metrics(),
			"store":       l3.Metrics(),
			"annindex":    l2.Metrics(),
			"fabric":      fab.Metrics(),
			"outbox":      coord.Metrics(),
			"cognitive":   opRegistry.Metrics(),
			"free_energy": feCtrl.Metrics(),
			"chaos":       chaosRunner.Metrics(),
		})
	})

	router.GET("/changes", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		changes, cancel := l3.Subscribe()
		defer cancel()
		for ch := range changes {
			if err := conn.WriteJSON(ch); err != nil {
				return
			}
		}
	})

	srv := &http.Server{Addr: *addr, Handler: router}
	go func() {
		log.Info("telosd admin surface listening", zap.String("addr", *addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("admin surface failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info("telosd shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	chaosRunner.Stop()
	feCtrl.Stop()
	coord.Stop()
	close(reaperStop)
	cancel()
	br.Shutdown()
}
