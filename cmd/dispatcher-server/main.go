// Command dispatcher-server runs the line-indexed work dispatcher: it hands
// out lines of an input file to workers over HTTP, accepts their results,
// and persists them to an output file in exact line order.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LumiOpen/dispatcher/internal/dispatcher/config"
	"github.com/LumiOpen/dispatcher/internal/dispatcher/httpapi"
	"github.com/LumiOpen/dispatcher/internal/dispatcher/logging"
	"github.com/LumiOpen/dispatcher/internal/dispatcher/queue"
	"github.com/LumiOpen/dispatcher/internal/dispatcher/ratelimit"
	"github.com/LumiOpen/dispatcher/internal/dispatcher/reader"
	"github.com/LumiOpen/dispatcher/internal/dispatcher/writer"
	"github.com/LumiOpen/dispatcher/internal/dispatcher/wsstatus"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		inFile        = flag.String("infile", "", "path to the input file (required)")
		outFile       = flag.String("outfile", "", "path to the output file (required)")
		host          = flag.String("host", "", "listen address")
		port          = flag.Int("port", 0, "listen port")
		workTimeout   = flag.Int("work-timeout", 0, "seconds before an issued item is reclaimed")
		maxRetries    = flag.Int("max-retries", -1, "number of timed-out issuances tolerated before tombstoning")
		retryBackoff  = flag.Int("retry-backoff", 0, "seconds a client should wait before retrying get_work")
		batchSizeMax  = flag.Int("batch-size-max", 0, "server-enforced ceiling on a single get_work batch")
		configPath    = flag.String("config", "", "optional JSON config file")
		logLevel      = flag.String("log-level", "", "debug, info, warn, or error")
		logFormat     = flag.String("log-format", "", "text or json")
		shutdownGrace = flag.Int("shutdown-grace", 0, "seconds to wait for stragglers after work drains")
		statusFeed    = flag.Bool("status-feed", true, "enable the /ws live status feed")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dispatcher-server: %v\n", err)
		return 1
	}

	if *inFile != "" {
		cfg.InFile = *inFile
	}
	if *outFile != "" {
		cfg.OutFile = *outFile
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *workTimeout != 0 {
		cfg.WorkTimeoutSeconds = *workTimeout
	}
	if *maxRetries >= 0 {
		cfg.MaxRetries = *maxRetries
	}
	if *retryBackoff != 0 {
		cfg.RetryBackoffSeconds = *retryBackoff
	}
	if *batchSizeMax != 0 {
		cfg.BatchSizeMax = *batchSizeMax
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logFormat != "" {
		cfg.LogFormat = *logFormat
	}
	if *shutdownGrace != 0 {
		cfg.ShutdownGraceSeconds = *shutdownGrace
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "status-feed" {
			cfg.EnableStatusFeed = *statusFeed
		}
	})

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "dispatcher-server: %v\n", err)
		return 1
	}

	log := logging.New(logging.Config{
		Level:     logging.ParseLevel(cfg.LogLevel),
		Format:    logging.ParseFormat(cfg.LogFormat),
		Output:    os.Stderr,
		Component: "dispatcher-server",
	})

	return serve(cfg, log)
}

func serve(cfg *config.Config, log *logging.Logger) int {
	w, err := writer.Open(cfg.OutFile)
	if err != nil {
		log.Errorf("fatal: %v", err)
		return 1
	}
	defer w.Close()

	r, err := reader.Open(cfg.InFile)
	if err != nil {
		log.Errorf("fatal: %v", err)
		return 1
	}
	defer r.Close()

	resumePos := w.ResumePosition()
	if resumePos > 0 {
		if err := r.Skip(resumePos); err != nil {
			log.Errorf("fatal: %v", err)
			return 1
		}
		log.Infof("resuming at work_id %d", resumePos)
	}

	core := queue.New(r, w, queue.Config{
		WorkTimeout:         cfg.WorkTimeout(),
		MaxRetries:          cfg.MaxRetries,
		RetryBackoffSeconds: cfg.RetryBackoffSeconds,
	})

	sweeper := queue.NewSweeper(core, log)
	sweeper.Start()
	defer sweeper.Stop()

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitPerMinute,
		RequestsPerHour:   cfg.RateLimitPerHour,
		BurstSize:         cfg.RateLimitBurst,
		CleanupInterval:   5 * time.Minute,
		BanDuration:       15 * time.Minute,
		MaxConcurrent:     1000,
	})
	defer limiter.Shutdown()

	srv := httpapi.New(core, log, limiter, cfg.BatchSizeMax)

	var hub *wsstatus.Hub
	if cfg.EnableStatusFeed {
		hub = wsstatus.New(core, log, core.SweepInterval())
		hub.Start()
		defer hub.Stop()
		srv.Router().HandleFunc("/ws", hub.HandleWebSocket).Methods(http.MethodGet)
		srv.OnSubmit(hub.BroadcastNow)
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: srv.Router(),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErrCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
		}
	}()

	done := make(chan struct{})
	go watchForCompletion(core, done)

	select {
	case <-sigCh:
		log.Infof("received shutdown signal")
	case err := <-serverErrCh:
		log.Errorf("fatal: http server error: %v", err)
		return 1
	case err := <-sweeper.FatalErr():
		log.Errorf("fatal: %v", err)
		return 1
	case <-done:
		log.Infof("all work complete, serving stragglers for %s before shutdown", cfg.ShutdownGrace())
		select {
		case <-time.After(cfg.ShutdownGrace()):
		case <-sigCh:
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warnf("error during graceful shutdown: %v", err)
	}

	return 0
}

// watchForCompletion polls Core.Done and signals once ALL_WORK_COMPLETE has
// been reached and the writer has drained every line, per §4.3.4's
// termination condition. Implementations may delay exit by a small grace
// period so stragglers receive a clean ALL_WORK_COMPLETE; serve keeps the
// server up for the shutdown grace period after done closes (and uses the
// same period as the httpServer.Shutdown timeout), not this poll interval.
func watchForCompletion(core *queue.Core, done chan<- struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		if core.Done() {
			close(done)
			return
		}
	}
}
