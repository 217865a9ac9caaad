// Copyright 2021-2023 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"syscall"

	"github.com/karlmutch/envflag"
	"github.com/tebeka/atexit"

	"github.com/jjeffery/kv" // MIT License

	"github.com/leaf-ai/go-service/pkg/log"

	"github.com/leaf-ai/molequeue/internal/eventlog"
	"github.com/leaf-ai/molequeue/internal/job"
	"github.com/leaf-ai/molequeue/internal/queue"
	"github.com/leaf-ai/molequeue/internal/server"
	"github.com/leaf-ai/molequeue/internal/transport"
)

var (
	buildTime string
	gitHash   string

	logger = log.NewLogger("molequeued")

	baseDirOpt    = flag.String("base-dir", setBaseDir(), "the directory holding job staging areas, queue configurations and the job log")
	socketNameOpt = flag.String("socket-name", transport.DefaultSocketName, "the filename of the local endpoint socket, created beneath the base directory")
	forceOpt      = flag.Bool("force", false, "take over a stale local endpoint left behind by a crashed instance")
	maxCoresOpt   = flag.Uint("max-cores", 0, "maximum number of cores handed to local jobs (default 0, all cores available will be used)")
	logLimitOpt   = flag.Uint("log-entries", eventlog.DefaultMaxEntries, "maximum number of job log entries retained in memory and on disk")
)

func setBaseDir() (dir string) {
	if dir = os.Getenv("MOLEQUEUE_BASE_DIR"); len(dir) != 0 {
		return dir
	}
	home, errGo := os.UserHomeDir()
	if errGo != nil {
		return ".molequeue"
	}
	return filepath.Join(home, ".molequeue")
}

func usage() {
	fmt.Fprintln(os.Stderr, path.Base(os.Args[0]))
	fmt.Fprintln(os.Stderr, "usage: ", os.Args[0], "[arguments]      molequeue daemon      ", gitHash, "    ", buildTime)
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Arguments:")
	fmt.Fprintln(os.Stderr, "")
	flag.PrintDefaults()
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Environment Variables:")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Options can also be supplied in upper case, underscore separated form through the environment.")
	fmt.Fprintln(os.Stderr, "The", queue.UITPasswordEnv, "variable supplies the kerberos password for UIT gateway queues.")
	fmt.Fprintln(os.Stderr, "To control log levels the LOGXI env variables can be used, these are documented at https://github.com/mgutz/logxi")
}

func main() {
	fmt.Printf("%s built at %s, against commit id %s\n", os.Args[0], buildTime, gitHash)

	flag.Usage = usage
	envflag.Parse()

	base := *baseDirOpt
	for _, sub := range []string{"jobs", "log", filepath.Join("config", "queues")} {
		if errGo := os.MkdirAll(filepath.Join(base, sub), 0700); errGo != nil {
			fmt.Fprintf(os.Stderr, "the base directory could not be prepared due to %s\n", errGo.Error())
			os.Exit(-1)
		}
	}

	logPath := filepath.Join(base, "log", "log.json")
	elog := eventlog.New(int(*logLimitOpt), logger)
	if err := elog.Load(logPath); err != nil {
		logger.Warn("job log could not be restored", "error", err.Error())
	}

	reg := job.NewRegistry(job.RegistryDir(base), elog, logger)
	if err := reg.LoadFromDisk(); err != nil {
		fmt.Fprintf(os.Stderr, "the job registry could not be restored due to %s\n", err.Error())
		os.Exit(-1)
	}

	deps := queue.Deps{Registry: reg, EventLog: elog, Logger: logger}

	// Local queues honour the core budget from the command line, every
	// other type goes through the stock factory untouched
	factory := func(cfg queue.Config, deps queue.Deps) (q queue.Queue, err kv.Error) {
		if cfg.Type == queue.TypeLocal {
			return queue.NewLocal(cfg, deps, int(*maxCoresOpt))
		}
		return queue.DefaultFactory(cfg, deps)
	}

	mgr := queue.NewManager(filepath.Join(base, "config", "queues"), deps, factory)
	if err := mgr.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "the queue configurations could not be loaded due to %s\n", err.Error())
		os.Exit(-1)
	}
	if len(mgr.Names()) == 0 {
		if err := defaultLocalQueue(mgr); err != nil {
			fmt.Fprintf(os.Stderr, "the default local queue could not be created due to %s\n", err.Error())
			os.Exit(-1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener := transport.NewListener(filepath.Join(base, *socketNameOpt), logger)
	startErr := listener.Start(ctx)
	if startErr != nil && *forceOpt {
		logger.Warn("taking over the local endpoint", "error", startErr.Error())
		startErr = listener.ForceStart(ctx)
	}
	if startErr != nil {
		fmt.Fprintf(os.Stderr, "the local endpoint could not be started due to %s\n", startErr.Error())
		os.Exit(-1)
	}

	srv := server.New(listener, reg, mgr, elog, logger, filepath.Join(base, "config"))
	if err := srv.OpenWith().Load(); err != nil {
		logger.Warn("open-with registry could not be restored", "error", err.Error())
	}

	for _, q := range mgr.All() {
		if err := q.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "queue %s could not be started due to %s\n", q.Name(), err.Error())
			os.Exit(-1)
		}
	}

	go srv.Run(ctx)

	if err := runPrometheus(ctx); err != nil {
		logger.Warn("metrics endpoint unavailable", "error", err.Error())
	}

	atexit.Register(func() {
		if err := reg.SyncToDisk(); err != nil {
			logger.Warn("final registry sync failed", "error", err.Error())
		}
		if err := elog.Save(logPath); err != nil {
			logger.Warn("job log could not be saved", "error", err.Error())
		}
		listener.Stop()
	})

	stopC := make(chan os.Signal, 1)
	signal.Notify(stopC, os.Interrupt, syscall.SIGTERM)

	logger.Info("molequeue daemon ready", "base", base, "queues", mgr.Names())

	select {
	case <-stopC:
		logger.Warn("stopping due to signal")
	case <-srv.KillRequested():
		logger.Warn("stopping due to an rpcKill request")
	}

	cancel()
	atexit.Exit(0)
}

// defaultLocalQueue seeds a fresh installation with a queue that runs
// jobs on the daemon host.
func defaultLocalQueue(mgr *queue.Manager) (err kv.Error) {
	if err = mgr.Add(queue.Config{Name: "Local", Type: queue.TypeLocal}); err != nil {
		return err
	}
	return mgr.Save()
}
