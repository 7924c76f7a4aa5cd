// Command nameserver runs the PostTroll name service daemon: one Address
// Receiver plus its reply socket front-end (spec.md §4.E, §6).
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/arc-self/posttroll/config"
	"github.com/arc-self/posttroll/nameserver"
	"github.com/arc-self/posttroll/relay"
	"github.com/arc-self/posttroll/telemetry"
	"github.com/arc-self/posttroll/transport"
	_ "github.com/arc-self/posttroll/transport/plain"
	_ "github.com/arc-self/posttroll/transport/secure"
)

const pidFilePath = "/tmp/posttroll-nameserver.pid"

var (
	daemonAction      string
	logPath           string
	verbose           bool
	noMulticast       bool
	restrictLocalhost bool
	foreground        bool
)

func main() {
	root := &cobra.Command{
		Use:   "nameserver",
		Short: "PostTroll name service daemon",
		RunE:  run,
	}
	root.Flags().StringVarP(&daemonAction, "daemon", "d", "start", "daemon action: start|stop|status|restart")
	root.Flags().StringVarP(&logPath, "log", "l", "", "log file path (stderr if unset)")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug-level logging")
	root.Flags().BoolVar(&noMulticast, "no-multicast", false, "disable the multicast listener")
	root.Flags().BoolVar(&restrictLocalhost, "restrict-to-localhost", false, "bind sockets to loopback only")
	root.Flags().BoolVar(&foreground, "foreground", false, "run in the foreground instead of forking a detached child")
	_ = root.Flags().MarkHidden("foreground") // internal: used by start to re-exec itself detached

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	switch daemonAction {
	case "start":
		return doStart()
	case "stop":
		return doStop()
	case "status":
		return doStatus()
	case "restart":
		_ = doStop()
		return doStart()
	default:
		fmt.Fprintf(os.Stderr, "nameserver: unknown daemon action %q\n", daemonAction)
		os.Exit(1)
		return nil
	}
}

func doStart() error {
	if foreground {
		return serve()
	}

	if pid, alive := readPID(); alive {
		fmt.Fprintf(os.Stderr, "nameserver: already running (pid %d)\n", pid)
		os.Exit(2)
	}

	args := append(os.Args[1:], "--foreground")
	child := exec.Command(os.Args[0], args...)
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "nameserver: open log file: %v\n", err)
			os.Exit(2)
		}
		child.Stdout = f
		child.Stderr = f
	}

	if err := child.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "nameserver: start failed: %v\n", err)
		os.Exit(2)
	}
	if err := os.WriteFile(pidFilePath, []byte(strconv.Itoa(child.Process.Pid)), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "nameserver: write pid file: %v\n", err)
		os.Exit(2)
	}
	fmt.Printf("nameserver: started (pid %d)\n", child.Process.Pid)
	return nil
}

func doStop() error {
	pid, alive := readPID()
	if !alive {
		fmt.Fprintln(os.Stderr, "nameserver: not running")
		os.Exit(2)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		fmt.Fprintf(os.Stderr, "nameserver: stop failed: %v\n", err)
		os.Exit(2)
	}
	_ = os.Remove(pidFilePath)
	fmt.Printf("nameserver: stopped (pid %d)\n", pid)
	return nil
}

func doStatus() error {
	pid, alive := readPID()
	if !alive {
		fmt.Println("nameserver: not running")
		os.Exit(0)
	}
	fmt.Printf("nameserver: running (pid %d)\n", pid)
	return nil
}

func readPID() (int, bool) {
	raw, err := os.ReadFile(pidFilePath)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	// On Unix, FindProcess always succeeds; signal 0 probes liveness
	// without actually delivering a signal.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return pid, false
	}
	return pid, true
}

func serve() error {
	logger := buildLogger()
	defer logger.Sync()

	store := config.NewStore()
	if err := store.Load(); err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}
	cfg := store.Current()

	backend, err := transport.New(cfg)
	if err != nil {
		logger.Fatal("transport init failed", zap.Error(err))
	}

	if cfg.OTLPEndpoint != "" {
		mp, err := telemetry.InitMeterProvider(context.Background(), "posttroll-nameserver", cfg.OTLPEndpoint)
		if err != nil {
			logger.Error("telemetry init failed, continuing without metrics", zap.Error(err))
		} else {
			defer mp.Shutdown(context.Background())
			if _, err := telemetry.NewMeter(); err != nil {
				logger.Error("telemetry meter construction failed", zap.Error(err))
			}
		}
	}

	host := "*"
	if restrictLocalhost {
		host = "127.0.0.1"
	}
	address := fmt.Sprintf("tcp://%s:%d", host, cfg.NameserverPort)

	ns := nameserver.New(cfg, backend, address, noMulticast, 0, logger)
	if err := ns.Start(); err != nil {
		logger.Fatal("nameserver start failed", zap.Error(err))
	}
	logger.Info("nameserver listening",
		zap.String("address", address),
		zap.Bool("multicast", !noMulticast),
	)

	rel, err := relay.New(cfg, relay.Options{
		NATSURL:       cfg.RelayNATSURL,
		WebhookURLs:   cfg.RelayWebhookURLs,
		WebhookSecret: cfg.RelayWebhookSecret,
	}, logger)
	if err != nil {
		logger.Error("relay init failed, continuing without it", zap.Error(err))
	} else {
		rel.Attach(ns.Receiver)
		defer rel.Close()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("nameserver shutting down")
	return ns.Stop()
}

func buildLogger() *zap.Logger {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if logPath != "" {
		cfg.OutputPaths = []string{logPath}
		cfg.ErrorOutputPaths = []string{logPath}
	}

	logger, err := cfg.Build()
	if err != nil {
		// Fall back to a minimal logger rather than fail the daemon over
		// a log-sink misconfiguration.
		return zap.NewNop()
	}
	return logger
}
