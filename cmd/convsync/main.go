package main

import (
	"io"
	"log"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/Prismer-AI/convsync"
)

var (
	verbosity   int
	logFile     string
	metricsAddr string

	// metrics is registered once per process and shared by every engine.
	metrics *convsync.Metrics
)

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "convsync",
	Short: "Conversation sync CLI",
	Long: "Command-line client for the conversation sync engine.\n" +
		"Open conversations from the local cache, follow them live, and send messages.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load(".env")
		initLog(verbosity, logFile)
		metrics = convsync.NewMetrics(prometheus.DefaultRegisterer)
		if metricsAddr != "" {
			serveMetrics(metricsAddr)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v",
		"Log verbosity: -v for debug, -vv for trace")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "-",
		"Write logs to this file instead of stdout")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "",
		"Serve prometheus metrics on this address (e.g. :9090)")
}

// initLog maps the -v count to a jww threshold and redirects logs to a file
// unless logPath is "-".
func initLog(threshold int, logPath string) {
	if logPath != "-" && logPath != "" {
		jww.SetStdoutOutput(io.Discard)
		logOutput, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			jww.FATAL.Panicf("cannot open log file %s: %v", logPath, err)
		}
		jww.SetLogOutput(logOutput)
	}

	level := jww.LevelWarn
	switch {
	case threshold > 1:
		level = jww.LevelTrace
	case threshold == 1:
		level = jww.LevelDebug
	}
	if level < jww.LevelInfo {
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	}
	jww.SetStdoutThreshold(level)
	jww.SetLogThreshold(level)
	jww.DEBUG.Printf("log level set to: %d", level)
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		jww.INFO.Printf("serving metrics on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
			jww.ERROR.Printf("metrics server stopped: %v", err)
		}
	}()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
