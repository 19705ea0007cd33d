package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/recmeet/recmeet/internal/api"
	"github.com/recmeet/recmeet/internal/audio"
	"github.com/recmeet/recmeet/internal/config"
	"github.com/recmeet/recmeet/internal/notify"
	"github.com/recmeet/recmeet/internal/pipeline"
	"github.com/recmeet/recmeet/internal/sources"
	"github.com/recmeet/recmeet/internal/storage/sqlite"
	"github.com/recmeet/recmeet/internal/summarize"
	"github.com/recmeet/recmeet/internal/transcription"
	"github.com/recmeet/recmeet/internal/websocket"
	"github.com/recmeet/recmeet/pkg/logger"
)

var (
	version   = "0.1.0"
	cfgFile   string
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "recmeet",
	Short: "Meeting recorder",
	Long:  `recmeet records meetings (mic + system audio), then transcribes and summarizes them.`,
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a meeting, then transcribe and summarize it",
	RunE:  runRecord,
}

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List audio sources and what auto-detection would pick",
	RunE:  runSources,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP control server",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("recmeet v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/recmeet/config.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: console or json")

	recordCmd.Flags().String("source", "", "mic source name (default: auto-detect)")
	recordCmd.Flags().String("monitor", "", "monitor source name, or bare flag for the default monitor")
	recordCmd.Flags().Lookup("monitor").NoOptDefVal = "default"
	recordCmd.Flags().Bool("mic-only", false, "record the mic only, skip system audio")
	recordCmd.Flags().String("model", "", "whisper model (tiny, base, small, medium, large-v3)")
	recordCmd.Flags().String("output-dir", "", "base directory for session output")
	recordCmd.Flags().String("api-key", "", "xAI API key for summaries")
	recordCmd.Flags().Bool("no-summary", false, "skip summarization")
	recordCmd.Flags().String("device-pattern", "", "regex for source auto-detection")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies CLI overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return cfg, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}

	flags := cmd.Flags()
	if flags.Changed("source") {
		cfg.MicSource, _ = flags.GetString("source")
	}
	if flags.Changed("monitor") {
		cfg.MonitorSource, _ = flags.GetString("monitor")
	}
	if flags.Changed("mic-only") {
		cfg.MicOnly, _ = flags.GetBool("mic-only")
	}
	if flags.Changed("model") {
		cfg.Model, _ = flags.GetString("model")
	}
	if flags.Changed("output-dir") {
		cfg.OutputDir, _ = flags.GetString("output-dir")
	}
	if flags.Changed("api-key") {
		cfg.APIKey, _ = flags.GetString("api-key")
	}
	if flags.Changed("no-summary") {
		cfg.NoSummary, _ = flags.GetBool("no-summary")
	}
	if flags.Changed("device-pattern") {
		cfg.DevicePattern, _ = flags.GetString("device-pattern")
	}
	return cfg, nil
}

func newLogger(cfg config.Config) (*logger.Logger, error) {
	return logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
}

// buildPipeline assembles the pipeline and its collaborators. The returned
// cleanup closes the history database.
func buildPipeline(cfg config.Config, log *logger.Logger) (*pipeline.Pipeline, *sqlite.SessionStorage, func(), error) {
	var summarizer summarize.Summarizer
	if !cfg.NoSummary {
		key := cfg.ResolveAPIKey()
		if key == "" {
			return nil, nil, nil, fmt.Errorf("summaries are enabled but no API key is set: use --api-key, the config file, XAI_API_KEY, or --no-summary")
		}
		client, err := summarize.NewClient(log, key, cfg.APIBaseURL, cfg.SummaryModel)
		if err != nil {
			return nil, nil, nil, err
		}
		summarizer = client
	}

	db, err := sqlite.Open(cfg.HistoryDBPath())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open history database: %w", err)
	}
	storage, err := sqlite.NewSessionStorage(db, log)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}

	deps := pipeline.Deps{
		Catalog:     sources.NewCatalog(log),
		Validator:   audio.NewValidator(log),
		Mixer:       audio.NewMixer(log),
		Transcriber: transcription.NewWhisperCLI(log, cfg.WhisperBin),
		Summarizer:  summarizer,
		Notifier:    notify.NewDesktop(log),
		History:     storage,
		Logger:      log,
	}
	return pipeline.New(deps), storage, func() { db.Close() }, nil
}

func runRecord(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	p, _, cleanup, err := buildPipeline(cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	// A stop request is only honored while Recording; later phases run to
	// completion, so repeated Ctrl+C stays a no-op rather than killing a
	// transcription in flight.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			p.RequestStop()
		}
	}()

	feedbackStop := make(chan struct{})
	feedbackDone := startElapsedFeedback(p, feedbackStop)

	if _, err := p.StartAsync(cfg); err != nil {
		close(feedbackStop)
		return err
	}
	fmt.Fprintln(os.Stderr, "Press Ctrl+C to stop recording")
	p.Wait()

	close(feedbackStop)
	select {
	case <-feedbackDone:
	case <-time.After(2 * time.Second):
	}

	res := p.Result()
	if res.Err != nil {
		return res.Err
	}

	fmt.Printf("Session:    %s\n", res.SessionDir)
	fmt.Printf("Audio:      %s (%.1fs, %s)\n", res.AudioPath, res.DurationSec, res.Mode)
	fmt.Printf("Transcript: %s\n", res.TranscriptPath)
	if res.SummaryPath != "" {
		fmt.Printf("Summary:    %s\n", res.SummaryPath)
	}
	return nil
}

// startElapsedFeedback writes "Recording... MM:SS" to stderr once a second
// while the pipeline is in the Recording phase.
func startElapsedFeedback(p *pipeline.Pipeline, stop <-chan struct{}) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		var start time.Time
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				if !start.IsZero() {
					fmt.Fprintln(os.Stderr)
				}
				return
			case <-ticker.C:
				if p.Phase() != pipeline.PhaseRecording {
					if !start.IsZero() {
						fmt.Fprintln(os.Stderr)
						return
					}
					continue
				}
				if start.IsZero() {
					start = time.Now()
				}
				elapsed := time.Since(start).Seconds()
				fmt.Fprintf(os.Stderr, "\rRecording... %s", transcription.FormatTimestamp(elapsed))
			}
		}
	}()
	return done
}

func runSources(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	catalog := sources.NewCatalog(log)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	all, err := catalog.List(ctx)
	if err != nil {
		return err
	}
	fmt.Println("Available sources:")
	for _, ep := range all {
		fmt.Printf("  %-8s %s\n", ep.Kind, ep.Name)
	}

	detected, err := catalog.Detect(ctx, cfg.DevicePattern)
	if err != nil {
		if errors.Is(err, sources.ErrNoMatchingEndpoint) {
			fmt.Printf("\nNo sources match pattern %q\n", cfg.DevicePattern)
			return nil
		}
		return err
	}
	fmt.Printf("\nAuto-detected for pattern %q:\n", cfg.DevicePattern)
	if detected.Mic != nil {
		fmt.Printf("  mic:     %s\n", detected.Mic.Name)
	}
	if detected.Monitor != nil {
		fmt.Printf("  monitor: %s\n", detected.Monitor.Name)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	p, storage, cleanup, err := buildPipeline(cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	wsServer := websocket.NewServer(log)
	p.OnPhaseChange(func(ev pipeline.Event) {
		wsServer.Broadcast(ev)
		if ev.Phase == pipeline.PhaseIdle {
			if res := p.Result(); res != nil && res.RunID == ev.RunID {
				wsServer.BroadcastResult(res)
			}
		}
	})

	catalog := sources.NewCatalog(log)
	handler := api.NewHandler(p, catalog, storage, wsServer, &cfg, log)
	router := api.NewRouter(handler, &cfg, log)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Control server listening", logger.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-sigCh:
	}

	log.Info("Shutting down")
	p.RequestStop()
	p.Wait()
	wsServer.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
