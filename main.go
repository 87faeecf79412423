package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mrsingh-rishi/broca/call"
	"github.com/mrsingh-rishi/broca/config"
	"github.com/mrsingh-rishi/broca/journal"
	"github.com/mrsingh-rishi/broca/llm"
	"github.com/mrsingh-rishi/broca/metrics"
	"github.com/mrsingh-rishi/broca/server"
	"github.com/mrsingh-rishi/broca/stt"
)

const shutdownTimeout = 15 * time.Second

var (
	v          *viper.Viper
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "broca",
	Short: "Broca relays browser speech to a transcription service",
	Long: `Broca streams microphone audio from browser websockets to a cloud
speech-to-text service and sends transcripts back, and cleans up finished
transcripts with an LLM completion API.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay server",
	RunE:  runServe,
}

func init() {
	// Load .env if present
	_ = godotenv.Load()
	v = config.New()

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format: text, json or logfmt")

	serveCmd.Flags().String("addr", ":8000", "Listen address")
	serveCmd.Flags().String("provider", "google", "Speech provider: google, deepgram or mock")
	serveCmd.Flags().Duration("drain-timeout", call.DefaultDrainTimeout, "How long a closing session waits for final transcripts")

	// Bind flags to viper
	_ = v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = v.BindPFlag("addr", serveCmd.Flags().Lookup("addr"))
	_ = v.BindPFlag("speech.provider", serveCmd.Flags().Lookup("provider"))
	_ = v.BindPFlag("session.drain_timeout", serveCmd.Flags().Lookup("drain-timeout"))

	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) *log.Logger {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		level = log.InfoLevel
	}
	formatter := log.TextFormatter
	switch cfg.Format {
	case "json":
		formatter = log.JSONFormatter
	case "logfmt":
		formatter = log.LogfmtFormatter
	}
	return log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		Formatter:       formatter,
		ReportTimestamp: true,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := config.ReadFile(v, configFile); err != nil {
		return err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)

	recognizer, closeRecognizer, err := newRecognizer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRecognizer()

	var cleaner server.Cleaner
	if cfg.OpenAI.APIKey != "" {
		c, err := llm.NewCleaner(
			llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL),
			cfg.OpenAI.Model,
			llm.PromptStore{Dir: cfg.Prompt.Dir},
			logger.WithPrefix("llm"),
			m,
		)
		if err != nil {
			return err
		}
		cleaner = c
	} else {
		logger.Warn("openai.api_key not set; /clean and /predict are disabled")
	}

	j, history, closeJournal, err := newJournal(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeJournal()

	srv, err := server.New(server.Options{
		Recognizer: recognizer,
		Cleaner:    cleaner,
		Journal:    j,
		History:    history,
		Session:    call.Config{DrainTimeout: cfg.Session.DrainTimeout},
		Gatherer:   prometheus.DefaultGatherer,
		Logger:     logger,
		Metrics:    m,
	})
	if err != nil {
		return err
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Listen(cfg.Addr)
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "listen")
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newRecognizer(ctx context.Context, cfg *config.Config, logger *log.Logger) (stt.Recognizer, func(), error) {
	sttCfg := stt.Config{
		Language:       cfg.Speech.Language,
		Encoding:       cfg.Speech.Encoding,
		SampleRate:     cfg.Speech.SampleRate,
		Model:          cfg.Speech.Model,
		InterimResults: cfg.Speech.InterimResults,
	}
	logger = logger.WithPrefix("stt")
	logger.Info("speech provider", "provider", cfg.Speech.Provider, "language", sttCfg.Language, "encoding", sttCfg.Encoding)

	switch cfg.Speech.Provider {
	case "google":
		client, err := stt.NewSpeechClient(ctx, cfg.Google.CredentialsFile)
		if err != nil {
			return nil, nil, err
		}
		g, err := stt.NewGoogleClient(client, sttCfg, logger)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return g, func() { client.Close() }, nil
	case "deepgram":
		sttCfg.Model = cfg.Deepgram.Model
		dg, err := stt.NewDeepgramClient(cfg.Deepgram.APIKey, cfg.Deepgram.URL, sttCfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return dg, func() {}, nil
	default:
		return stt.MockClient{}, func() {}, nil
	}
}

// newJournal returns the cleanup journal and, when a database is
// configured, the history reader behind GET /journal/:username.
func newJournal(ctx context.Context, cfg *config.Config, logger *log.Logger) (journal.Journal, server.History, func(), error) {
	file, err := journal.NewFile(cfg.Journal.Dir)
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.Database.URL == "" {
		return file, nil, func() {}, nil
	}

	pg, err := journal.NewPostgres(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, nil, nil, err
	}
	logger.Info("journal mirrored to postgres")
	return journal.Multi{file, pg}, pg, pg.Close, nil
}
