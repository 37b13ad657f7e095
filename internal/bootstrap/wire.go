package bootstrap

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"livenote/internal/archive"
	"livenote/internal/audio"
	"livenote/internal/config"
	"livenote/internal/metrics"
	"livenote/internal/ports"
	"livenote/internal/providers/notequality"
	"livenote/internal/providers/sessionws"
	"livenote/internal/rules"
	"livenote/internal/usecase"
)

// Services is the assembled runtime graph.
type Services struct {
	Controller *usecase.SessionController
	Config     config.Config
	Metrics    *metrics.Metrics
	Registry   *prometheus.Registry
	Archive    *archive.Store
}

// Close releases resources owned by the graph.
func (s Services) Close() error {
	if s.Archive != nil {
		return s.Archive.Close()
	}
	return nil
}

// Build wires all runtime dependencies from configuration at configPath
// (empty means LIVENOTE_CONFIG or defaults only).
func Build(configPath string, eventSink ports.EventSink, logger *slog.Logger) (Services, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return Services{}, err
	}

	table, err := rules.Load(cfg.Rules.Path)
	if err != nil {
		return Services{}, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	var quality ports.NoteQualityService
	if cfg.Quality.BaseURL != "" {
		client, err := notequality.NewClient(notequality.Config{
			BaseURL:    cfg.Quality.BaseURL,
			APIKey:     cfg.Quality.APIKey,
			Timeout:    cfg.Quality.Timeout,
			MaxRetries: cfg.Quality.MaxRetries,
		}, notequality.WithLogger(logger.With("component", "notequality")), notequality.WithMetrics(m))
		if err != nil {
			return Services{}, err
		}
		quality = client
	}

	var store *archive.Store
	var sessionArchive ports.SessionArchive
	if cfg.Archive.Enabled {
		store, err = archive.Open(cfg.Archive.Path)
		if err != nil {
			return Services{}, fmt.Errorf("open session archive: %w", err)
		}
		sessionArchive = store
	}

	provider := sessionws.NewProvider(sessionws.Config{
		URL:               cfg.Backend.URL,
		APIKey:            cfg.Backend.APIKey,
		HandshakeTimeout:  cfg.Backend.HandshakeTimeout,
		WriteTimeout:      cfg.Backend.WriteTimeout,
		SendAttempts:      cfg.Backend.SendAttempts,
		RetryDelay:        cfg.Backend.RetryDelay,
		BacklogLimit:      cfg.Backend.BacklogLimit,
		ReconnectInitial:  cfg.Backend.ReconnectInitial,
		ReconnectMax:      cfg.Backend.ReconnectMax,
		ReconnectAttempts: cfg.Backend.ReconnectAttempts,
		DrainTimeout:      cfg.Backend.DrainTimeout,
	}, sessionws.WithLogger(logger.With("component", "sessionws")), sessionws.WithMetrics(m))

	controller := usecase.NewSessionController(
		audio.NewFFmpegCapture(cfg.Audio.RecorderCommand),
		provider,
		quality,
		sessionArchive,
		eventSink,
		usecase.Config{
			Audio: ports.AudioConfig{
				SampleRate:  cfg.Audio.SampleRate,
				Channels:    cfg.Audio.Channels,
				InputFormat: cfg.Audio.InputFormat,
				InputDevice: cfg.Audio.InputDevice,
			},
			ChunkInterval: cfg.Session.ChunkInterval,
			Template:      cfg.TemplateKind(),
			Encoding:      "pcm_s16le",
			Rules:         table,
		},
		usecase.WithLogger(logger.With("component", "controller")),
		usecase.WithMetrics(m),
	)

	return Services{
		Controller: controller,
		Config:     cfg,
		Metrics:    m,
		Registry:   registry,
		Archive:    store,
	}, nil
}
