package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/habibshahid/aiva-advanced-sub007/internal/asr"
	"github.com/habibshahid/aiva-advanced-sub007/internal/catalog"
	"github.com/habibshahid/aiva-advanced-sub007/internal/config"
	"github.com/habibshahid/aiva-advanced-sub007/internal/content"
	"github.com/habibshahid/aiva-advanced-sub007/internal/httpserver"
	"github.com/habibshahid/aiva-advanced-sub007/internal/intent"
	"github.com/habibshahid/aiva-advanced-sub007/internal/llm"
	"github.com/habibshahid/aiva-advanced-sub007/internal/logging"
	"github.com/habibshahid/aiva-advanced-sub007/internal/session"
	"github.com/habibshahid/aiva-advanced-sub007/internal/slots"
	"github.com/habibshahid/aiva-advanced-sub007/internal/tts"
)

func main() {
	log := logging.New()
	defer func() { _ = log.Sync() }()

	cfg := config.Load(log)

	cat, catClient, err := loadCatalog(cfg, log)
	if err != nil {
		log.Fatal("catalog load failed", zap.Error(err))
	}
	log.Info("catalog loaded",
		zap.Int("intents", len(cat.Intents)),
		zap.Int("flows", len(cat.Flows)),
		zap.Int("languages", len(cat.Languages)))

	var model *llm.Client
	if cfg.LLMKey != "" {
		model = llm.New(cfg.LLMBaseURL, cfg.LLMKey, cfg.LLMModel, log)
	}
	var intentModel intent.JSONCompleter
	var slotModel slots.JSONCompleter
	if model != nil {
		intentModel = model
		slotModel = model
	}
	intents := intent.New(cat.Intents, intentModel, cfg.IntentThreshold, log)
	slotClassifier := slots.New(slotModel, log)

	var backend tts.Backend
	switch {
	case cfg.DeepgramKey != "":
		backend = tts.NewDeepgram(cfg.DeepgramKey, cfg.DeepgramModel, log)
	case cfg.ElevenLabsKey != "":
		backend = tts.NewElevenLabs(cfg.ElevenLabsKey, cfg.ElevenLabsVoice, cfg.FFmpegPath, log)
	}

	var store content.Storage
	if cfg.StorageURL != "" {
		store = content.NewSupabaseStorage(cfg.StorageURL, cfg.StorageKey, cfg.StorageBucket)
	}
	var registrar content.AudioRegistrar
	if catClient != nil {
		registrar = catClient
	}
	resolver := content.NewResolver(store, registrar, log)

	factory := func(callID string, ev session.Events) httpserver.SessionRunner {
		recognizer := asr.NewStream(asr.Options{
			URL:      cfg.RecognizerURL,
			APIKey:   cfg.RecognizerKey,
			Language: cfg.DefaultLanguage,
		}, log)
		var synth *tts.Synthesizer
		if backend != nil {
			synth = tts.NewSynthesizer(backend, log)
		}
		sess := session.New(session.Config{
			CallID:          callID,
			Catalog:         cat,
			Intents:         intents,
			Slots:           slotClassifier,
			Synth:           synth,
			Recognizer:      recognizer,
			Resolver:        resolver,
			Events:          ev,
			DefaultRetries:  cfg.MaxStepRetries,
			ResponseTimeout: cfg.ResponseTimeout,
			Log:             log,
		})
		return &callRunner{sess: sess, recognizer: recognizer}
	}

	srv := httpserver.New(factory, func() string { return cfg.WebhookSecret }, log)

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Echo,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("address", cfg.HTTPAddress))
		serverErrors <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	case sig := <-sigChan:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn("graceful shutdown failed", zap.Error(err))
		_ = server.Close()
	}
}

// callRunner binds a session to its recognition stream: the stream connects
// when the call starts and closes when it ends.
type callRunner struct {
	sess       *session.Session
	recognizer *asr.Stream
}

func (r *callRunner) Run(ctx context.Context) error {
	if r.recognizer != nil {
		if err := r.recognizer.Connect(ctx); err != nil {
			return err
		}
		defer func() { _ = r.recognizer.Close() }()
	}
	return r.sess.Run(ctx)
}

func (r *callRunner) WriteAudio(frame []byte) { r.sess.WriteAudio(frame) }

func loadCatalog(cfg config.Config, log *zap.Logger) (*catalog.Catalog, *catalog.Client, error) {
	if cfg.CatalogFile != "" {
		c, err := catalog.LoadFile(cfg.CatalogFile)
		return c, nil, err
	}
	if cfg.CatalogURL != "" {
		client := catalog.NewClient(cfg.CatalogURL, log)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		c, err := client.Fetch(ctx)
		return c, client, err
	}
	return nil, nil, errors.New("no catalog source configured: set CATALOG_FILE or CATALOG_URL")
}
