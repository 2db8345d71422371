package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	cli "github.com/spf13/pflag"
	log "log/slog"

	"qaia/internal/audio"
	"qaia/internal/bus"
	"qaia/internal/command"
	"qaia/internal/config"
	"qaia/internal/dialogue"
	"qaia/internal/gateway"
	"qaia/internal/guard"
	"qaia/internal/history"
	"qaia/internal/intent"
	"qaia/internal/ipc"
	"qaia/internal/llm"
	"qaia/internal/notify"
	"qaia/internal/proxy"
	"qaia/internal/sanitize"
	"qaia/internal/tts"
	"qaia/pkg/audioconv"
	"qaia/pkg/stt"
)

var logLevelMap = map[string]log.Level{
	"debug": log.LevelDebug,
	"info":  log.LevelInfo,
	"warn":  log.LevelWarn,
	"error": log.LevelError,
}

func main() {
	configPath := cli.StringP("config", "c", "qaia.yaml", "Config file path")
	envFile := cli.StringP("env", "e", ".env", "Env file path")
	logLevel := cli.StringP("log", "l", "info", "Log level")
	cli.Parse()

	log.SetDefault(log.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevelMap[*logLevel],
	})))

	log.Info("Booting up")

	godotenv.Load(*envFile)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("Failed to load config", "err", err)
		os.Exit(1)
	}

	sanitizer, err := sanitize.New(cfg.Sanitize)
	if err != nil {
		log.Error("Failed to build sanitizer", "err", err)
		os.Exit(1)
	}

	if err := audio.InitDevice(); err != nil {
		log.Error("Failed to init audio", "err", err)
		os.Exit(1)
	}
	defer audio.CloseDevice()

	whisper, err := stt.NewTranscriber(cfg.STT.ModelPath)
	if err != nil {
		log.Error("Failed to init whisper", "model", cfg.STT.ModelPath, "err", err)
		os.Exit(1)
	}
	defer whisper.Close()
	log.Debug("Loaded whisper", "model", cfg.STT.ModelPath)

	generator := buildGenerator(cfg)

	synth := buildSynthesizer(cfg)
	if synth == nil {
		log.Warn("No speech engine available, replies will be text-only")
	}

	chime, err := notify.LoadChime(cfg.Paths.ChimeFile)
	if err != nil {
		log.Warn("Chime unavailable", "err", err)
	}

	store, err := history.Open(cfg.Paths.HistoryFile)
	if err != nil {
		log.Error("Failed to open history store", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	audit, err := guard.OpenAuditLog(cfg.Paths.AuditFile)
	if err != nil {
		log.Error("Failed to open audit log", "err", err)
		os.Exit(1)
	}
	defer audit.Close()

	b := bus.New()
	defer b.Stop()

	manager := audio.NewManager(audio.Config{
		SampleRate:     cfg.Audio.SampleRate,
		MaxDuration:    time.Duration(cfg.Audio.MaxSeconds) * time.Second,
		SilenceRMS:     cfg.Audio.SilenceRMS,
		SilenceHold:    time.Duration(cfg.Audio.SilenceHoldMs) * time.Millisecond,
		AttemptTimeout: cfg.CaptureAttemptTimeout(),
		Recorder:       cfg.Audio.Recorder,
	}, audio.DefaultStrategies(), b)

	executor := command.NewExecutor(cfg.CommandTimeout())

	orch, err := dialogue.NewOrchestrator(dialogue.Options{
		Bus:           b,
		Classifier:    intent.NewClassifier(),
		Gate:          guard.NewGate(audit),
		Executor:      executor,
		Generator:     generator,
		Synth:         synth,
		Sanitizer:     sanitizer,
		Store:         store,
		MinConfidence: cfg.MinIntentConfidence,
		HistoryWindow: cfg.HistoryWindow,
	})
	if err != nil {
		log.Error("Failed to build orchestrator", "err", err)
		os.Exit(1)
	}
	if err := orch.SeedHistory(); err != nil {
		log.Warn("Failed to seed history", "err", err)
	}

	quit := make(chan struct{})
	a := &agent{
		cfg:     cfg,
		bus:     b,
		manager: manager,
		chime:   chime,
		whisper: whisper,
		orch:    orch,
		quit:    quit,
	}
	if cfg.Audio.DuckOthers {
		a.ducker = audio.NewDucker([]string{"qaia"}, 20)
	}
	a.registerCommands(executor)

	gw := gateway.NewServer(b, a)
	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		log.Info("Gateway listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Gateway failed", "err", err)
		}
	}()

	ctl, err := ipc.Listen(cfg.Paths.Socket)
	if err != nil {
		log.Error("Failed to bind control socket", "err", err)
		os.Exit(1)
	}
	go ctl.Serve(a.handleControl)

	log.Info("Boot up - successful", "socket", cfg.Paths.Socket)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Info("Shutting down", "signal", s)
	case <-quit:
		log.Info("Shutting down on request")
	}

	manager.Stop()
	tts.StopPlayback()
	ctl.Close()
	gw.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)
}

func buildGenerator(cfg *config.Config) llm.Generator {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		log.Warn("OPENAI_API_KEY not set, question answering disabled")
		return nil
	}

	opts := llm.OpenAIOptions{
		APIKey:  apiKey,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLMTimeout(),
	}

	if cfg.LLM.Proxy != "" {
		httpClient, err := proxy.NewSocksClient(cfg.LLM.Proxy, 2*cfg.LLMTimeout())
		if err != nil {
			log.Error("Failed to dial socks proxy", "proxy", cfg.LLM.Proxy, "err", err)
			return nil
		}
		opts.HTTPClient = httpClient
		log.Debug("LLM egress through proxy", "proxy", cfg.LLM.Proxy)
	}

	gen, err := llm.NewOpenAIGenerator(opts)
	if err != nil {
		log.Error("Failed to build generator", "err", err)
		return nil
	}
	return gen
}

func buildSynthesizer(cfg *config.Config) tts.Synthesizer {
	if cfg.TTS.Engine == "piper" {
		piper, err := tts.NewPiper(cfg.TTS.PiperPath, cfg.TTS.Voice)
		if err == nil {
			log.Debug("Loaded piper", "voice", cfg.TTS.Voice)
			return piper
		}
		log.Warn("Piper unavailable, falling back to espeak-ng", "err", err)
	}

	espeak, err := tts.NewESpeak(cfg.STT.Language)
	if err != nil {
		log.Warn("espeak-ng unavailable", "err", err)
		return nil
	}
	return espeak
}

// agent glues the capture pipeline to the orchestrator and carries the
// state command actions operate on.
type agent struct {
	cfg     *config.Config
	bus     *bus.Bus
	manager *audio.Manager
	ducker  *audio.Ducker
	chime   *notify.Chime
	whisper *stt.Transcriber
	orch    *dialogue.Orchestrator
	quit    chan struct{}

	micMuted atomic.Bool
	quitOnce atomic.Bool
}

// SendText feeds a typed utterance into the dialogue loop.
func (a *agent) SendText(text string) {
	go a.orch.HandleUtterance(context.Background(), text)
}

// StartCapture launches one listen-transcribe-handle cycle.
func (a *agent) StartCapture() error {
	if a.micMuted.Load() {
		return errors.New("microphone disabled")
	}
	if a.manager.Busy() {
		return audio.ErrBusy
	}
	go a.listenOnce()
	return nil
}

func (a *agent) StopCapture() {
	a.manager.Stop()
}

func (a *agent) listenOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if a.chime != nil {
		if err := a.chime.Play(ctx); err != nil {
			log.Warn("Chime failed", "err", err)
		}
	}
	if a.ducker != nil {
		if err := a.ducker.Duck(ctx, 0.3); err != nil {
			log.Warn("Ducking failed", "err", err)
		}
		defer a.ducker.Restore(context.Background())
	}

	log.Info("Starting listening")

	sess, err := a.manager.Start(ctx)
	if err != nil {
		log.Error("Failed to start capture", "err", err)
		a.bus.Publish(bus.TopicReplyError, dialogue.Reply{
			Text:  "Le microphone est indisponible.",
			IsErr: true,
		})
		return
	}

	samples, err := sess.Wait(ctx)
	if err != nil || len(samples) == 0 {
		log.Error("Capture produced no audio", "err", err)
		return
	}
	log.Info("Recorded", "samples", len(samples), "strategy", sess.Strategy)

	res, err := a.whisper.Transcribe(ctx, samples, stt.Options{
		Language: a.cfg.STT.Language,
	})
	if err != nil {
		log.Error("Failed to transcribe", "err", err)
		return
	}
	if res.Text == "" {
		log.Info("Nothing recognized")
		return
	}
	log.Info("Transcribed", "text", res.Text, "confidence", res.Confidence)

	a.orch.HandleUtterance(ctx, res.Text)
}

// registerCommands binds the authorized (verb, target) vocabulary to
// real actions. Pairs left unregistered answer with a generic
// not-implemented message.
func (a *agent) registerCommands(executor *command.Executor) {
	executor.Register("arrete", "enregistrement", func(context.Context) (string, error) {
		a.manager.Stop()
		return "J'arrête l'enregistrement.", nil
	})
	executor.Register("arrete", "micro", func(context.Context) (string, error) {
		a.micMuted.Store(true)
		a.manager.Stop()
		return "Le micro est coupé.", nil
	})
	executor.Register("desactive", "micro", func(context.Context) (string, error) {
		a.micMuted.Store(true)
		a.manager.Stop()
		return "Le micro est désactivé.", nil
	})
	executor.Register("active", "micro", func(context.Context) (string, error) {
		a.micMuted.Store(false)
		return "Le micro est réactivé.", nil
	})
	executor.Register("arrete", "lecture", func(context.Context) (string, error) {
		tts.StopPlayback()
		return "J'arrête la lecture.", nil
	})
	executor.Register("ferme", "application", func(context.Context) (string, error) {
		if a.quitOnce.CompareAndSwap(false, true) {
			// Give the farewell time to play before the process exits.
			go func() {
				time.Sleep(3 * time.Second)
				close(a.quit)
			}()
		}
		return "Je ferme l'application. Au revoir.", nil
	})
	// lance/lecture, ouvre/navigateur etc. stay unregistered until the
	// corresponding desktop integration lands.
}

// handleControl serves the unix-socket CLI.
func (a *agent) handleControl(msg ipc.ControlMessage) ipc.Response {
	switch msg.Cmd {
	case ipc.CmdTrigger:
		if err := a.StartCapture(); err != nil {
			return ipc.Response{Error: err.Error()}
		}
		return ipc.Response{OK: true}

	case ipc.CmdSendText:
		reply := a.orch.HandleUtterance(context.Background(), msg.Text)
		return ipc.Response{OK: true, Reply: reply}

	case ipc.CmdStartCapture:
		if err := a.StartCapture(); err != nil {
			return ipc.Response{Error: err.Error()}
		}
		return ipc.Response{OK: true}

	case ipc.CmdStopCapture:
		a.StopCapture()
		return ipc.Response{OK: true}

	case ipc.CmdTranscribe:
		return a.transcribeFile(msg.Path)

	case ipc.CmdMicTest:
		return a.micTest()

	case ipc.CmdShutdown:
		if a.quitOnce.CompareAndSwap(false, true) {
			close(a.quit)
		}
		return ipc.Response{OK: true}

	default:
		log.Warn("Unknown command", "cmd", msg.Cmd)
		return ipc.Response{Error: "unknown command"}
	}
}

// micTest records a short clip and reports signal level without feeding
// the dialogue loop.
func (a *agent) micTest() ipc.Response {
	if a.micMuted.Load() {
		return ipc.Response{Error: "microphone disabled"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sess, err := a.manager.Start(ctx)
	if err != nil {
		return ipc.Response{Error: err.Error()}
	}

	samples, err := sess.Wait(ctx)
	if err != nil {
		return ipc.Response{Error: err.Error()}
	}
	if len(samples) == 0 {
		return ipc.Response{Error: "no audio captured"}
	}

	q := audio.ComputeQuality(samples)
	report := fmt.Sprintf("strategy=%s rms=%.4f clipping=%.1f%% samples=%d",
		sess.Strategy, q.RMS, 100*q.ClippingRatio, q.Samples)
	switch {
	case q.RMS < a.cfg.Audio.SilenceRMS:
		report += ", signal trop faible, parlez plus près du micro"
	case q.ClippingRatio > 0.05:
		report += ", signal saturé, baissez le gain d'entrée"
	default:
		report += ", micro OK"
	}
	return ipc.Response{OK: true, Reply: report}
}

func (a *agent) transcribeFile(path string) ipc.Response {
	if path == "" {
		return ipc.Response{Error: "missing audio file path"}
	}

	samples, err := audioconv.DecodeFile(path, a.cfg.Audio.SampleRate*60*5)
	if err != nil {
		return ipc.Response{Error: err.Error()}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	res, err := a.whisper.Transcribe(ctx, samples, stt.Options{
		Language: a.cfg.STT.Language,
	})
	if err != nil {
		return ipc.Response{Error: err.Error()}
	}
	return ipc.Response{OK: true, Reply: res.Text}
}
