package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-ttsbridge/internal/config"
	"github.com/loqalabs/loqa-ttsbridge/internal/host"
	"github.com/loqalabs/loqa-ttsbridge/internal/tts"
)

var version = "0.1.0-dev"

type sayOptions struct {
	configPath string
	bridgeCmd  string
	voicePath  string
	modelDir   string
	language   string
	outPath    string
	timeout    time.Duration
}

type checkOptions struct {
	configPath string
	voicePath  string
	modelDir   string
}

func main() {
	var say sayOptions
	sayCmd := flag.NewFlagSet("say", flag.ExitOnError)
	sayCmd.StringVar(&say.configPath, "config", "", "Path to bridge configuration file")
	sayCmd.StringVar(&say.bridgeCmd, "bridge", "ttsbridge", "Bridge command; port, voice and model dir are appended")
	sayCmd.StringVar(&say.voicePath, "voice", "generated.wav", "Reference voice sample")
	sayCmd.StringVar(&say.modelDir, "model", "XTTS-v2", "Model directory")
	sayCmd.StringVar(&say.language, "lang", host.DefaultLanguage, "Language code")
	sayCmd.StringVar(&say.outPath, "out", "speech.wav", "Output WAV file")
	sayCmd.DurationVar(&say.timeout, "timeout", 2*time.Minute, "How long to wait for the bridge to connect")

	var check checkOptions
	checkCmd := flag.NewFlagSet("check", flag.ExitOnError)
	checkCmd.StringVar(&check.configPath, "config", "", "Path to bridge configuration file")
	checkCmd.StringVar(&check.voicePath, "voice", "generated.wav", "Reference voice sample")
	checkCmd.StringVar(&check.modelDir, "model", "XTTS-v2", "Model directory")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'say', 'check' or 'version'")
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "say":
		sayCmd.Parse(os.Args[2:])
		text := strings.Join(sayCmd.Args(), " ")
		if text == "" {
			fmt.Fprintln(os.Stderr, "say: text required")
			os.Exit(2)
		}
		err = runSay(ctx, say, text, logger)
	case "check":
		checkCmd.Parse(os.Args[2:])
		err = runCheck(ctx, check, logger)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func runSay(ctx context.Context, opts sayOptions, text string, logger *slog.Logger) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	format, err := tts.ProbeFormat(cfg.Engine, opts.modelDir)
	if err != nil {
		return err
	}
	if opts.configPath != "" {
		opts.bridgeCmd = fmt.Sprintf("%s -config %q", opts.bridgeCmd, opts.configPath)
	}

	proc, err := host.Launch(ctx, host.LaunchOptions{
		Command:       opts.bridgeCmd,
		VoicePath:     opts.voicePath,
		ModelDir:      opts.modelDir,
		AcceptTimeout: opts.timeout,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	var pcm []byte
	chunks := 0
	started := time.Now()
	synthErr := proc.Client().Synthesize(ctx, text, opts.language, func(chunk []byte) error {
		if chunks == 0 {
			fmt.Fprintf(os.Stderr, "first chunk after %s\n", time.Since(started).Round(time.Millisecond))
		}
		chunks++
		pcm = append(pcm, chunk...)
		return nil
	})
	closeErr := proc.Close(10 * time.Second)
	if synthErr != nil {
		return errors.Join(synthErr, closeErr)
	}
	if closeErr != nil {
		logger.Warn("bridge exited uncleanly", slog.String("error", closeErr.Error()))
	}

	f, err := os.Create(opts.outPath)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if err := host.WriteWAV(f, pcm, format); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}
	fmt.Printf("wrote %s (%d chunks, %d bytes pcm, %s)\n", opts.outPath, chunks, len(pcm), time.Since(started).Round(time.Millisecond))
	return nil
}

func runCheck(ctx context.Context, opts checkOptions, logger *slog.Logger) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	engine, err := tts.New(ctx, cfg.Engine, opts.modelDir, logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	cond, err := engine.DeriveConditioning(ctx, opts.voicePath)
	if err != nil {
		return err
	}
	info := engine.Info()
	fmt.Printf("engine:        %s\n", info.Name)
	fmt.Printf("sample rate:   %d\n", info.Format.SampleRate)
	fmt.Printf("channels:      %d\n", info.Format.Channels)
	fmt.Printf("sample format: %s\n", info.Format.SampleFormat)
	if len(info.Languages) > 0 {
		fmt.Printf("languages:     %s\n", strings.Join(info.Languages, ", "))
	}
	fmt.Printf("voice sample:  %s (%s)\n", cond.VoicePath, cond.Duration)
	return nil
}
