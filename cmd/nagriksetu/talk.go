package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nagriksetu/nagriksetu/internal/app"
	"github.com/nagriksetu/nagriksetu/internal/config"
	"github.com/nagriksetu/nagriksetu/internal/voice"
	"github.com/nagriksetu/nagriksetu/pkg/audio"
	"github.com/nagriksetu/nagriksetu/pkg/audio/device"
	"github.com/nagriksetu/nagriksetu/pkg/audio/wavfile"
)

func talk(args []string) int {
	fs := flag.NewFlagSet("talk", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration file")
	in := fs.String("in", "", `capture source: "device" or a .wav path (overrides audio.input)`)
	out := fs.String("out", "", `playback sink: "device" or a .wav path (overrides audio.output)`)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := setup(ctx, *configPath)
	if b == nil {
		return 1
	}
	if *in != "" {
		b.cfg.Audio.Input = *in
	}
	if *out != "" {
		b.cfg.Audio.Output = *out
	}

	dev, name, closeDev, err := openAudio(b.cfg.Audio, b.log)
	if err != nil {
		slog.Error("failed to open audio", "err", err)
		return 1
	}
	defer closeDev()

	application, err := app.New(ctx, b.cfg, b.providers, app.WithLogger(b.log))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	defer func() {
		if err := shutdown(application, b.telemetry); err != nil {
			slog.Error("shutdown error", "err", err)
		}
	}()

	sm, err := application.NewSessionManager(dev, name)
	if err != nil {
		slog.Error("cannot start a voice session", "err", err)
		return 1
	}
	defer sm.Close()
	sm.OnTurn = func(_ string, t voice.Turn) {
		if t.User != "" {
			fmt.Printf("you:        %s\n", t.User)
		}
		if t.Model != "" {
			fmt.Printf("nagriksetu: %s\n", t.Model)
		}
	}

	info, err := sm.Start(ctx)
	if err != nil {
		if errors.Is(err, voice.ErrPermissionDenied) {
			fmt.Fprintln(os.Stderr, "nagriksetu: microphone access was denied")
		}
		slog.Error("voice session failed to open", "err", err)
		return 1
	}
	fmt.Printf("Session %s is live on %s. Press Ctrl+C to end it.\n", info.SessionID, info.Device)

	err = sm.Wait(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		if err := sm.Stop(); err != nil {
			slog.Warn("stop voice session", "err", err)
		}
		return 0
	case err != nil:
		slog.Error("voice session ended with an error", "err", err)
		return 1
	}
	fmt.Println("Session closed by the assistant.")
	return 0
}

// openAudio builds the device for the talk command. The sound card is only
// opened when one of the endpoints asks for it.
func openAudio(cfg config.AudioConfig, log *slog.Logger) (audio.Device, string, func(), error) {
	var (
		card    *device.Device
		closers []func()
	)
	endpoint := func(v string, isInput bool) (audio.Device, error) {
		if v != config.AudioDevice {
			if isInput {
				return &wavfile.Device{InputPath: v}, nil
			}
			return &wavfile.Device{OutputPath: v}, nil
		}
		if card == nil {
			c, err := device.New(log)
			if err != nil {
				return nil, err
			}
			card = c
			closers = append(closers, func() { _ = c.Close() })
		}
		return card, nil
	}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	inDev, err := endpoint(cfg.Input, true)
	if err != nil {
		return nil, "", closeAll, fmt.Errorf("audio input: %w", err)
	}
	outDev, err := endpoint(cfg.Output, false)
	if err != nil {
		closeAll()
		return nil, "", func() {}, fmt.Errorf("audio output: %w", err)
	}
	return audio.Split(inDev, outDev), cfg.Input + " -> " + cfg.Output, closeAll, nil
}
