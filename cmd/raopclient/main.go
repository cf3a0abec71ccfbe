package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethan/raop-client/pkg/config"
	"github.com/ethan/raop-client/pkg/logger"
	"github.com/ethan/raop-client/pkg/raop"
)

func main() {
	fs := flag.NewFlagSet("raopclient", flag.ExitOnError)
	envPath := fs.String("env", ".env", "path to .env-style config file")
	pcmPath := fs.String("pcm", "-", "path to a raw 16-bit little-endian stereo PCM file, or - for stdin")
	logLevel := fs.String("log-level", "info", "debug, info, warn, or error")
	logFormat := fs.String("log-format", "console", "json or console")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Stream raw PCM audio to an AirPlay v1 (RAOP) receiver\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %v\n", err)
		os.Exit(1)
	}

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	format, err := logger.ParseFormat(*logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logCfg := logger.NewConfig()
	logCfg.Level = level
	logCfg.Format = format
	log, err := logger.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()
	logger.SetDefault(log)

	log.Info().Msg("starting raopclient")

	cfg, err := config.Load(*envPath)
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}

	aesKey, err := cfg.Crypto.AESKey()
	if err != nil {
		log.Error().Err(err).Msg("invalid aes_key")
		os.Exit(1)
	}
	aesIV, err := cfg.Crypto.AESIV()
	if err != nil {
		log.Error().Err(err).Msg("invalid aes_iv")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	raopLog := log.Logger.With().Str("component", "raop").Logger()
	client, err := raop.Connect(ctx, raop.Config{
		PeerAddr:         cfg.Peer.Addr,
		UserAgent:        cfg.Peer.UserAgent,
		SampleRate:       cfg.Audio.SampleRate,
		FramesPerChunk:   cfg.Audio.FramesPerChunk,
		Latency:          cfg.Audio.Latency,
		QueueLookahead:   2 * time.Second,
		PairingSecretHex: cfg.Crypto.PairingSecretHex,
		Encrypted:        cfg.Crypto.Encrypted,
		AESKey:           aesKey,
		AESIV:            aesIV,
		Logger:           &raopLog,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to connect to RAOP receiver")
		os.Exit(1)
	}
	defer client.Teardown()

	log.Info().Str("peer", cfg.Peer.Addr).Msg("RAOP session established")

	var source io.Reader = os.Stdin
	if *pcmPath != "-" {
		f, err := os.Open(*pcmPath)
		if err != nil {
			log.Error().Err(err).Msg("failed to open PCM source")
			os.Exit(1)
		}
		defer f.Close()
		source = f
	}

	var chunksSent atomic.Uint64
	statsTicker := time.NewTicker(10 * time.Second)
	defer statsTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-statsTicker.C:
				log.Info().
					Uint64("chunks_sent", chunksSent.Load()).
					Bool("healthy", client.Healthy()).
					Msg("streaming statistics")
			}
		}
	}()

	const bytesPerFrame = 4 // 16-bit stereo
	chunkBytes := int(cfg.Audio.FramesPerChunk) * bytesPerFrame
	buf := make([]byte, chunkBytes)

	log.Info().Msg("streaming - press Ctrl+C to stop")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("graceful shutdown complete")
			return
		default:
		}

		n, err := io.ReadFull(source, buf)
		if err == io.EOF {
			log.Info().Msg("end of PCM source reached")
			return
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			log.Error().Err(err).Msg("error reading PCM source")
			os.Exit(1)
		}

		if sendErr := client.SendChunk(ctx, buf[:n]); sendErr != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(sendErr).Msg("failed to send audio chunk")
			os.Exit(1)
		}
		chunksSent.Add(1)

		if err == io.ErrUnexpectedEOF {
			log.Info().Msg("end of PCM source reached")
			return
		}
	}
}
