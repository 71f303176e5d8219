// deskcast views a deskcast-host stream.
//
// The viewer dials the host's signaling endpoint, negotiates the session as
// the polite peer and writes the received H264 elementary stream to stdout
// for a local player to consume.
package main

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"

	pion "github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"

	"deskcast/native/internal/bwe"
	"deskcast/native/internal/config"
	"deskcast/native/internal/domain"
	"deskcast/native/internal/media"
	"deskcast/native/internal/session"
	sigchan "deskcast/native/internal/signal"
	"deskcast/native/internal/webrtc"
)

var version = "dev"

const helpText = `deskcast - View a deskcast-host stream via WebRTC

Usage:
  deskcast [options]

The raw H264 stream is written to stdout. Pipe to ffplay or ffmpeg for
playback or recording.

Environment Variables (required):
  DESK_SIGNAL_URL  WebSocket signaling URL, e.g. ws://host.local:8787/ws

Environment Variables (optional):
  DESK_STUN_URLS            Comma-separated STUN URLs
  DESK_NEGOTIATION_TIMEOUT  Time allowed to reach connected (e.g. 30s)
  DESK_LOG_LEVEL            error|warn|info|debug|trace (default info)

Examples:
  # Live playback
  DESK_SIGNAL_URL=ws://host.local:8787/ws deskcast | ffplay -f h264 -

  # Record to MP4
  deskcast | ffmpeg -f h264 -i - -c copy output.mp4

Options:
  -h, --help  Show this help message
`

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	pterm.DefaultLogger.Info(fmt.Sprintf("deskcast v%s", version))

	cfg, err := config.Load()
	if err != nil {
		pterm.DefaultLogger.Error(err.Error())
		os.Exit(1)
	}
	if cfg.SignalURL == "" {
		pterm.DefaultLogger.Error("DESK_SIGNAL_URL environment variable is required")
		os.Exit(1)
	}
	lf := cfg.LoggerFactory()

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := sigchan.Dial(cfg.SignalURL, lf)
	if err != nil {
		pterm.DefaultLogger.Error(fmt.Sprintf("signaling connect: %v", err))
		os.Exit(1)
	}

	sink := media.NewH264Sink(os.Stdout, lf)
	peer, err := webrtc.NewPeer(webrtc.PeerConfig{
		Role:        domain.RolePolite,
		STUNServers: cfg.STUNServers,
		Decoders:    []webrtc.DecoderBuilder{sink},
		Bandwidth:   bwe.Config{},
		OnDataChannel: func(dc *pion.DataChannel) {
			pterm.DefaultLogger.Info(fmt.Sprintf("data channel %q offered by host", dc.Label()))
		},
		LoggerFactory: lf,
	}, conn)
	if err != nil {
		pterm.DefaultLogger.Error(fmt.Sprintf("create peer: %v", err))
		os.Exit(1)
	}

	sess := session.New(peer, conn, session.Config{
		NegotiationTimeout: cfg.NegotiationTimeout,
		LoggerFactory:      lf,
	})
	go func() {
		<-ctx.Done()
		_ = sess.Close()
	}()

	pterm.DefaultLogger.Info(fmt.Sprintf("session %s negotiating with %s", sess.ID(), cfg.SignalURL))
	if err := sess.Run(context.Background()); err != nil {
		pterm.DefaultLogger.Error(fmt.Sprintf("session: %v", err))
		os.Exit(1)
	}
	pterm.DefaultLogger.Info("session ended")
}
