// deskcast-host shares a pre-encoded desktop stream with one viewer.
//
// The host reads an Annex-B H.264 elementary stream from stdin, runs the
// signaling server the viewer dials into, and streams the video over WebRTC
// with transport-wide congestion control. Pointer events sent back by the
// viewer arrive on the "input" data channel.
package main

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pterm/pterm"

	"deskcast/native/internal/bwe"
	"deskcast/native/internal/config"
	"deskcast/native/internal/domain"
	"deskcast/native/internal/input"
	"deskcast/native/internal/media"
	"deskcast/native/internal/session"
	sigchan "deskcast/native/internal/signal"
	"deskcast/native/internal/webrtc"
)

var version = "dev"

const helpText = `deskcast-host - Stream H264 video to a deskcast viewer via WebRTC

Usage:
  deskcast-host [options] < stream.h264

The host reads a raw Annex-B H264 stream from stdin and serves signaling on
DESK_LISTEN_ADDR (default 127.0.0.1:8787). One viewer at a time.

Environment Variables:
  DESK_LISTEN_ADDR          Signaling listen address (default 127.0.0.1:8787)
  DESK_STUN_URLS            Comma-separated STUN URLs
  DESK_FRAME_RATE           Source frame rate (default 30)
  DESK_START_BITRATE        Initial bandwidth estimate, bits/sec
  DESK_MIN_BITRATE          Estimate floor, bits/sec
  DESK_MAX_BITRATE          Estimate ceiling, bits/sec
  DESK_NEGOTIATION_TIMEOUT  Time allowed to reach connected (e.g. 30s)
  DESK_LOG_LEVEL            error|warn|info|debug|trace (default info)

Examples:
  # Share the desktop with x11grab
  ffmpeg -f x11grab -i :0 -c:v libx264 -preset ultrafast -tune zerolatency \
    -f h264 - | deskcast-host

  # Replay a recording
  deskcast-host < recording.h264

Options:
  -h, --help  Show this help message
`

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	pterm.DefaultLogger.Info(fmt.Sprintf("deskcast-host v%s", version))

	cfg, err := config.Load()
	if err != nil {
		pterm.DefaultLogger.Error(err.Error())
		os.Exit(1)
	}
	lf := cfg.LoggerFactory()

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// stdin carries one stream; only the first viewer gets it.
	var busy atomic.Bool

	handle := func(conn *sigchan.Conn) {
		if !busy.CompareAndSwap(false, true) {
			pterm.DefaultLogger.Warn("rejecting viewer: a session is already active")
			_ = conn.Send(domain.ByeMessage())
			_ = conn.Close()
			return
		}

		source := media.NewH264Source(os.Stdin, cfg.FrameRate, lf)
		peer, err := webrtc.NewPeer(webrtc.PeerConfig{
			Role:        domain.RoleImpolite,
			STUNServers: cfg.STUNServers,
			Encoders:    []webrtc.EncoderBuilder{source},
			Bandwidth: bwe.Config{
				StartBitrate: cfg.StartBitrate,
				MinBitrate:   cfg.MinBitrate,
				MaxBitrate:   cfg.MaxBitrate,
			},
			LoggerFactory: lf,
		}, conn)
		if err != nil {
			pterm.DefaultLogger.Error(fmt.Sprintf("create peer: %v", err))
			_ = conn.Close()
			return
		}

		dispatcher := input.NewDispatcher(input.NewLogInjector(lf), lf)
		if dc, err := peer.CreateDataChannel("input"); err != nil {
			pterm.DefaultLogger.Warn(fmt.Sprintf("input channel unavailable: %v", err))
		} else {
			dispatcher.Bind(dc)
		}

		sess := session.New(peer, conn, session.Config{
			NegotiationTimeout: cfg.NegotiationTimeout,
			LoggerFactory:      lf,
		})
		go func() {
			<-ctx.Done()
			_ = sess.Close()
		}()

		// Periodic send-rate report while the session is up.
		go func() {
			ticker := time.NewTicker(5 * time.Second)
			defer ticker.Stop()
			estimate := peer.Estimate()
			for {
				select {
				case <-sess.Done():
					return
				case <-ticker.C:
					pterm.DefaultLogger.Info(fmt.Sprintf("session %s: target bitrate %d kbps",
						sess.ID(), estimate.BitsPerSec()/1000))
				}
			}
		}()

		pterm.DefaultLogger.Info(fmt.Sprintf("viewer session %s started", sess.ID()))
		if err := sess.Run(context.Background()); err != nil {
			pterm.DefaultLogger.Error(fmt.Sprintf("session %s: %v", sess.ID(), err))
		}
		pterm.DefaultLogger.Info(fmt.Sprintf("viewer session %s ended", sess.ID()))
	}

	server := sigchan.NewServer(handle, lf)
	port, err := server.Start(cfg.ListenAddr)
	if err != nil {
		pterm.DefaultLogger.Error(err.Error())
		os.Exit(1)
	}
	defer server.Close()

	pterm.DefaultLogger.Info(fmt.Sprintf("waiting for a viewer on ws://%s/ws (port %d)", cfg.ListenAddr, port))

	<-ctx.Done()
	pterm.DefaultLogger.Info("shutting down")
}
