package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/opencrm/callkit/internal/adapters/bus"
	router "github.com/opencrm/callkit/internal/adapters/http"
	"github.com/opencrm/callkit/internal/adapters/media"
	"github.com/opencrm/callkit/internal/adapters/rtc"
	"github.com/opencrm/callkit/internal/app"
	"github.com/opencrm/callkit/internal/config"
	"github.com/opencrm/callkit/internal/core"
	"github.com/opencrm/callkit/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	self, err := domain.NewUser(cfg.Username)
	if err != nil {
		log.Fatal().Err(err).Str("username", cfg.Username).Msg("invalid username in config")
	}
	if cfg.UserID != "" {
		self.ID = domain.UserID(cfg.UserID)
	} else {
		log.Warn().Str("user_id", string(self.ID)).Msg("no user_id configured, generated one")
	}

	signalBus, err := bus.Dial(ctx, cfg.BusURL, cfg.SendBuffer)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.BusURL).Msg("failed to connect to signaling bus")
	}
	defer signalBus.Close()
	signalBus.OnClosed(func(err error) {
		if err != nil {
			log.Error().Err(err).Msg("signaling bus connection lost")
		}
		cancel()
	})

	devices, err := media.NewDevices(cfg.VideoBitrate)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize media devices")
	}

	linkFactory := rtc.NewFactory(cfg.WebRTCICEServers(), devices, cfg.PLIInterval)

	session := app.NewSession(self, signalBus, devices, linkFactory.NewLink, callEvents())
	if err := session.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start call session")
	}
	defer session.Close()

	r := router.SetupRouter(cfg.Mode, cfg.APIToken, session)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("user_id", string(self.ID)).Msg("callkit started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}

// callEvents logs the engine's observer events and keeps inbound media
// flowing by draining every remote track.
func callEvents() core.Events {
	return core.Events{
		OnIncomingCall: func(c domain.Call) {
			log.Info().Str("call_id", string(c.ID)).
				Str("caller", c.CallerName).
				Str("type", string(c.Type)).
				Str("mode", string(c.Mode)).
				Msg("incoming call, accept or reject via the API")
		},
		OnStateChange: func(s domain.CallState) {
			log.Info().Str("state", s.String()).Msg("call state")
		},
		OnRemoteTrack: func(pid domain.UserID, track core.RemoteTrack) {
			log.Info().Str("participant", string(pid)).
				Str("kind", string(track.Kind())).
				Str("track_id", track.ID()).
				Msg("remote track")
			go drainTrack(pid, track)
		},
		OnRemoteTrackRemoved: func(pid domain.UserID) {
			log.Info().Str("participant", string(pid)).Msg("remote media gone")
		},
		OnConnectionStateChange: func(pid domain.UserID, s core.LinkState) {
			log.Info().Str("participant", string(pid)).Str("link_state", s.String()).Msg("link state")
		},
		OnParticipantMedia: func(pid domain.UserID, kind string, enabled bool) {
			log.Info().Str("participant", string(pid)).
				Str("kind", kind).
				Bool("enabled", enabled).
				Msg("participant media toggled")
		},
		OnCallEnded: func() {
			log.Info().Msg("call ended")
		},
		OnCallError: func(msg string) {
			log.Warn().Str("reason", msg).Msg("call error")
		},
	}
}

// drainTrack consumes a remote track until it ends. A headless node has no
// renderer; reading keeps jitter buffers and RTCP feedback alive.
func drainTrack(pid domain.UserID, track core.RemoteTrack) {
	for {
		if _, err := track.ReadRTP(); err != nil {
			log.Debug().Err(err).Str("participant", string(pid)).
				Str("track_id", track.ID()).
				Msg("remote track drained")
			return
		}
	}
}
