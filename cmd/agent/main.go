// The agent runs one end of a live session headless: as a publisher it
// ingests RTP from local UDP ports and goes live, as a subscriber it joins
// and counts what it receives. Useful for soak testing a deployment
// without a browser on either end.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lectern/live/internal/adapters/rtc"
	sigws "github.com/lectern/live/internal/adapters/signal"
	"github.com/lectern/live/internal/app/orch"
	"github.com/lectern/live/internal/config"
	"github.com/lectern/live/internal/domain"
	"github.com/lectern/live/internal/signal"
)

func main() {
	role := flag.String("role", "subscriber", "publisher or subscriber")
	server := flag.String("server", "ws://127.0.0.1:8080/api/ws/bus", "signaling bus endpoint")
	session := flag.String("session", "default", "session id")
	subscriber := flag.String("subscriber", "", "subscriber id (generated when empty)")
	videoPort := flag.Int("video-port", 5004, "UDP port for publisher video RTP")
	audioPort := flag.Int("audio-port", 0, "UDP port for publisher audio RTP (0 disables audio)")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, cancel := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, err := sigws.Dial(ctx, *server)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to signaling bus")
	}
	defer client.Close()

	bus := signal.NewBus(client, domain.SessionID(*session), signal.RetryPolicy{
		MaxTries: cfg.WriteRetries,
		Interval: cfg.WriteRetryBackoff,
	})
	factory := &rtc.Factory{STUNServers: cfg.STUNServers}
	for _, t := range cfg.TURNServers {
		factory.TURNServers = append(factory.TURNServers, rtc.TURNServer{
			URLs: t.URLs, Username: t.Username, Password: t.Password,
		})
	}
	o := orch.New(bus, factory, rtc.Inspector{}, orch.Options{
		NegotiationTimeout: cfg.NegotiationTimeout,
		RejoinInterval:     cfg.RejoinInterval,
		RejoinMaxWait:      cfg.RejoinMaxWait,
	})

	switch *role {
	case "publisher":
		runPublisher(ctx, o, *videoPort, *audioPort)
	case "subscriber":
		id := domain.SubscriberID(*subscriber)
		if id == "" {
			id = domain.SubscriberID(uuid.NewString())
		}
		runSubscriber(ctx, o, id)
	default:
		log.Fatal().Str("role", *role).Msg("unknown role")
	}
}

func runPublisher(ctx context.Context, o *orch.Orchestrator, videoPort, audioPort int) {
	var sources []webrtc.TrackLocal

	video, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video", "lectern",
	)
	if err != nil {
		log.Fatal().Err(err).Msg("video track")
	}
	sources = append(sources, video)
	go pumpRTP(ctx, videoPort, video)

	if audioPort > 0 {
		audio, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio", "lectern",
		)
		if err != nil {
			log.Fatal().Err(err).Msg("audio track")
		}
		sources = append(sources, audio)
		go pumpRTP(ctx, audioPort, audio)
	}

	handle, err := o.Publish(ctx, sources)
	if err != nil {
		log.Fatal().Err(err).Msg("publish")
	}
	defer handle.Stop()

	log.Info().Int("video_port", videoPort).Msg("publishing, feed RTP to the UDP ports")
	<-ctx.Done()
}

// pumpRTP shovels RTP packets from a local UDP port into a track.
func pumpRTP(ctx context.Context, port int, track *webrtc.TrackLocalStaticRTP) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		log.Fatal().Err(err).Int("port", port).Msg("listen udp")
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	buf := make([]byte, 1500)
	var pkt rtp.Packet
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			log.Debug().Err(err).Int("port", port).Msg("bad rtp packet")
			continue
		}
		if err := track.WriteRTP(&pkt); err != nil {
			log.Warn().Err(err).Msg("write rtp")
			return
		}
	}
}

func runSubscriber(ctx context.Context, o *orch.Orchestrator, id domain.SubscriberID) {
	sub, err := o.Join(ctx, id)
	if err != nil {
		log.Fatal().Err(err).Str("subscriber", string(id)).Msg("join")
	}
	defer sub.Stop()

	sub.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().Str("kind", track.Kind().String()).Str("track", track.ID()).Msg("track delivered")
		go func() {
			// Drain so the transport keeps feeding us.
			for {
				if _, _, err := track.ReadRTP(); err != nil {
					return
				}
			}
		}()
	})

	log.Info().Str("subscriber", string(id)).Msg("joined, waiting for media")
	<-ctx.Done()
}
