package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/canvas-relay/internal/auth"
	"github.com/example/canvas-relay/internal/client"
	"github.com/example/canvas-relay/internal/protocol"
)

type collector struct {
	mu      sync.Mutex
	samples []time.Duration
}

func (c *collector) add(d time.Duration) {
	c.mu.Lock()
	c.samples = append(c.samples, d)
	c.mu.Unlock()
}

func (c *collector) snapshot() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.samples...)
}

func main() {
	addr := flag.String("addr", "ws://localhost:8080/ws", "relay address to target")
	room := flag.String("room", "room-loadtest", "room id used by all clients")
	clients := flag.Int("clients", 200, "number of concurrent relay clients")
	messages := flag.Int("messages", 50, "number of cursor updates to send")
	interval := flag.Duration("interval", 50*time.Millisecond, "delay between cursor updates")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "HMAC secret used to mint client tokens")
	issuer := flag.String("issuer", os.Getenv("JWT_ISSUER"), "issuer claim for minted tokens")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := log.With().Str("room_id", *room).Logger()

	if *secret == "" {
		logger.Fatal().Msg("a jwt secret is required (-secret or JWT_SECRET)")
	}
	if *clients < 1 || *interval <= 0 {
		logger.Fatal().Msg("-clients must be at least 1 and -interval positive")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialer := client.WebSocketDialer{Dialer: &websocket.Dialer{HandshakeTimeout: 5 * time.Second}}
	latencies := &collector{}

	var ready sync.WaitGroup
	controllers := make([]*client.Controller, 0, *clients)
	for i := 0; i < *clients; i++ {
		userID := fmt.Sprintf("loadtest-%d", i)
		token, err := auth.SignToken([]byte(*secret), auth.Claims{UserID: userID, Email: userID + "@loadtest.local"}, *issuer, time.Hour)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to mint token")
		}
		relayURL, err := client.RelayURL(*addr, token, *room)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid relay address")
		}

		ready.Add(1)
		var once sync.Once
		clientLogger := logger.With().Str("user_id", userID).Logger()
		ctrl, err := client.NewController(client.Config{URL: relayURL, MaxAttempts: 3}, dialer, client.Handler{
			OnConnect: func() { once.Do(ready.Done) },
			OnGaveUp: func() {
				clientLogger.Error().Msg("client gave up reconnecting")
				once.Do(ready.Done)
			},
			OnCursorUpdate: func(m protocol.CursorMoved) {
				latencies.add(time.Since(time.UnixMicro(int64(m.X))))
			},
		}, clientLogger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to build client")
		}
		if err := ctrl.Connect(ctx); err != nil {
			clientLogger.Warn().Err(err).Msg("initial dial failed; retrying")
		}
		controllers = append(controllers, ctrl)
	}

	ready.Wait()
	logger.Info().Int("clients", len(controllers)).Msg("clients connected")

	sender := controllers[0]
	ticker := time.NewTicker(*interval)
	for sent := 0; sent < *messages; {
		select {
		case <-ctx.Done():
			sent = *messages
		case <-ticker.C:
			err := sender.Send(protocol.CursorUpdate{X: float64(time.Now().UnixMicro()), Y: float64(sent)})
			if err != nil && !errors.Is(err, client.ErrThrottled) {
				logger.Error().Err(err).Msg("failed to send cursor update")
			}
			sent++
		}
	}
	ticker.Stop()

	// Let in-flight broadcasts land before tearing down.
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
	}
	for _, ctrl := range controllers {
		ctrl.Disconnect()
	}
	report(latencies.snapshot(), logger)
}

func report(durations []time.Duration, logger zerolog.Logger) {
	var total time.Duration
	for _, d := range durations {
		total += d
	}

	if len(durations) == 0 {
		fmt.Fprintln(os.Stdout, "no samples collected")
		return
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	count := len(durations)
	avg := time.Duration(int64(math.Round(float64(total) / float64(count))))
	p99 := durations[int(math.Ceil(float64(count)*0.99))-1]
	var under50ms int
	for _, d := range durations {
		if d < 50*time.Millisecond {
			under50ms++
		}
	}
	pct := (float64(under50ms) / float64(count)) * 100

	fmt.Fprintf(os.Stdout, "Samples: %d\nAvg latency: %s\np99 latency: %s\nMax latency: %s\n<50ms: %.2f%%\n",
		count, avg, p99, durations[count-1], pct)
	if pct < 95 {
		logger.Warn().Msg("less than 95% of cursor broadcasts met the 50ms target")
	}
}
