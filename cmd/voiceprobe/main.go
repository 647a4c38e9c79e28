// voiceprobe runs one engine session against a tutor server using a
// synthetic microphone and a discarding playback sink. It is the headless
// smoke client for the simtutor server: it speaks in tone bursts, gets
// interrupted, reconnects, and logs every update it receives.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/talkboard/voice-engine/internal/config"
	"github.com/talkboard/voice-engine/internal/device"
	"github.com/talkboard/voice-engine/internal/engine"
	"github.com/talkboard/voice-engine/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	convID, err := strconv.ParseInt(config.GetEnv("CONV_ID", "1"), 10, 64)
	if err != nil {
		logger.Fatal().Err(err).Msg("CONV_ID must be an integer")
	}

	if cfg.AuthToken == "" {
		token, err := fetchToken(config.GetEnv("TOKEN_URL", "http://localhost:8080/token"), convID)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to fetch session token")
		}
		cfg.AuthToken = token
	}

	eng := engine.New(cfg, engine.Options{
		ConvID:   convID,
		Capture:  &device.SyntheticCapture{},
		Playback: device.DiscardPlayback{},
		OnUpdate: func(u engine.Update) {
			ev := logger.Info().
				Str("status", string(u.Status)).
				Str("server_state", u.ServerState).
				Int("finalized", len(u.FinalizedSegments))
			if u.SpeechText != "" {
				ev = ev.Str("speech_text", u.SpeechText)
			}
			if u.UserTranscript != "" {
				ev = ev.Str("transcript", u.UserTranscript)
			}
			if u.Notice != nil {
				ev = ev.Str("notice_kind", string(u.Notice.Kind)).Str("notice", u.Notice.Message)
			}
			ev.Msg("update")
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		logger.Fatal().Err(err).Str("url", cfg.ServerURL).Msg("Connection failed")
	}
	logger.Info().Str("url", cfg.ServerURL).Int64("conv_id", convID).Msg("voiceprobe session started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down...")
	eng.Close()
}

// fetchToken mints a session token from the simtutor token endpoint.
func fetchToken(url string, convID int64) (string, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(fmt.Sprintf("%s?convId=%d", url, convID), "application/json", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %s", resp.Status)
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.Token, nil
}
