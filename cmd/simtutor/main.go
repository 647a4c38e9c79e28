// simtutor is a scripted tutor server for exercising the voice engine
// end to end without a real ASR/LLM/TTS backend. It speaks the engine's
// wire protocol over a websocket, replies to every utterance with a
// multi-segment scripted turn, and deliberately shuffles audio chunk
// order to exercise the client jitter buffer.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/talkboard/voice-engine/internal/auth"
	"github.com/talkboard/voice-engine/internal/config"
	"github.com/talkboard/voice-engine/internal/observability"
	"github.com/talkboard/voice-engine/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Local test harness, any origin is fine.
		return true
	},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	issuer := auth.NewIssuer([]byte(cfg.JWTSecret), 0)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	e.GET("/healthz", echo.WrapHandler(observability.HealthCheckHandler("simtutor", "dev")))
	if cfg.MetricsEnabled {
		e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}

	// Mints a session token for a conversation id. The probe client calls
	// this before dialing /ws.
	e.POST("/token", func(c echo.Context) error {
		convID, err := strconv.ParseInt(c.QueryParam("convId"), 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "convId must be an integer"})
		}
		token, err := issuer.Mint(convID)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "token mint failed"})
		}
		return c.JSON(http.StatusOK, map[string]string{"token": token})
	})

	e.GET("/ws", func(c echo.Context) error {
		return handleWS(c, cfg, issuer, logger)
	})

	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()
	logger.Info().Str("port", cfg.Port).Msg("simtutor listening")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down simtutor...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Forced shutdown")
	}
}

// session is one connected client conversation. Writes are serialized by
// writeMu; the scripted reply turn runs on its own goroutine and is
// cancelable by an interrupt or mic activity.
type session struct {
	conn    *websocket.Conn
	convID  int64
	logger  zerolog.Logger
	rng     *rand.Rand
	writeMu sync.Mutex

	mu         sync.Mutex
	nextSegID  int64
	turnCancel context.CancelFunc
	chunkCount int
}

func handleWS(c echo.Context, cfg *config.Config, issuer *auth.Issuer, logger zerolog.Logger) error {
	token := bearerToken(c.Request())
	if token == "" {
		token = c.QueryParam("token")
	}
	claims, err := issuer.Verify(token)
	if err != nil {
		logger.Warn().Err(err).Msg("websocket handshake rejected")
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid token"})
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	s := &session{
		conn:      conn,
		convID:    claims.ConvID,
		logger:    observability.SessionLogger(claims.ConvID, observability.NewCorrelationID()),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		nextSegID: 1,
	}
	s.logger.Info().Msg("client connected")
	s.run()
	return nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func (s *session) run() {
	defer func() {
		s.cancelTurn()
		_ = s.conn.Close()
		s.logger.Info().Msg("client disconnected")
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		env, derr := protocol.Decode(data)
		if derr != nil {
			s.logger.Warn().Err(derr).Msg("dropping malformed client envelope")
			s.send(protocol.TypeError, protocol.ServerError{
				Code: "bad_envelope", Message: "could not decode message", Retryable: true,
			})
			continue
		}
		s.dispatch(env)
	}
}

func (s *session) dispatch(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeClientHello:
		var hello protocol.ClientHello
		if err := env.DecodePayload(&hello); err != nil {
			s.logger.Warn().Err(err).Msg("bad client_hello")
			return
		}
		s.logger.Info().
			Int("sample_rate", hello.AudioFormat.SampleRate).
			Strs("capabilities", hello.Capabilities).
			Msg("client hello")
		s.send(protocol.TypeState, protocol.State{State: protocol.StateListening})

	case protocol.TypeMicStart:
		// A fresh stream while we are speaking means barge-in; a running
		// turn has already been cut by the interrupt, so just listen.
		s.mu.Lock()
		s.chunkCount = 0
		s.mu.Unlock()

	case protocol.TypeUserAudioChunk:
		s.mu.Lock()
		s.chunkCount++
		s.mu.Unlock()

	case protocol.TypeMicEnd:
		var end protocol.MicEnd
		if err := env.DecodePayload(&end); err != nil {
			return
		}
		s.mu.Lock()
		n := s.chunkCount
		s.mu.Unlock()
		s.logger.Info().Str("stream_id", end.StreamID).Int("chunks", n).Int("last_seq", end.LastSeq).Msg("utterance complete")
		s.startTurn(fmt.Sprintf("I heard %d chunks of audio.", n))

	case protocol.TypeImage:
		var img protocol.Image
		if err := env.DecodePayload(&img); err != nil {
			return
		}
		s.logger.Info().Str("url", img.URL).Msg("problem image received")
		s.startTurn("Let's look at the problem you uploaded.")

	case protocol.TypeInterrupt:
		s.logger.Info().Msg("client interrupt")
		s.cancelTurn()
		s.send(protocol.TypeState, protocol.State{State: protocol.StateListening})

	case protocol.TypePing:
		s.send(protocol.TypePong, nil)

	default:
		s.logger.Debug().Str("type", env.Type).Msg("ignoring client message")
	}
}

// startTurn cancels any running reply and speaks a fresh scripted one.
func (s *session) startTurn(transcript string) {
	s.cancelTurn()

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.turnCancel = cancel
	s.mu.Unlock()

	go s.speakTurn(ctx, transcript)
}

func (s *session) cancelTurn() {
	s.mu.Lock()
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
	s.mu.Unlock()
}

// speakTurn plays the scripted two-segment tutor reply. Audio chunks within
// each segment are sent in shuffled sequence order on purpose.
func (s *session) speakTurn(ctx context.Context, transcript string) {
	s.send(protocol.TypeState, protocol.State{State: protocol.StateProcessing})
	s.send(protocol.TypeASRFinal, protocol.ASRText{Text: transcript})

	if !s.pause(ctx, 200*time.Millisecond) {
		return
	}
	s.send(protocol.TypeState, protocol.State{State: protocol.StateSpeaking})

	segments := []struct {
		text  string
		board string
	}{
		{"Let's break this down step by step.", "## Step 1\n\nRestate the problem."},
		{"Now try the next step on your own.", "## Step 2\n\n$x = \\frac{-b \\pm \\sqrt{b^2-4ac}}{2a}$"},
	}

	for i, seg := range segments {
		segID := s.allocSegID()
		s.send(protocol.TypeSegmentStart, protocol.SegmentStart{SegmentID: segID, Index: i})

		for j, word := range splitWords(seg.text) {
			if ctx.Err() != nil {
				return
			}
			s.send(protocol.TypeAITextDelta, protocol.AITextDelta{SegmentID: segID, Delta: word, Seq: j})
			if !s.pause(ctx, 30*time.Millisecond) {
				return
			}
		}

		if !s.sendSegmentAudio(ctx, segID) {
			return
		}
		s.send(protocol.TypeBoard, protocol.Board{SegmentID: segID, Content: seg.board})
	}

	s.send(protocol.TypeDone, protocol.Done{TotalSegments: len(segments), Reason: "complete"})
	s.send(protocol.TypeState, protocol.State{State: protocol.StateListening})
}

// sendSegmentAudio emits one segment's TTS chunks with sequence numbers in
// shuffled order, then the audio_end marker. Returns false if the turn was
// cut mid-segment.
func (s *session) sendSegmentAudio(ctx context.Context, segID int64) bool {
	format := protocol.AudioFormat{SampleRate: 16000, Channels: 1, BitsPerSample: 16}
	const chunks = 8
	const chunkBytes = 640 // 20ms of 16kHz mono 16-bit

	order := s.rng.Perm(chunks)
	for _, seq := range order {
		if ctx.Err() != nil {
			return false
		}
		seqCopy := seq
		s.send(protocol.TypeAudioChunk, protocol.AudioChunk{
			SegmentID: segID,
			Seq:       &seqCopy,
			Format:    format,
			Data:      make([]byte, chunkBytes),
		})
		if !s.pause(ctx, 10*time.Millisecond) {
			return false
		}
	}
	s.send(protocol.TypeAudioEnd, protocol.AudioEnd{SegmentID: segID, LastSeq: chunks - 1})
	return true
}

// splitWords splits text into word-sized deltas that concatenate back to
// the original sentence.
func splitWords(text string) []string {
	fields := strings.Fields(text)
	for i := 0; i < len(fields)-1; i++ {
		fields[i] += " "
	}
	return fields
}

func (s *session) allocSegID() int64 {
	s.mu.Lock()
	id := s.nextSegID
	s.nextSegID++
	s.mu.Unlock()
	return id
}

func (s *session) pause(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (s *session) send(msgType string, payload interface{}) {
	env, err := protocol.New(msgType, s.convID, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("type", msgType).Msg("envelope build failed")
		return
	}
	data, err := env.Encode()
	if err != nil {
		return
	}
	s.writeMu.Lock()
	err = s.conn.WriteMessage(websocket.TextMessage, data)
	s.writeMu.Unlock()
	if err != nil {
		s.logger.Warn().Err(err).Str("type", msgType).Msg("write failed")
	}
}
