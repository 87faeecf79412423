package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	gws "github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/mrsingh-rishi/broca/model"
)

const (
	DefaultDeepgramURL = "wss://api.deepgram.com/v1/listen"

	deepgramKeepAlive = 5 * time.Second
	deepgramWriteWait = 10 * time.Second
)

// DeepgramClient streams audio to Deepgram's live transcription websocket.
type DeepgramClient struct {
	APIKey   string
	Endpoint string
	logger   *log.Logger
}

type deepgramMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func NewDeepgramClient(apiKey, baseURL string, cfg Config, logger *log.Logger) (*DeepgramClient, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram api key is required")
	}
	endpoint, err := deepgramEndpoint(baseURL, cfg)
	if err != nil {
		return nil, err
	}
	return &DeepgramClient{
		APIKey:   apiKey,
		Endpoint: endpoint,
		logger:   logger,
	}, nil
}

func deepgramEndpoint(baseURL string, cfg Config) (string, error) {
	if baseURL == "" {
		baseURL = DefaultDeepgramURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", errors.Wrap(err, "parse deepgram url")
	}

	q := u.Query()
	if cfg.Model != "" {
		q.Set("model", cfg.Model)
	}
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))

	// Containerised audio (webm, ogg) is detected by Deepgram; raw audio
	// must be described.
	switch encoding := strings.ToLower(cfg.Encoding); encoding {
	case "linear16", "mulaw", "alaw", "flac", "opus":
		q.Set("encoding", encoding)
		if cfg.SampleRate > 0 {
			q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (dg *DeepgramClient) Open(ctx context.Context) (Stream, error) {
	header := http.Header{
		"Authorization": {fmt.Sprintf("Token %s", dg.APIKey)},
	}
	conn, _, err := gws.DefaultDialer.DialContext(ctx, dg.Endpoint, header)
	if err != nil {
		return nil, errors.Wrap(err, "deepgram dial")
	}
	dg.logger.Debug("open", "kind", "deepgram")

	s := &deepgramStream{conn: conn, done: make(chan struct{})}
	context.AfterFunc(ctx, s.close)
	go s.keepAlive()
	return s, nil
}

type deepgramStream struct {
	conn    *gws.Conn
	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

func (s *deepgramStream) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(deepgramWriteWait))
	return s.conn.WriteMessage(messageType, data)
}

func (s *deepgramStream) Send(audio []byte) error {
	if len(audio) == 0 {
		return nil
	}
	return s.write(gws.BinaryMessage, audio)
}

func (s *deepgramStream) CloseSend() error {
	return s.write(gws.TextMessage, []byte(`{"type":"CloseStream"}`))
}

// Recv blocks until the next non-empty transcript. Metadata, speech-started
// and utterance-end events are skipped.
func (s *deepgramStream) Recv() ([]model.TranscriptResult, error) {
	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if gws.IsCloseError(err, gws.CloseNormalClosure) {
				return nil, io.EOF
			}
			return nil, err
		}

		var msg deepgramMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return nil, errors.Wrap(err, "parse deepgram message")
		}
		if msg.Type != "Results" || len(msg.Channel.Alternatives) == 0 {
			continue
		}
		text := msg.Channel.Alternatives[0].Transcript
		if text == "" {
			continue
		}

		// Deepgram reports no stability; finals are settled, interims are not.
		stability := 0.0
		if msg.IsFinal {
			stability = 1
		}
		return []model.TranscriptResult{model.NewTranscriptResult(text, msg.IsFinal, stability)}, nil
	}
}

// keepAlive stops Deepgram from closing the socket during silence.
func (s *deepgramStream) keepAlive() {
	ticker := time.NewTicker(deepgramKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.write(gws.TextMessage, []byte(`{"type":"KeepAlive"}`)); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *deepgramStream) close() {
	s.once.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(
			gws.CloseMessage,
			gws.FormatCloseMessage(gws.CloseNormalClosure, "Closing connection"),
			time.Now().Add(time.Second),
		)
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
}
