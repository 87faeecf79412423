package stt

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/charmbracelet/log"
	gws "github.com/gorilla/websocket"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
)

type fakeRecognizeStream struct {
	sent      []*speechpb.StreamingRecognizeRequest
	responses []*speechpb.StreamingRecognizeResponse
	closed    bool
}

func (f *fakeRecognizeStream) Send(req *speechpb.StreamingRecognizeRequest) error {
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeRecognizeStream) Recv() (*speechpb.StreamingRecognizeResponse, error) {
	if len(f.responses) == 0 {
		return nil, io.EOF
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

func (f *fakeRecognizeStream) CloseSend() error {
	f.closed = true
	return nil
}

func TestGoogleStreamConvertsResults(t *testing.T) {
	fake := &fakeRecognizeStream{
		responses: []*speechpb.StreamingRecognizeResponse{
			{
				Results: []*speechpb.StreamingRecognitionResult{
					{
						Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: "hello wor"}},
						Stability:    0.8,
					},
					{
						Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: "hello world"}},
						IsFinal:      true,
					},
					{}, // no alternatives
				},
			},
		},
	}
	s := &googleStream{stream: fake}

	if err := s.Send([]byte("audio")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := fake.sent[0].GetAudioContent(); string(got) != "audio" {
		t.Fatalf("sent audio = %q, want audio", got)
	}

	results, err := s.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Transcript != "hello wor" || results[0].IsFinal {
		t.Fatalf("unexpected interim result: %+v", results[0])
	}
	if results[0].Stability < 0.79 || results[0].Stability > 0.81 {
		t.Fatalf("stability = %v, want 0.8", results[0].Stability)
	}
	if results[1].Transcript != "hello world" || !results[1].IsFinal {
		t.Fatalf("unexpected final result: %+v", results[1])
	}

	if _, err := s.Recv(); err != io.EOF {
		t.Fatalf("Recv at end = %v, want io.EOF", err)
	}
	if err := s.CloseSend(); err != nil || !fake.closed {
		t.Fatalf("CloseSend did not close upstream: %v", err)
	}
}

func TestGoogleStreamSurfacesAPIError(t *testing.T) {
	fake := &fakeRecognizeStream{
		responses: []*speechpb.StreamingRecognizeResponse{
			{Error: &rpcstatus.Status{Code: 11, Message: "Exceeded maximum allowed stream duration"}},
		},
	}
	s := &googleStream{stream: fake}

	_, err := s.Recv()
	if err == nil || !strings.Contains(err.Error(), "maximum allowed stream duration") {
		t.Fatalf("Recv error = %v, want api error", err)
	}
}

func TestGoogleStreamingConfig(t *testing.T) {
	cfg, err := googleStreamingConfig(Config{
		Language:       "en-US",
		Encoding:       "webm_opus",
		SampleRate:     48000,
		Model:          "latest_long",
		InterimResults: true,
	})
	if err != nil {
		t.Fatalf("googleStreamingConfig: %v", err)
	}
	rc := cfg.GetConfig()
	if rc.GetEncoding() != speechpb.RecognitionConfig_WEBM_OPUS {
		t.Fatalf("encoding = %v", rc.GetEncoding())
	}
	if rc.GetSampleRateHertz() != 48000 || rc.GetLanguageCode() != "en-US" || rc.GetMaxAlternatives() != 1 {
		t.Fatalf("unexpected recognition config: %v", rc)
	}
	if !cfg.GetInterimResults() || cfg.GetSingleUtterance() {
		t.Fatalf("unexpected streaming flags: %v", cfg)
	}

	if _, err := googleStreamingConfig(Config{Encoding: "wav"}); err == nil {
		t.Fatal("expected error for unknown encoding")
	}
}

func TestDeepgramEndpoint(t *testing.T) {
	tests := []struct {
		name         string
		cfg          Config
		wantEncoding string
	}{
		{name: "container audio", cfg: Config{Encoding: "webm_opus", SampleRate: 48000, Model: "nova-2"}},
		{name: "raw audio", cfg: Config{Encoding: "mulaw", SampleRate: 8000}, wantEncoding: "mulaw"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			endpoint, err := deepgramEndpoint("", tt.cfg)
			if err != nil {
				t.Fatalf("deepgramEndpoint: %v", err)
			}
			u, err := url.Parse(endpoint)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if u.Host != "api.deepgram.com" {
				t.Fatalf("host = %s", u.Host)
			}
			if got := u.Query().Get("encoding"); got != tt.wantEncoding {
				t.Fatalf("encoding = %q, want %q", got, tt.wantEncoding)
			}
			if u.Query().Get("punctuate") != "true" {
				t.Fatalf("punctuate missing: %s", endpoint)
			}
		})
	}
}

func TestDeepgramStreamRoundTrip(t *testing.T) {
	upgrader := gws.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if messageType == gws.BinaryMessage {
				_ = conn.WriteMessage(gws.TextMessage, []byte(`{"type":"Metadata"}`))
				_ = conn.WriteMessage(gws.TextMessage, []byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":""}]}}`))
				_ = conn.WriteMessage(gws.TextMessage, []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"`+string(payload)+`"}]}}`))
				continue
			}
			if strings.Contains(string(payload), "CloseStream") {
				_ = conn.WriteMessage(gws.CloseMessage, gws.FormatCloseMessage(gws.CloseNormalClosure, ""))
				return
			}
		}
	}))
	defer srv.Close()

	client, err := NewDeepgramClient("secret", "ws"+strings.TrimPrefix(srv.URL, "http"), Config{Language: "en-US"}, log.New(io.Discard))
	if err != nil {
		t.Fatalf("NewDeepgramClient: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := stream.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	results, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if len(results) != 1 || results[0].Transcript != "hello" || !results[0].IsFinal || results[0].Stability != 1 {
		t.Fatalf("unexpected results: %+v", results)
	}

	if err := stream.CloseSend(); err != nil {
		t.Fatalf("CloseSend: %v", err)
	}
	if _, err := stream.Recv(); err != io.EOF {
		t.Fatalf("Recv after close = %v, want io.EOF", err)
	}
}

func TestMockStream(t *testing.T) {
	stream, err := MockClient{}.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := stream.Send([]byte("abcd")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	results, err := stream.Recv()
	if err != nil || len(results) != 1 || results[0].IsFinal {
		t.Fatalf("Recv = %+v, %v; want one interim result", results, err)
	}

	if err := stream.CloseSend(); err != nil {
		t.Fatalf("CloseSend: %v", err)
	}
	results, err = stream.Recv()
	if err != nil || len(results) != 1 || !results[0].IsFinal {
		t.Fatalf("Recv = %+v, %v; want final result", results, err)
	}
	if !strings.Contains(results[0].Transcript, "4 bytes in 1 blobs") {
		t.Fatalf("final transcript = %q", results[0].Transcript)
	}
	if _, err := stream.Recv(); err != io.EOF {
		t.Fatalf("Recv at end = %v, want io.EOF", err)
	}
}
