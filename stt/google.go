package stt

import (
	"context"
	"io"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/mrsingh-rishi/broca/model"
)

// NewSpeechClient builds the Cloud Speech client once for the whole process.
// An empty credentials file falls back to application default credentials.
func NewSpeechClient(ctx context.Context, credentialsFile string) (*speech.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create speech client")
	}
	return client, nil
}

// GoogleClient streams audio to Google Cloud Speech-to-Text.
type GoogleClient struct {
	client *speech.Client
	config *speechpb.StreamingRecognitionConfig
	logger *log.Logger
}

func NewGoogleClient(client *speech.Client, cfg Config, logger *log.Logger) (*GoogleClient, error) {
	streamingConfig, err := googleStreamingConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &GoogleClient{
		client: client,
		config: streamingConfig,
		logger: logger,
	}, nil
}

func googleStreamingConfig(cfg Config) (*speechpb.StreamingRecognitionConfig, error) {
	encoding, ok := speechpb.RecognitionConfig_AudioEncoding_value[strings.ToUpper(cfg.Encoding)]
	if !ok {
		return nil, errors.Errorf("unsupported audio encoding %q", cfg.Encoding)
	}
	return &speechpb.StreamingRecognitionConfig{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   speechpb.RecognitionConfig_AudioEncoding(encoding),
			SampleRateHertz:            int32(cfg.SampleRate),
			LanguageCode:               cfg.Language,
			MaxAlternatives:            1,
			Model:                      cfg.Model,
			EnableAutomaticPunctuation: true,
			EnableSpokenPunctuation:    wrapperspb.Bool(true),
		},
		InterimResults:  cfg.InterimResults,
		SingleUtterance: false,
	}, nil
}

func (g *GoogleClient) Open(ctx context.Context) (Stream, error) {
	stream, err := g.client.StreamingRecognize(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "open streaming recognize")
	}
	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: g.config,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "send streaming config")
	}
	g.logger.Debug("open", "kind", "google", "model", g.config.GetConfig().GetModel())
	return &googleStream{stream: stream}, nil
}

// recognizeStream is the subset of speechpb.Speech_StreamingRecognizeClient
// used here.
type recognizeStream interface {
	Send(*speechpb.StreamingRecognizeRequest) error
	Recv() (*speechpb.StreamingRecognizeResponse, error)
	CloseSend() error
}

type googleStream struct {
	stream recognizeStream
}

func (s *googleStream) Send(audio []byte) error {
	return s.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: audio,
		},
	})
}

func (s *googleStream) CloseSend() error {
	return s.stream.CloseSend()
}

func (s *googleStream) Recv() ([]model.TranscriptResult, error) {
	resp, err := s.stream.Recv()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	if status := resp.GetError(); status != nil {
		return nil, errors.Errorf("speech api error %d: %s", status.GetCode(), status.GetMessage())
	}

	results := make([]model.TranscriptResult, 0, len(resp.GetResults()))
	for _, result := range resp.GetResults() {
		alternatives := result.GetAlternatives()
		if len(alternatives) == 0 {
			continue
		}
		results = append(results, model.NewTranscriptResult(
			alternatives[0].GetTranscript(),
			result.GetIsFinal(),
			float64(result.GetStability()),
		))
	}
	return results, nil
}
