package ai

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

type BedrockConfig struct {
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	Model        string
	Options      StreamOptions
}

// missing names the first absent setting, or "".
func (c BedrockConfig) missing() string {
	switch {
	case c.Region == "":
		return "region"
	case c.AccessKey == "" || c.SecretKey == "":
		return "credentials"
	}
	return ""
}

// NewBedrockAdapter returns an unconfigured adapter, not an error, when the
// region or keys are missing, so the provider is still listed and requests
// to it fail with a configuration error.
func NewBedrockAdapter(ctx context.Context, cfg BedrockConfig) (*EventStreamAdapter, error) {
	es := EventStreamConfig{Name: "aws_claude", Model: cfg.Model, Options: cfg.Options}
	if m := cfg.missing(); m != "" {
		es.Missing = m
		return NewEventStreamAdapter(es), nil
	}
	s, err := NewBedrockStreamer(ctx, cfg.Region, cfg.AccessKey, cfg.SecretKey, cfg.SessionToken)
	if err != nil {
		return nil, err
	}
	es.Streamer = s
	return NewEventStreamAdapter(es), nil
}

// BedrockStreamer invokes models through bedrock-runtime's response stream.
type BedrockStreamer struct {
	client *bedrockruntime.Client
}

func NewBedrockStreamer(ctx context.Context, region, accessKey, secretKey, sessionToken string) (*BedrockStreamer, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, sessionToken)),
	)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load aws config: %w", err)
	}
	return &BedrockStreamer{client: bedrockruntime.NewFromConfig(awsCfg)}, nil
}

func (b *BedrockStreamer) OpenStream(ctx context.Context, modelID string, body []byte) (EventSource, error) {
	out, err := b.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(modelID),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, err
	}
	return &bedrockSource{stream: out.GetStream()}, nil
}

type bedrockSource struct {
	stream *bedrockruntime.InvokeModelWithResponseStreamEventStream
}

// Recv skips non-chunk events. It blocks until the SDK delivers the next
// event or closes the channel.
func (s *bedrockSource) Recv() ([]byte, error) {
	for ev := range s.stream.Events() {
		if chunk, ok := ev.(*types.ResponseStreamMemberChunk); ok {
			return chunk.Value.Bytes, nil
		}
	}
	if err := s.stream.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (s *bedrockSource) Close() error {
	return s.stream.Close()
}
