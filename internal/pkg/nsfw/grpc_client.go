package nsfw

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// DefaultPredictMethod is the full method name of the generic predict RPC.
const DefaultPredictMethod = "/nsfw_detector.v1.NSFWDetector/PredictStruct"

type GRPCConfig struct {
	Address string
	Method  string
	Timeout time.Duration
}

// GRPCClient calls a predict RPC whose request and response are
// google.protobuf.Struct, so no generated stubs are needed.
type GRPCClient struct {
	config GRPCConfig
	conn   grpc.ClientConnInterface
	closer func() error
}

// NewGRPCClient dials config.Address without TLS.
func NewGRPCClient(config GRPCConfig) (*GRPCClient, error) {
	conn, err := grpc.NewClient(config.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("nsfw: failed to dial %s: %w", config.Address, err)
	}
	c := newGRPCClient(config, conn)
	c.closer = conn.Close
	return c, nil
}

func newGRPCClient(config GRPCConfig, conn grpc.ClientConnInterface) *GRPCClient {
	if config.Method == "" {
		config.Method = DefaultPredictMethod
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &GRPCClient{config: config, conn: conn}
}

// Close closes the connection.
func (c *GRPCClient) Close() error {
	if c.closer != nil {
		return c.closer()
	}
	return nil
}

// Predict sends image bytes when present, otherwise the URL.
func (c *GRPCClient) Predict(ctx context.Context, imageData []byte, imageURL string) (*DetectionResult, error) {
	fields := map[string]any{}
	switch {
	case len(imageData) > 0:
		fields["image_data"] = base64.StdEncoding.EncodeToString(imageData)
	case imageURL != "":
		fields["url"] = imageURL
	default:
		return nil, errors.New("nsfw: nothing to predict")
	}
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("nsfw: build request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, c.config.Method, req, resp); err != nil {
		return nil, fmt.Errorf("gRPC predict call failed: %w", err)
	}
	return fromStruct(resp)
}

func fromStruct(s *structpb.Struct) (*DetectionResult, error) {
	f := s.GetFields()
	score, ok := f["nsfw_score"]
	if !ok {
		return nil, errors.New("nsfw: response has no nsfw_score")
	}
	return &DetectionResult{
		IsNSFW:      f["is_nsfw"].GetBoolValue(),
		NSFWScore:   score.GetNumberValue(),
		NormalScore: f["normal_score"].GetNumberValue(),
		Label:       f["label"].GetStringValue(),
		Confidence:  f["confidence"].GetNumberValue(),
		ProcessedAt: time.Now(),
	}, nil
}
