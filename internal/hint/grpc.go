package hint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"github.com/ashureev/hintline/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// GenerateMethod is the full name of the server-streaming RPC. Requests and
// responses are google.protobuf.Struct messages.
const GenerateMethod = "/hintline.v1.HintGenerator/Generate"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errGenerateResponse         = errors.New("generate response returned error")
)

var generateStreamDesc = &grpc.StreamDesc{
	StreamName:    "Generate",
	ServerStreams: true,
}

// GRPCConfig holds configuration for the gRPC hint backend.
type GRPCConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	Model            string
}

// DefaultGRPCConfig returns default configuration.
func DefaultGRPCConfig() GRPCConfig {
	return GRPCConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GRPCGenerator streams hints from a remote generation service.
type GRPCGenerator struct {
	conn   *grpc.ClientConn
	cfg    GRPCConfig
	logger *slog.Logger
}

var _ Generator = (*GRPCGenerator)(nil)

// NewGRPCGenerator connects to the hint service and waits until the channel
// is ready so bad endpoints fail at startup.
func NewGRPCGenerator(cfg GRPCConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GRPCGenerator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultGRPCConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = def.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = def.KeepaliveTimeout
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create hint client for %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("hint service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to hint service", "address", cfg.Address)
	return &GRPCGenerator{conn: conn, cfg: cfg, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (g *GRPCGenerator) Close() {
	if g.conn != nil {
		if err := g.conn.Close(); err != nil {
			g.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Stream implements Generator. Each response carries a "token" field, or an
// "error" field that ends the stream with a failure.
func (g *GRPCGenerator) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		msg, err := encodeRequest(req, g.cfg.Model)
		if err != nil {
			yield("", fmt.Errorf("encode generate request: %w", err))
			return
		}

		stream, err := g.conn.NewStream(ctx, generateStreamDesc, GenerateMethod)
		if err != nil {
			yield("", fmt.Errorf("generate request failed: %w", err))
			return
		}
		if err := stream.SendMsg(msg); err != nil {
			yield("", fmt.Errorf("send generate request: %w", err))
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield("", fmt.Errorf("close generate send: %w", err))
			return
		}

		for {
			resp := &structpb.Struct{}
			err := stream.RecvMsg(resp)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", fmt.Errorf("generate stream error: %w", err))
				return
			}

			fields := resp.GetFields()
			if e := fields["error"].GetStringValue(); e != "" {
				yield("", fmt.Errorf("%w: %s", errGenerateResponse, e))
				return
			}
			token := fields["token"].GetStringValue()
			if token == "" {
				continue
			}
			if !yield(token, nil) {
				return
			}
		}
	}
}

func encodeRequest(req Request, model string) (*structpb.Struct, error) {
	messages := make([]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, map[string]any{
			"role":    string(m.Role),
			"content": m.Content,
		})
	}
	return structpb.NewStruct(map[string]any{
		"mode":     string(req.Mode),
		"model":    model,
		"messages": messages,
	})
}

// DecodeRequest is the server-side inverse of the request encoding.
func DecodeRequest(s *structpb.Struct) (domain.Mode, []domain.Message) {
	fields := s.GetFields()
	mode := domain.Mode(fields["mode"].GetStringValue())
	var msgs []domain.Message
	for _, v := range fields["messages"].GetListValue().GetValues() {
		f := v.GetStructValue().GetFields()
		msgs = append(msgs, domain.Message{
			Role:    domain.Role(f["role"].GetStringValue()),
			Content: f["content"].GetStringValue(),
		})
	}
	return mode, msgs
}
