package hint

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/hintline/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

func collect(t *testing.T, g Generator, req Request) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var b strings.Builder
	for tok, err := range g.Stream(ctx, req) {
		if err != nil {
			return b.String(), err
		}
		b.WriteString(tok)
	}
	return b.String(), nil
}

func TestOpenAIGeneratorStreams(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, tok := range []string{"- use", " caching\n", "- add metrics"} {
			chunk := map[string]any{
				"id":      "c1",
				"object":  "chat.completion.chunk",
				"model":   "test",
				"choices": []map[string]any{{"index": 0, "delta": map[string]string{"content": tok}}},
			}
			data, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	g := NewOpenAIGenerator(OpenAIConfig{BaseURL: srv.URL + "/v1", APIKey: "k", Model: "test-model"}, nil)
	text, err := collect(t, g, Request{
		Mode: domain.ModeInterview,
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "sys"},
			{Role: domain.RoleUser, Content: "Question: why?"},
		},
	})
	if err != nil {
		t.Fatalf("Stream error: %v", err)
	}
	if text != "- use caching\n- add metrics" {
		t.Errorf("text = %q", text)
	}
	if gotBody["model"] != "test-model" || gotBody["stream"] != true {
		t.Errorf("request body = %v", gotBody)
	}
	msgs, _ := gotBody["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %v", gotBody["messages"])
	}
	if first, _ := msgs[0].(map[string]any); first["role"] != "system" {
		t.Errorf("first role = %v, want system", first["role"])
	}
}

func TestOpenAIGeneratorError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"model not loaded","type":"server_error"}}`)
	}))
	defer srv.Close()

	g := NewOpenAIGenerator(OpenAIConfig{BaseURL: srv.URL + "/v1"}, nil)
	if _, err := collect(t, g, request("q", PolicyPreempt)); err == nil {
		t.Fatal("expected error from failing backend")
	}
}

func startHintServer(t *testing.T, handler grpc.StreamHandler) *GRPCGenerator {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(handler))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	g, err := NewGRPCGenerator(GRPCConfig{Address: "passthrough:///bufnet", Model: "m"}, nil,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	if err != nil {
		t.Fatalf("NewGRPCGenerator: %v", err)
	}
	t.Cleanup(g.Close)
	return g
}

func TestGRPCGeneratorStreams(t *testing.T) {
	t.Parallel()

	gotMode := make(chan domain.Mode, 1)
	g := startHintServer(t, func(_ any, stream grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(stream)
		if method != GenerateMethod {
			return fmt.Errorf("unexpected method %s", method)
		}
		req := &structpb.Struct{}
		if err := stream.RecvMsg(req); err != nil {
			return err
		}
		mode, msgs := DecodeRequest(req)
		if len(msgs) != 1 || msgs[0].Content != "hello" {
			return fmt.Errorf("unexpected messages %v", msgs)
		}
		gotMode <- mode
		for _, tok := range []string{"- a", "\n- b"} {
			resp, _ := structpb.NewStruct(map[string]any{"token": tok})
			if err := stream.SendMsg(resp); err != nil {
				return err
			}
		}
		return nil
	})

	text, err := collect(t, g, Request{
		Mode:     domain.ModeMeeting,
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Stream error: %v", err)
	}
	if text != "- a\n- b" {
		t.Errorf("text = %q", text)
	}
	if mode := <-gotMode; mode != domain.ModeMeeting {
		t.Errorf("mode = %s", mode)
	}
}

func TestGRPCGeneratorErrorField(t *testing.T) {
	t.Parallel()

	g := startHintServer(t, func(_ any, stream grpc.ServerStream) error {
		req := &structpb.Struct{}
		if err := stream.RecvMsg(req); err != nil {
			return err
		}
		resp, _ := structpb.NewStruct(map[string]any{"error": "quota exceeded"})
		return stream.SendMsg(resp)
	})

	_, err := collect(t, g, request("q", PolicyPreempt))
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("err = %v, want quota exceeded", err)
	}
}
