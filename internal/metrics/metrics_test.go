package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterAndServe(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	// Second call is a no-op.
	if err := Register(reg); err != nil {
		t.Fatalf("Register() second call error = %v", err)
	}

	before := testutil.ToFloat64(FramesDropped.WithLabelValues("OTHER", "overflow"))
	FramesDropped.WithLabelValues("OTHER", "overflow").Add(3)
	if got := testutil.ToFloat64(FramesDropped.WithLabelValues("OTHER", "overflow")) - before; got != 3 {
		t.Errorf("frames dropped delta = %v, want 3", got)
	}
	ChunksEmitted.WithLabelValues("completed").Inc()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	for _, name := range []string{
		"hintline_frames_dropped_total",
		"hintline_chunks_emitted_total",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}
