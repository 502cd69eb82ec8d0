package observe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const testSession = "5f0c1d2e-8a4b-4c6d-9e7f-0a1b2c3d4e5f"

// useTestTracer installs an in-memory tracer provider as the global one.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

// routes mirrors the app mux: a JSON /status and a websocket /stream that
// sends one beat and closes.
func routes(m *Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"session_id": SessionID(r.Context()), "running": true})
	})
	mux.HandleFunc("GET /stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		_ = conn.Write(r.Context(), websocket.MessageText, []byte(`{"type":"beat"}`))
		conn.Close(websocket.StatusNormalClosure, "")
	})
	h := Middleware(m)(mux)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r.WithContext(WithSession(r.Context(), testSession)))
	})
}

func spanAttr(s tracetest.SpanStub, key attribute.Key) (attribute.Value, bool) {
	for _, a := range s.Attributes {
		if a.Key == key {
			return a.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestMiddleware_Status(t *testing.T) {
	const incoming = "4bf92f3577b34da6a3ce929d0e0e4736"
	tests := []struct {
		name        string
		traceparent string
		path        string
		wantCode    int
	}{
		{name: "new trace", path: "/status", wantCode: http.StatusOK},
		{name: "propagated trace", path: "/status", wantCode: http.StatusOK,
			traceparent: "00-" + incoming + "-00f067aa0ba902b7-01"},
		{name: "unknown route", path: "/calibrate", wantCode: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := useTestTracer(t)
			m, _ := newTestMetrics(t)

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.traceparent != "" {
				req.Header.Set("traceparent", tt.traceparent)
			}
			rec := httptest.NewRecorder()
			routes(m).ServeHTTP(rec, req)

			if rec.Code != tt.wantCode {
				t.Fatalf("GET %s = %d, want %d", tt.path, rec.Code, tt.wantCode)
			}
			cid := rec.Header().Get("X-Correlation-ID")
			if len(cid) != 32 {
				t.Errorf("X-Correlation-ID = %q, want a trace id", cid)
			}
			if tt.traceparent != "" && cid != incoming {
				t.Errorf("X-Correlation-ID = %q, want propagated %q", cid, incoming)
			}

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("spans = %d, want 1", len(spans))
			}
			s := spans[0]
			if s.Name != "HTTP GET "+tt.path {
				t.Errorf("span name = %q", s.Name)
			}
			if v, ok := spanAttr(s, "http.response.status_code"); !ok || v.AsInt64() != int64(tt.wantCode) {
				t.Errorf("status attribute = %v, want %d", v.AsInt64(), tt.wantCode)
			}
			if v, _ := spanAttr(s, SessionAttr); v.AsString() != testSession {
				t.Errorf("session attribute = %q", v.AsString())
			}

			if tt.wantCode == http.StatusOK {
				var body map[string]any
				if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
					t.Fatalf("decode: %v", err)
				}
				if body["session_id"] != testSession {
					t.Errorf("handler saw session %v", body["session_id"])
				}
			}
		})
	}
}

func TestMiddleware_RecordsRouteDuration(t *testing.T) {
	useTestTracer(t)
	m, reader := newTestMetrics(t)
	h := routes(m)
	for range 3 {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/status", nil))
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "pulsekit.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 {
		t.Fatalf("data points = %d, want 1", len(hist.DataPoints))
	}
	dp := hist.DataPoints[0]
	if dp.Count != 3 {
		t.Errorf("count = %d, want 3", dp.Count)
	}
	if v, _ := dp.Attributes.Value("path"); v.AsString() != "/status" {
		t.Errorf("path attribute = %q", v.AsString())
	}
}

func TestMiddleware_StreamUpgrade(t *testing.T) {
	exp := useTestTracer(t)
	m, _ := newTestMetrics(t)
	srv := httptest.NewServer(routes(m))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if len(resp.Header.Get("X-Correlation-ID")) != 32 {
		t.Errorf("handshake lacks X-Correlation-ID: %v", resp.Header)
	}
	_, data, err := conn.Read(ctx)
	conn.CloseNow()
	if err != nil || string(data) != `{"type":"beat"}` {
		t.Fatalf("read = %s, %v", data, err)
	}

	// The span ends once the handler has closed the connection.
	for {
		if spans := exp.GetSpans(); len(spans) > 0 {
			if v, _ := spanAttr(spans[0], "http.response.status_code"); v.AsInt64() != http.StatusSwitchingProtocols {
				t.Errorf("status attribute = %d, want 101", v.AsInt64())
			}
			return
		}
		select {
		case <-ctx.Done():
			t.Fatal("no span for /stream")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStatusRecorder_HijackUnsupported(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}
	if _, _, err := rec.Hijack(); err == nil {
		t.Error("Hijack on a recorder should fail")
	}
}
