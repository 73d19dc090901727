package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"spectracam/internal/camera"
	"spectracam/internal/config"
	"spectracam/internal/frame"
	"spectracam/internal/jobs"
	"spectracam/internal/pipeline"
	"spectracam/internal/tiles"
	"spectracam/internal/types"
)

func testConfig(t *testing.T) config.AppConfig {
	cfg := config.Default()
	cfg.Port = 9999
	cfg.OutputDir = t.TempDir()
	l := tiles.DefaultLayout()
	l.EntireWidth, l.EntireHeight = 60, 40
	l.TileWidth, l.TileHeight = 8, 8
	l.PitchX, l.PitchY = 10, 12
	cfg.Layout = l
	return cfg
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())

	q := jobs.NewQueue(8)
	w, err := jobs.NewWorker(q)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		_ = w.Run(ctx)
	}()

	hub := NewHub(64, nil)
	go hub.Run(ctx)

	cam := camera.NewSimulator(cfg.Layout, 200, nil)
	engine := pipeline.NewEngine(pipeline.Config{
		Layout:         cfg.Layout,
		OutputDir:      cfg.OutputDir,
		CaptureTimeout: 2 * time.Second,
	}, q, cam, frame.NewBytePool(), pipeline.WithReporter(hub))

	srv := New(cfg, engine, hub)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		ts.Close()
		_ = engine.Close(context.Background())
		cancel()
		<-workerDone
	})
	return srv, ts
}

func postAction(t *testing.T, ts *httptest.Server, action, body string) (int, actionResult) {
	t.Helper()
	resp, err := http.Post(ts.URL+"/actions/"+action, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", action, err)
	}
	defer resp.Body.Close()
	var res actionResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode %s result: %v", action, err)
	}
	return resp.StatusCode, res
}

func TestHandleConfig(t *testing.T) {
	srv := New(testConfig(t), nil, NewHub(1, nil))

	req := httptest.NewRequest("GET", "/config", nil)
	rec := httptest.NewRecorder()
	srv.handleConfig(rec, req)

	if rec.Code != 200 {
		t.Fatalf("unexpected status: %d", rec.Code)
	}

	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if payload["port"].(float64) != 9999 {
		t.Fatalf("unexpected port: %v", payload["port"])
	}
	if payload["normalize_target"].(float64) != 128 {
		t.Fatalf("unexpected normalize_target: %v", payload["normalize_target"])
	}
	if got := len(payload["wavelengths"].([]any)); got != 15 {
		t.Fatalf("unexpected wavelength count: %d", got)
	}
}

func TestActionsAndFrames(t *testing.T) {
	_, ts := newTestServer(t)

	if code, res := postAction(t, ts, "capture", ""); code != http.StatusConflict || res.OK {
		t.Fatalf("capture before connect: %d %+v", code, res)
	}
	if code, res := postAction(t, ts, "connect", `{"camera":"sim-0"}`); code != 200 || !res.OK {
		t.Fatalf("connect: %d %+v", code, res)
	}
	if code, res := postAction(t, ts, "capture", ""); code != 200 || !res.OK {
		t.Fatalf("capture: %d %+v", code, res)
	}

	resp, err := http.Get(ts.URL + "/frames/entire")
	if err != nil {
		t.Fatalf("GET entire: %v", err)
	}
	img, err := png.Decode(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 60 || b.Dy() != 40 {
		t.Fatalf("entire bounds = %v", b)
	}

	resp, err = http.Get(ts.URL + "/frames/tile?index=3&format=tiff")
	if err != nil {
		t.Fatalf("GET tile: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 || resp.Header.Get("Content-Type") != "image/tiff" {
		t.Fatalf("tile: %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	for path, want := range map[string]int{
		"/frames/bogus":    http.StatusBadRequest,
		"/frames/stitched": http.StatusNotFound,
		"/frames/preview":  http.StatusNotFound,
	} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("GET %s = %d, want %d", path, resp.StatusCode, want)
		}
	}

	if code, _ := postAction(t, ts, "tile", `{"working_distance":15}`); code != http.StatusBadRequest {
		t.Fatalf("unknown distance: %d", code)
	}
	if code, _ := postAction(t, ts, "warp", ""); code != http.StatusBadRequest {
		t.Fatalf("unknown action: %d", code)
	}
	code, res := postAction(t, ts, "add_region", `{"rect":{"x":0,"y":0,"width":4,"height":4}}`)
	if code != 200 || !res.OK {
		t.Fatalf("add_region: %d %+v", code, res)
	}

	resp, err = http.Get(ts.URL + "/regions")
	if err != nil {
		t.Fatalf("GET regions: %v", err)
	}
	var regions struct {
		Regions   []map[string]any             `json:"regions"`
		Intensity map[string][]types.Intensity `json:"intensity"`
	}
	err = json.NewDecoder(resp.Body).Decode(&regions)
	resp.Body.Close()
	if err != nil || len(regions.Regions) != 1 || len(regions.Intensity["0"]) != 15 {
		t.Fatalf("regions = %+v, %v", regions, err)
	}
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(map[string]any) bool) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if match(msg) {
			return msg
		}
	}
}

func TestWebsocketActions(t *testing.T) {
	_, ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	first := readUntil(t, conn, func(map[string]any) bool { return true })
	if first["type"] != "config" {
		t.Fatalf("expected config greeting, got %v", first)
	}

	send := func(v any) {
		if err := conn.WriteJSON(v); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	send(map[string]any{"type": "action", "id": "a1", "action": "connect", "camera": "sim-0"})
	res := readUntil(t, conn, func(m map[string]any) bool { return m["type"] == "result" && m["id"] == "a1" })
	if res["ok"] != true {
		t.Fatalf("connect over ws: %v", res)
	}

	send(map[string]any{"type": "action", "id": "a2", "action": "capture"})
	var sawTile, sawResult bool
	readUntil(t, conn, func(m map[string]any) bool {
		switch {
		case m["type"] == "frame" && m["kind"] == pipeline.KindTile:
			sawTile = true
		case m["type"] == "result" && m["id"] == "a2":
			if m["ok"] != true {
				t.Fatalf("capture over ws: %v", m)
			}
			sawResult = true
		}
		return sawTile && sawResult
	})

	send(map[string]any{"type": "status_request"})
	st := readUntil(t, conn, func(m map[string]any) bool { return m["type"] == "status" })
	engine := st["engine"].(map[string]any)
	if engine["connected"] != true {
		t.Fatalf("status: %v", st)
	}
}

func TestHubDropsWhenFull(t *testing.T) {
	hub := NewHub(1, nil)
	hub.Progress(types.Progress{Type: "progress"})
	hub.Progress(types.Progress{Type: "progress"})
	hub.Error(types.ErrorEvent{Type: "error"})
	if hub.Dropped() != 2 {
		t.Fatalf("dropped = %d, want 2", hub.Dropped())
	}
}

func TestFrameResponsesAreComplete(t *testing.T) {
	_, ts := newTestServer(t)
	if code, res := postAction(t, ts, "connect", `{"camera":"sim-0"}`); code != 200 || !res.OK {
		t.Fatalf("connect: %d %+v", code, res)
	}
	if code, res := postAction(t, ts, "capture", ""); code != 200 || !res.OK {
		t.Fatalf("capture: %d %+v", code, res)
	}

	resp, err := http.Get(ts.URL + "/frames/entire")
	if err != nil {
		t.Fatalf("GET entire: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read entire: %v", err)
	}
	if resp.Header.Get("Content-Length") != strconv.Itoa(len(body)) {
		t.Fatalf("content length %q for %d bytes", resp.Header.Get("Content-Length"), len(body))
	}
	if _, err := png.Decode(bytes.NewReader(body)); err != nil {
		t.Fatalf("decode png: %v", err)
	}

	for path, want := range map[string]int{
		"/frames/entire?format=bmp": http.StatusBadRequest,
		"/frames/stitched":          http.StatusNotFound,
	} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		var payload map[string]string
		err = json.NewDecoder(resp.Body).Decode(&payload)
		resp.Body.Close()
		if resp.StatusCode != want || resp.Header.Get("Content-Type") != "application/json" {
			t.Fatalf("GET %s = %d %s", path, resp.StatusCode, resp.Header.Get("Content-Type"))
		}
		if err != nil || payload["error"] == "" {
			t.Fatalf("GET %s body: %v %v", path, payload, err)
		}
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{pipeline.ErrUnknownFrame, http.StatusBadRequest},
		{camera.ErrNotConnected, http.StatusConflict},
		{jobs.ErrQueueFull, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: http 500", camera.ErrUnavailable), http.StatusServiceUnavailable},
		{&pipeline.Failure{Err: jobs.ErrTimeout}, http.StatusGatewayTimeout},
		{&pipeline.Failure{Err: errors.New("sensor")}, http.StatusUnprocessableEntity},
		{errors.New("disk"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := statusFor(c.err); got != c.want {
			t.Fatalf("statusFor(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}
