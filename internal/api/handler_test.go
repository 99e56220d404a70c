package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loqalabs/streamcast/internal/catalog"
	"github.com/loqalabs/streamcast/internal/pipeline"
	"github.com/loqalabs/streamcast/internal/progress"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubRunner struct {
	req pipeline.ChatRequest
	err error
}

func (s *stubRunner) Run(_ context.Context, req pipeline.ChatRequest, emit pipeline.EmitFunc) error {
	s.req = req
	if err := emit(progress.New(progress.StepLLM, 1, "你好", false)); err != nil {
		return err
	}
	if s.err != nil {
		_ = emit(progress.Failed(2, "你好", s.err))
		return s.err
	}
	return emit(progress.New(progress.StepAll, 2, "你好", true))
}

type stubUploader struct {
	in  catalog.Upload
	err error
}

func (s *stubUploader) Upload(_ context.Context, u catalog.Upload) (catalog.Product, error) {
	s.in = u
	return catalog.Product{ID: 3}, s.err
}

func newServer(t *testing.T, runner Runner, uploader Uploader) *httptest.Server {
	t.Helper()
	h, err := NewHandler(runner, uploader, newLogger())
	require.NoError(t, err)
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func readFrames(t *testing.T, body io.Reader) []progress.Event {
	t.Helper()
	var events []progress.Event
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt progress.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt))
		events = append(events, evt)
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestNewHandler_ValidatesDependencies(t *testing.T) {
	_, err := NewHandler(nil, &stubUploader{}, newLogger())
	require.Error(t, err)
	_, err = NewHandler(&stubRunner{}, nil, newLogger())
	require.Error(t, err)
}

func TestRoot(t *testing.T) {
	srv := newServer(t, &stubRunner{}, &stubUploader{})
	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "Hello Streamer-Sales", body["message"])
}

func TestChat_StreamsEvents(t *testing.T) {
	runner := &stubRunner{}
	srv := newServer(t, runner, &stubUploader{})

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		req, err := http.NewRequest(method, srv.URL+chatPath, strings.NewReader(
			`{"user_id":"u","request_id":"abc","prompt":[{"role":"user","content":"hi"}],"product_info":{"name":"唇膏"}}`))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)

		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
		require.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
		require.Equal(t, "abc", resp.Header.Get("X-Request-Id"))

		events := readFrames(t, resp.Body)
		resp.Body.Close()
		require.Len(t, events, 2)
		require.Equal(t, progress.StepAll, events[1].Step)
		require.True(t, events[1].EndFlag)
	}
	require.True(t, runner.req.Plugins.TTS, "omitted plugins default to enabled")
	require.Equal(t, "唇膏", runner.req.ProductInfo.Name)
}

func TestChat_ErrorEndsStream(t *testing.T) {
	srv := newServer(t, &stubRunner{err: errors.New("tts timed out")}, &stubUploader{})
	resp, err := http.Post(srv.URL+chatPath, "application/json",
		strings.NewReader(`{"request_id":"abc","prompt":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	events := readFrames(t, resp.Body)
	require.Len(t, events, 2)
	require.Equal(t, progress.StepError, events[1].Step)
	require.Equal(t, "tts timed out", events[1].Error)
}

func TestChat_RejectsBadRequests(t *testing.T) {
	srv := newServer(t, &stubRunner{}, &stubUploader{})
	cases := map[string]string{
		"not json":       `nope`,
		"empty":          ``,
		"no prompt":      `{"request_id":"abc"}`,
		"bad request id": `{"request_id":"../../x","prompt":[{"role":"user","content":"hi"}]}`,
	}
	for name, body := range cases {
		resp, err := http.Post(srv.URL+chatPath, "application/json", strings.NewReader(body))
		require.NoError(t, err, name)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, name)

		var out errorResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out), name)
		require.NotEmpty(t, out.Error, name)
		resp.Body.Close()
	}
}

func TestUpload_HappyPath(t *testing.T) {
	uploader := &stubUploader{}
	srv := newServer(t, &stubRunner{}, uploader)

	resp, err := http.Post(srv.URL+uploadPath, "application/json", strings.NewReader(
		`{"user_id":"u","request_id":"r","name":"唇膏","heightlight":"持久、滋润","image_path":"a.png",
		  "instruction_path":"a.md","departure_place":"广州","delivery_company":"顺丰"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out uploadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, uploadResponse{UserID: "u", RequestID: "r", Message: "success uploaded product", Status: "success"}, out)
	require.Equal(t, catalog.Upload{
		Name:            "唇膏",
		Highlights:      "持久、滋润",
		ImagePath:       "a.png",
		InstructionPath: "a.md",
		DeparturePlace:  "广州",
		DeliveryCompany: "顺丰",
	}, uploader.in)
}

func TestUpload_MapsErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid product", catalog.ErrInvalidProduct, http.StatusBadRequest},
		{"storage failure", errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newServer(t, &stubRunner{}, &stubUploader{err: tc.err})
			resp, err := http.Post(srv.URL+uploadPath, "application/json", strings.NewReader(`{"user_id":"u","name":"x"}`))
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, tc.status, resp.StatusCode)

			var out uploadResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
			require.Equal(t, "failed", out.Status)
			require.NotEmpty(t, out.RequestID, "a request id is assigned when absent")
		})
	}
}

func TestUpload_WithCatalogStore(t *testing.T) {
	dir := t.TempDir()
	store := catalog.NewStore(filepath.Join(dir, "p.yaml"), filepath.Join(dir, "p.yaml.bak"), nil, newLogger())
	srv := newServer(t, &stubRunner{}, store)

	for i := 0; i < 2; i++ {
		resp, err := http.Post(srv.URL+uploadPath, "application/json", strings.NewReader(`{"user_id":"u","request_id":"r","name":"唇膏"}`))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	products, err := store.Load()
	require.NoError(t, err)
	require.Len(t, products, 1)
	require.Equal(t, 1, products["唇膏"].ID)
}
