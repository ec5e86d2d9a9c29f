// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	stdhttp "net/http"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wneessen/location-updates/internal/logger"
	"github.com/wneessen/location-updates/internal/testhelper"
)

type testType struct {
	String string  `json:"string"`
	Int    int     `json:"int"`
	Float  float64 `json:"float"`
	Bool   bool    `json:"bool"`
}

const testJSON = `{"string":"test","int":123,"float":123.456,"bool":true}`

func TestNew(t *testing.T) {
	client := New(testLogger())
	if client == nil {
		t.Fatal("expected client to be non-nil")
	}
	if client.Timeout != DefaultTimeout {
		t.Errorf("expected timeout to be %s, got %s", DefaultTimeout, client.Timeout)
	}
}

func TestClient_Get(t *testing.T) {
	t.Run("getting and serializing JSON should work", func(t *testing.T) {
		var gotReq *stdhttp.Request
		client := New(testLogger())
		client.Transport = testhelper.MockRoundTripper{Fn: func(req *stdhttp.Request) (*stdhttp.Response, error) {
			gotReq = req
			return testhelper.JSONResponse(200, testJSON), nil
		}}
		query := url.Values{}
		query.Add("key", "value")

		target := new(testType)
		status, err := client.Get(t.Context(), "https://example.com", target, query,
			map[string]string{"X-Custom-Header": "custom-value"})
		if err != nil {
			t.Fatalf("failed to get JSON response: %s", err)
		}
		if status != 200 {
			t.Errorf("expected status code 200, got %d", status)
		}
		assertTestType(t, target)
		if gotReq.URL.RawQuery != "key=value" {
			t.Errorf("expected query to be key=value, got %s", gotReq.URL.RawQuery)
		}
		if gotReq.Header.Get("X-Custom-Header") != "custom-value" {
			t.Error("expected custom header to be set")
		}
		if gotReq.Header.Get("User-Agent") != UserAgent {
			t.Error("expected user agent to be set")
		}
	})
	t.Run("non-pointer target fails", func(t *testing.T) {
		client := New(testLogger())
		_, err := client.Get(t.Context(), "https://example.com", testType{}, nil, nil)
		if !errors.Is(err, ErrNonPointerTarget) {
			t.Errorf("expected error to be %s, got %s", ErrNonPointerTarget, err)
		}
	})
	t.Run("invalid URL fails", func(t *testing.T) {
		client := New(testLogger())
		_, err := client.Get(t.Context(), "://invalid", new(testType), nil, nil)
		if err == nil {
			t.Fatal("expected request to fail")
		}
	})
	t.Run("transport error is returned", func(t *testing.T) {
		client := New(testLogger())
		client.Transport = testhelper.MockRoundTripper{Fn: func(*stdhttp.Request) (*stdhttp.Response, error) {
			return nil, errors.New("intentionally failing")
		}}
		_, err := client.Get(t.Context(), "https://example.com", new(testType), nil, nil)
		if err == nil {
			t.Fatal("expected request to fail")
		}
		if !strings.Contains(err.Error(), "failed to perform HTTP request") {
			t.Errorf("unexpected error: %s", err)
		}
	})
	t.Run("canceled context is returned unwrapped", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		client := New(testLogger())
		client.Transport = testhelper.MockRoundTripper{Fn: func(req *stdhttp.Request) (*stdhttp.Response, error) {
			return nil, req.Context().Err()
		}}
		_, err := client.Get(ctx, "https://example.com", new(testType), nil, nil)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context canceled error, got %s", err)
		}
	})
	t.Run("broken JSON fails with status code", func(t *testing.T) {
		client := New(testLogger())
		client.Transport = testhelper.MockRoundTripper{Fn: func(*stdhttp.Request) (*stdhttp.Response, error) {
			return testhelper.JSONResponse(500, "{"), nil
		}}
		status, err := client.Get(t.Context(), "https://example.com", new(testType), nil, nil)
		if err == nil {
			t.Fatal("expected request to fail")
		}
		if status != 500 {
			t.Errorf("expected status code 500, got %d", status)
		}
	})
}

func TestClient_PostAndDelete(t *testing.T) {
	var methods []string
	client := New(testLogger())
	client.Transport = testhelper.MockRoundTripper{Fn: func(req *stdhttp.Request) (*stdhttp.Response, error) {
		methods = append(methods, req.Method)
		return testhelper.JSONResponse(200, testJSON), nil
	}}
	target := new(testType)
	if _, err := client.Post(t.Context(), "https://example.com", target, strings.NewReader("{}"), nil); err != nil {
		t.Fatalf("failed to post: %s", err)
	}
	assertTestType(t, target)
	if _, err := client.Delete(t.Context(), "https://example.com", new(testType), nil); err != nil {
		t.Fatalf("failed to delete: %s", err)
	}
	if len(methods) != 2 || methods[0] != stdhttp.MethodPost || methods[1] != stdhttp.MethodDelete {
		t.Errorf("unexpected request methods: %v", methods)
	}
}

func TestNewUnix(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "test.sock")
	listener, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatalf("failed to listen on unix socket: %s", err)
	}
	server := &stdhttp.Server{Handler: stdhttp.HandlerFunc(func(w stdhttp.ResponseWriter, _ *stdhttp.Request) {
		_, _ = io.WriteString(w, testJSON)
	})}
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(func() { _ = server.Close() })

	client := NewUnix(testLogger(), socket)
	target := new(testType)
	if _, err = client.Get(t.Context(), "http://unix/test", target, nil, nil); err != nil {
		t.Fatalf("failed to get via unix socket: %s", err)
	}
	assertTestType(t, target)
}

func assertTestType(t *testing.T, target *testType) {
	t.Helper()
	if target.String != "test" {
		t.Errorf("expected target string to be 'test', got %s", target.String)
	}
	if target.Int != 123 {
		t.Errorf("expected target int to be 123, got %d", target.Int)
	}
	if target.Float != 123.456 {
		t.Errorf("expected target float to be 123.456, got %f", target.Float)
	}
	if !target.Bool {
		t.Error("expected target bool to be true")
	}
}

func testLogger() *logger.Logger {
	return logger.NewLogger(slog.LevelError, io.Discard)
}
