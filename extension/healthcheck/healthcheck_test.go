// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lee-liao/telemetry-relay/internal/telemetry"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func startExtension(t *testing.T, reload ReloadFunc) (*Extension, string) {
	t.Helper()
	addr := freeAddr(t)
	tel := telemetry.NewMetrics()
	tel.AcceptedRecords.WithLabelValues("grpc").Add(3)
	e := New(addr, zap.NewNop(), tel, reload)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { require.NoError(t, e.Shutdown(context.Background())) })
	return e, addr
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestReadinessTransitions(t *testing.T) {
	e, addr := startExtension(t, nil)
	url := fmt.Sprintf("http://%s/", addr)

	// Not ready until the service flips it.
	resp := get(t, url)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	e.Ready()
	resp = get(t, url)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	e.NotReady()
	resp = get(t, url)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	_, addr := startExtension(t, nil)

	resp := get(t, fmt.Sprintf("http://%s/metrics", addr))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `relay_receiver_accepted_records_total{transport="grpc"} 3`)
}

func TestReloadEndpoint(t *testing.T) {
	calls := 0
	_, addr := startExtension(t, func() error {
		calls++
		if calls == 1 {
			return errors.New("pipeline references unknown exporter")
		}
		return nil
	})
	url := fmt.Sprintf("http://%s/-/reload", addr)

	resp, err := http.Post(url, "text/plain", strings.NewReader(""))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, string(body), "unknown exporter")

	resp, err = http.Post(url, "text/plain", strings.NewReader(""))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, calls)
}

func TestReloadRequiresPOST(t *testing.T) {
	_, addr := startExtension(t, func() error { return nil })

	resp := get(t, fmt.Sprintf("http://%s/-/reload", addr))
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
