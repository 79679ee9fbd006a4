package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestStartPrometheusServer(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	addr := freeAddr(t)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	StartPrometheusServer(ctx, &wg, &PromServerOpts{Addr: addr, Logger: zap.New(core)})

	Deliveries.Add(3)
	EventsDispatched.WithLabelValues("insert").Inc()

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		body = string(b)
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	assert.Contains(t, body, "pgrelay_deliveries_total")
	assert.Contains(t, body, `pgrelay_events_dispatched_total{operation="insert"}`)

	cancel()
	wg.Wait()
	assert.Equal(t, 1, logs.FilterMessage("starting prometheus metrics server").Len())
}

