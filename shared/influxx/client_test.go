package influxx

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golfcart-fleet/shared/config"
)

func TestEnabled(t *testing.T) {
	assert.False(t, Enabled(config.Config{InfluxURL: "http://influx"}))
	assert.True(t, Enabled(config.Config{InfluxURL: "http://influx", InfluxToken: "t", InfluxOrg: "o", InfluxBucket: "b"}))
	_, err := New(config.Config{})
	require.Error(t, err)
}

func TestWritePointSendsLineProtocol(t *testing.T) {
	var mu sync.Mutex
	var body string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		body = string(b)
		path = r.URL.Path
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, err := New(config.Config{InfluxURL: srv.URL, InfluxToken: "tok", InfluxOrg: "org", InfluxBucket: "fleet", InfluxTimeoutMS: 2000})
	require.NoError(t, err)
	defer c.Close()

	err = c.WritePoint(context.Background(), MeasurementCartPosition,
		map[string]string{"cart_id": "c1"},
		map[string]any{"lat": 37.5, "velocity": 12.0},
		time.Unix(1700000000, 0),
	)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/api/v2/write", path)
	assert.True(t, strings.HasPrefix(body, "cart_position,cart_id=c1 "))
	assert.Contains(t, body, "lat=37.5")
}
