package resolver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchsync/party-server/internal/types"
)

func TestResolveYouTube(t *testing.T) {
	r := New("/api/video-proxy")
	meta := r.Resolve(t.Context(), "https://www.youtube.com/watch?v=abc123")

	assert.Equal(t, types.DeliveryYouTube, meta.DeliveryType)
	assert.Equal(t, types.VideoTypeYouTube, meta.VideoType)
	assert.False(t, meta.RequiresProxy)
	assert.Contains(t, meta.DecisionReasons, "youtube-detected")
}

func TestResolveHLSManifest(t *testing.T) {
	r := New("/api/video-proxy")
	meta := r.Resolve(t.Context(), "https://cdn.example.com/stream/index.m3u8")

	assert.Equal(t, types.DeliveryHLS, meta.DeliveryType)
	assert.Equal(t, types.VideoTypeM3U8, meta.VideoType)
	assert.Contains(t, meta.DecisionReasons, "hls-manifest")
}

func TestResolveDirectVideoContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Accept-Ranges", "bytes")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := New("/api/video-proxy")
	meta := r.Resolve(t.Context(), srv.URL+"/movie.mp4")

	assert.Equal(t, types.DeliveryFileDirect, meta.DeliveryType)
	assert.False(t, meta.RequiresProxy)
	assert.Contains(t, meta.DecisionReasons, "direct-playable")
}

func TestResolveHeadAccessDeniedFallsBackToProxy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	r := New("/api/video-proxy")
	meta := r.Resolve(t.Context(), srv.URL+"/private.mp4")

	assert.Equal(t, types.DeliveryFileProxy, meta.DeliveryType)
	require.True(t, meta.RequiresProxy)
	assert.Contains(t, meta.DecisionReasons, "head-access-denied")
	assert.Contains(t, meta.PlaybackURL, "/api/video-proxy?url=")
}

func TestResolveAmbiguousContentTypeSniffsMP4Container(t *testing.T) {
	mp4Header := make([]byte, 1024)
	copy(mp4Header[4:8], []byte("ftyp"))
	copy(mp4Header[8:], []byte("isom"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		if req.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(mp4Header)
	}))
	defer srv.Close()

	r := New("/api/video-proxy")
	meta := r.Resolve(t.Context(), srv.URL+"/clip.bin")

	assert.Equal(t, types.DeliveryFileDirect, meta.DeliveryType)
	assert.Equal(t, types.VideoTypeMP4, meta.VideoType)
	assert.Equal(t, "mp4", meta.ContainerHint)
}

func TestResolveHEVCWarning(t *testing.T) {
	mp4Header := make([]byte, 1024)
	copy(mp4Header[4:8], []byte("ftyp"))
	copy(mp4Header[8:], []byte("hvc1"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		if req.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(mp4Header)
	}))
	defer srv.Close()

	r := New("/api/video-proxy")
	meta := r.Resolve(t.Context(), srv.URL+"/clip.bin")

	assert.NotEmpty(t, meta.CodecWarning)
	assert.Contains(t, meta.DecisionReasons, "codec-warning")
}

func TestResolveNetworkFailureFallsBackToProxy(t *testing.T) {
	r := New("/api/video-proxy")
	meta := r.Resolve(t.Context(), "http://127.0.0.1:1/unreachable.mp4")

	assert.Equal(t, types.DeliveryFileProxy, meta.DeliveryType)
	assert.True(t, meta.RequiresProxy)
}
