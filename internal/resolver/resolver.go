// Package resolver is the source resolver (C5): given a raw URL a host sets
// as a room's video, classify it and decide whether playback should be
// direct, proxied through the external byte-range proxy, or handed off as
// an HLS manifest. Invoked synchronously by the playback coordinator.
package resolver

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/watchsync/party-server/internal/logging"
	"github.com/watchsync/party-server/internal/metrics"
	"github.com/watchsync/party-server/internal/tracing"
	"github.com/watchsync/party-server/internal/types"
)

const (
	probeTimeout = 5 * time.Second
	totalTimeout = 10 * time.Second
	rangeProbeHeader = "bytes=0-1023"
)

var youtubeHosts = map[string]bool{
	"youtube.com":     true,
	"www.youtube.com": true,
	"m.youtube.com":   true,
	"youtu.be":        true,
}

// Resolver performs the classify/probe/decide source-resolution pipeline.
type Resolver struct {
	client    *http.Client
	proxyBase string
	total     time.Duration
}

// New returns a Resolver with the default probe deadlines. proxyBase is the
// external byte-range proxy path, e.g. "/api/video-proxy".
func New(proxyBase string) *Resolver {
	return NewWithTimeouts(proxyBase, probeTimeout, totalTimeout)
}

// NewWithTimeouts returns a Resolver with explicit per-probe and total
// resolution deadlines.
func NewWithTimeouts(proxyBase string, perProbe, total time.Duration) *Resolver {
	return &Resolver{
		client: &http.Client{
			Timeout: perProbe,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("stopped after 10 redirects")
				}
				return nil
			},
		},
		proxyBase: proxyBase,
		total:     total,
	}
}

// Resolve classifies rawURL and, where the fast classification doesn't
// already decide delivery, probes it over the network. It never returns an
// error: network failures are not retried, every failure mode degrades to a
// file-proxy VideoMeta.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) *types.VideoMeta {
	ctx, span := tracing.GetLayer().TraceResolverProbe(ctx, "resolve")
	defer span.End()

	meta := r.resolve(ctx, rawURL)
	metrics.ResolverDecisions.WithLabelValues(string(meta.DeliveryType)).Inc()
	return meta
}

func (r *Resolver) resolve(ctx context.Context, rawURL string) *types.VideoMeta {
	meta := &types.VideoMeta{
		OriginalURL: rawURL,
		Timestamp:   time.Now(),
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return r.proxyFallback(meta, "invalid-url")
	}

	host := strings.ToLower(parsed.Hostname())
	if youtubeHosts[host] {
		meta.DeliveryType = types.DeliveryYouTube
		meta.VideoType = types.VideoTypeYouTube
		meta.PlaybackURL = rawURL
		meta.RequiresProxy = false
		meta.DecisionReasons = append(meta.DecisionReasons, "youtube-detected")
		return meta
	}

	if strings.HasSuffix(strings.ToLower(parsed.Path), ".m3u8") {
		meta.DeliveryType = types.DeliveryHLS
		meta.VideoType = types.VideoTypeM3U8
		meta.PlaybackURL = rawURL
		meta.RequiresProxy = false
		meta.DecisionReasons = append(meta.DecisionReasons, "hls-manifest")
		return meta
	}

	probeCtx, cancel := context.WithTimeout(ctx, r.total)
	defer cancel()

	return r.probeFile(probeCtx, meta, rawURL)
}

func (r *Resolver) probeFile(ctx context.Context, meta *types.VideoMeta, rawURL string) *types.VideoMeta {
	head, err := r.doRequest(ctx, http.MethodHead, rawURL, "")
	if err != nil {
		logging.Warn(ctx, "resolver HEAD probe failed", zap.String("url", rawURL), zap.Error(err))
		meta.DecisionReasons = append(meta.DecisionReasons, "head-non-200")
		return r.proxyFallback(meta, "timeout")
	}
	defer head.Body.Close()

	meta.Probe.Status = head.StatusCode
	meta.Probe.ContentType = head.Header.Get("Content-Type")
	meta.Probe.AcceptRanges = strings.EqualFold(head.Header.Get("Accept-Ranges"), "bytes")

	if head.StatusCode == http.StatusUnauthorized || head.StatusCode == http.StatusForbidden {
		meta.DecisionReasons = append(meta.DecisionReasons, "head-access-denied")
		return r.proxyFallback(meta, "head-access-denied")
	}

	if head.StatusCode < 200 || head.StatusCode >= 300 {
		meta.DecisionReasons = append(meta.DecisionReasons, "head-non-200")
		return r.proxyFallback(meta, "head-non-200")
	}
	meta.DecisionReasons = append(meta.DecisionReasons, "head-success")

	contentType := meta.Probe.ContentType
	ambiguous := contentType == "" || contentType == "application/octet-stream"

	var containerHint string
	if ambiguous {
		hint, status, ok := r.rangeProbe(ctx, rawURL)
		if status == http.StatusForbidden {
			meta.DecisionReasons = append(meta.DecisionReasons, "range-access-denied")
			return r.proxyFallback(meta, "range-access-denied")
		}
		if ok {
			containerHint = hint
			meta.ContainerHint = hint
			meta.DecisionReasons = append(meta.DecisionReasons, fmt.Sprintf("container-%s", hint))
			if hint == "mp4-hevc" {
				meta.CodecWarning = "likely HEVC, may not play in some browsers"
				meta.DecisionReasons = append(meta.DecisionReasons, "codec-warning")
			}
		}
	}

	playable := strings.HasPrefix(contentType, "video/") || containerHint != ""
	if playable {
		meta.DeliveryType = types.DeliveryFileDirect
		meta.VideoType = types.VideoTypeNone
		if strings.HasPrefix(containerHint, "mp4") {
			meta.VideoType = types.VideoTypeMP4
		}
		meta.PlaybackURL = rawURL
		meta.RequiresProxy = false
		meta.DecisionReasons = append(meta.DecisionReasons, "direct-playable")
		return meta
	}

	meta.DecisionReasons = append(meta.DecisionReasons, "fallback-proxy")
	return r.proxyFallback(meta, "")
}

// rangeProbe issues a ranged GET for the first 1024 bytes and sniffs the
// container signature. Returns (hint, httpStatus, ok).
func (r *Resolver) rangeProbe(ctx context.Context, rawURL string) (string, int, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", 0, false
	}
	req.Header.Set("Range", rangeProbeHeader)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", 0, false
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return "", resp.StatusCode, false
	}

	buf := make([]byte, 1024)
	n, _ := resp.Body.Read(buf)
	buf = buf[:n]

	return sniffContainer(buf), resp.StatusCode, true
}

// sniffContainer inspects the leading bytes of a media file for a known
// container signature.
func sniffContainer(buf []byte) string {
	if len(buf) >= 8 && bytes.Equal(buf[4:8], []byte("ftyp")) {
		if bytes.Contains(buf, []byte("hvc1")) || bytes.Contains(buf, []byte("hev1")) {
			return "mp4-hevc"
		}
		return "mp4"
	}
	if len(buf) >= 4 && bytes.Equal(buf[0:4], []byte{0x1A, 0x45, 0xDF, 0xA3}) {
		return "webm"
	}
	if len(buf) >= 189 && buf[0] == 0x47 && buf[188] == 0x47 {
		return "ts"
	}
	return ""
}

func (r *Resolver) doRequest(ctx context.Context, method, rawURL, body string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return r.client.Do(req)
}

// proxyFallback builds the file-proxy VideoMeta used whenever direct
// delivery can't be confirmed.
func (r *Resolver) proxyFallback(meta *types.VideoMeta, reason string) *types.VideoMeta {
	if reason != "" && !containsReason(meta.DecisionReasons, reason) {
		meta.DecisionReasons = append(meta.DecisionReasons, reason)
	}
	meta.DeliveryType = types.DeliveryFileProxy
	meta.RequiresProxy = true
	meta.PlaybackURL = r.ProxyURL(meta.OriginalURL)
	return meta
}

// ProxyURL builds the external byte-range proxy URL for originalURL, used
// both by the resolver's own fallback path and by the playback
// coordinator's video-error-report heuristic when it flips an
// already-resolved room to proxy delivery after the fact.
func (r *Resolver) ProxyURL(originalURL string) string {
	return fmt.Sprintf("%s?url=%s", r.proxyBase, url.QueryEscape(originalURL))
}

func containsReason(reasons []string, reason string) bool {
	for _, r := range reasons {
		if r == reason {
			return true
		}
	}
	return false
}
