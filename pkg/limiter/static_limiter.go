package limiter

import (
	"io"
	"net/http"

	"github.com/juju/ratelimit"
)

// Limiter throttles traffic to and from a storage vault.
type Limiter interface {
	// Transport wraps rt so request bodies count as upstream and
	// response bodies as downstream traffic.
	Transport(rt http.RoundTripper) http.RoundTripper

	Upstream(r io.Reader) io.Reader
	UpstreamWriter(w io.Writer) io.Writer
	Downstream(r io.Reader) io.Reader
	DownstreamWriter(w io.Writer) io.Writer
}

type staticLimiter struct {
	upstream   *ratelimit.Bucket
	downstream *ratelimit.Bucket
}

// NewStaticLimiter returns a Limiter with fixed rates in bytes per second.
// A rate of zero or less disables limiting in that direction.
func NewStaticLimiter(upload, download int) Limiter {
	var up, down *ratelimit.Bucket
	if upload > 0 {
		up = ratelimit.NewBucketWithRate(float64(upload), int64(upload))
	}
	if download > 0 {
		down = ratelimit.NewBucketWithRate(float64(download), int64(download))
	}
	return staticLimiter{upstream: up, downstream: down}
}

func (l staticLimiter) Upstream(r io.Reader) io.Reader {
	return l.limitReader(r, l.upstream)
}

func (l staticLimiter) UpstreamWriter(w io.Writer) io.Writer {
	return l.limitWriter(w, l.upstream)
}

func (l staticLimiter) Downstream(r io.Reader) io.Reader {
	return l.limitReader(r, l.downstream)
}

func (l staticLimiter) DownstreamWriter(w io.Writer) io.Writer {
	return l.limitWriter(w, l.downstream)
}

type roundTripper func(*http.Request) (*http.Response, error)

func (rt roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return rt(req)
}

func (l staticLimiter) roundTripper(rt http.RoundTripper, req *http.Request) (*http.Response, error) {
	if req.Body != nil {
		req.Body = limitedReadCloser{
			limited:  l.Upstream(req.Body),
			original: req.Body,
		}
	}

	res, err := rt.RoundTrip(req)
	if res != nil && res.Body != nil {
		res.Body = limitedReadCloser{
			limited:  l.Downstream(res.Body),
			original: res.Body,
		}
	}
	return res, err
}

func (l staticLimiter) Transport(rt http.RoundTripper) http.RoundTripper {
	return roundTripper(func(req *http.Request) (*http.Response, error) {
		return l.roundTripper(rt, req)
	})
}

func (l staticLimiter) limitReader(r io.Reader, b *ratelimit.Bucket) io.Reader {
	if b == nil {
		return r
	}
	return ratelimit.Reader(r, b)
}

func (l staticLimiter) limitWriter(w io.Writer, b *ratelimit.Bucket) io.Writer {
	if b == nil {
		return w
	}
	return ratelimit.Writer(w, b)
}

type limitedReadCloser struct {
	original io.ReadCloser
	limited  io.Reader
}

func (l limitedReadCloser) Read(b []byte) (int, error) {
	return l.limited.Read(b)
}

func (l limitedReadCloser) Close() error {
	return l.original.Close()
}
