package rate

import (
	"bytes"
	"io"
	"net/http"

	"qingxi/logger"
)

// maxErrorBody bounds how much of a failed response is inspected.
const maxErrorBody = 4 << 10

// Transport watches REST responses of one exchange for used weight headers
// and rate limit or ban replies. Responses are returned unchanged.
type Transport struct {
	Base     http.RoundTripper
	Exchange string
	IP       string
	log      *logger.Log
}

// NewClient returns a copy of base whose transport reports through Transport.
func NewClient(base *http.Client, exchange, ip string) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	c := *base
	c.Transport = &Transport{Base: base.Transport, Exchange: exchange, IP: ip, log: logger.GetLogger()}
	return &c
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		return resp, err
	}
	ReportUsedWeight(t.log, t.Exchange, t.IP, resp.Header)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		ReportRateLimitExceeded(t.log, t.Exchange, t.IP, req.URL.Path)
	case resp.StatusCode == http.StatusTeapot:
		// binance answers 418 once an IP is banned for ignoring 429s
		ReportIPBan(t.log, t.Exchange, t.IP, req.URL.Path)
	case resp.StatusCode >= http.StatusBadRequest && resp.Body != nil:
		body, rerr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		rest := resp.Body
		resp.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(body), rest), rest}
		if rerr == nil {
			ReportLimitFromMessage(t.log, t.Exchange, t.IP, req.URL.Path, string(body))
		}
	}
	return resp, nil
}
