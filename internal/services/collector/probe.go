package collector

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"siteaudit/internal/domain"
)

// Probe is a quick reachability check that surfaces SSL state ahead of the
// full collection.
type Probe struct {
	client    *http.Client
	userAgent string
}

func NewProbe(timeout time.Duration, userAgent string) *Probe {
	return &Probe{client: newHTTPClient(timeout), userAgent: userAgent}
}

// Probe never fails; problems are reported in the result.
func (p *Probe) Probe(ctx context.Context, rawURL string) domain.ProbeResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return domain.ProbeResult{Error: "invalid URL"}
	}
	req.Header.Set("User-Agent", p.userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		res := domain.ProbeResult{Error: probeMessage(err)}
		if isCertificateError(err) {
			res.Reachable = true
			res.SSL = domain.SSLInfo{Enabled: true, Valid: false}
		}
		return res
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return domain.ProbeResult{
		Reachable:  true,
		StatusCode: resp.StatusCode,
		SSL:        sslInfo(resp.Request.URL, resp.TLS),
	}
}

func isCertificateError(err error) bool {
	var (
		verr    *tls.CertificateVerificationError
		unknown x509.UnknownAuthorityError
		invalid x509.CertificateInvalidError
		host    x509.HostnameError
	)
	return errors.As(err, &verr) || errors.As(err, &unknown) || errors.As(err, &invalid) || errors.As(err, &host)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout())
}

func probeMessage(err error) string {
	switch {
	case isTimeout(err):
		return "site did not respond in time"
	case isCertificateError(err):
		return "invalid SSL certificate"
	default:
		return "site is unreachable"
	}
}
