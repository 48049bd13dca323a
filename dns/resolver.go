package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/mjl-/adns"

	"github.com/mjl-/imapsync/metrics"
	"github.com/mjl-/imapsync/mlog"
)

func init() {
	net.DefaultResolver.StrictErrors = true
}

// Resolver is the interface strict resolver implements.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, adns.Result, error)
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, adns.Result, error)
}

// StrictResolver is a resolver that enforces that DNS names end with a dot,
// preventing "search"-relative lookups.
type StrictResolver struct {
	Pkg      string         // Name of subsystem that is making DNS requests, for metrics.
	Resolver *adns.Resolver // Where the actual lookups are done. If nil, adns.DefaultResolver is used for lookups.
}

var _ Resolver = StrictResolver{}

var ErrRelativeDNSName = errors.New("dns: host to lookup must be absolute, ending with a dot")

func (r StrictResolver) log() *mlog.Log {
	pkg := r.Pkg
	if pkg == "" {
		pkg = "dns"
	}
	return mlog.New(pkg)
}

func lookupResult(err error) string {
	var dnsErr *adns.DNSError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &dnsErr) && dnsErr.IsNotFound:
		return "nxdomain"
	case errors.As(err, &dnsErr) && dnsErr.IsTemporary:
		return "temporary"
	case errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) || errors.As(err, &dnsErr) && dnsErr.IsTimeout:
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "error"
}

func (r StrictResolver) resolver() Resolver {
	if r.Resolver == nil {
		return adns.DefaultResolver
	}
	return r.Resolver
}

func resolveErrorHint(err *error) {
	e := *err
	if e == nil {
		return
	}
	dnserr, ok := e.(*adns.DNSError)
	if !ok {
		return
	}
	// If the dns server is not running, and it is one of the default/fallback IPs,
	// hint at where to look.
	if dnserr.IsTemporary && runtime.GOOS == "linux" && (dnserr.Server == "127.0.0.1:53" || dnserr.Server == "[::1]:53") && strings.HasSuffix(dnserr.Err, "connection refused") {
		*err = fmt.Errorf("%w (hint: does /etc/resolv.conf point to a running nameserver?)", *err)
	}
}

func (r StrictResolver) LookupHost(ctx context.Context, host string) (resp []string, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		metrics.DNSLookupObserve(r.Pkg, "host", lookupResult(err), time.Since(start))
		r.log().WithContext(ctx).Debugx("dns lookup result", err,
			mlog.Field("type", "host"),
			mlog.Field("host", host),
			mlog.Field("resp", resp),
			mlog.Field("authentic", result.Authentic),
			mlog.Field("duration", time.Since(start)),
		)
	}()
	defer resolveErrorHint(&err)

	if !strings.HasSuffix(host, ".") {
		return nil, result, ErrRelativeDNSName
	}
	resp, result, err = r.resolver().LookupHost(ctx, host)
	return
}

func (r StrictResolver) LookupSRV(ctx context.Context, service, proto, name string) (resp0 string, resp1 []*net.SRV, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		metrics.DNSLookupObserve(r.Pkg, "srv", lookupResult(err), time.Since(start))
		r.log().WithContext(ctx).Debugx("dns lookup result", err,
			mlog.Field("type", "srv"),
			mlog.Field("service", service),
			mlog.Field("proto", proto),
			mlog.Field("name", name),
			mlog.Field("resp0", resp0),
			mlog.Field("resp1", resp1),
			mlog.Field("authentic", result.Authentic),
			mlog.Field("duration", time.Since(start)),
		)
	}()
	defer resolveErrorHint(&err)

	if !strings.HasSuffix(name, ".") {
		return "", nil, result, ErrRelativeDNSName
	}
	resp0, resp1, result, err = r.resolver().LookupSRV(ctx, service, proto, name)
	return
}
