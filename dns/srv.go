package dns

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Server is an IMAP server found through SRV records.
type Server struct {
	Host     Domain
	Port     int
	TLS      bool // Immediate TLS, from _imaps._tcp. Otherwise STARTTLS.
	Priority uint16
}

// ErrNoService is returned when the SRV records of a domain explicitly
// indicate IMAP is not available, with target ".".
var ErrNoService = errors.New("imap service not available for domain")

// LookupIMAP finds the IMAP servers for an email domain, as described in RFC
// 6186. Servers from _imaps._tcp and _imap._tcp are merged and ordered by
// priority. With equal priority, immediate TLS comes first, as RFC 8314
// prefers it. The order of servers returned by the resolver within a service
// and priority is kept, the resolver has already randomized them by weight.
//
// If neither service has records, an error is returned for which IsNotFound
// is true.
func LookupIMAP(ctx context.Context, resolver Resolver, domain Domain) ([]Server, error) {
	name := domain.ASCII + "."

	var l []Server
	var notFoundErr error
	var noService bool
	for _, svc := range []string{"imaps", "imap"} {
		_, srvs, _, err := resolver.LookupSRV(ctx, svc, "tcp", name)
		if IsNotFound(err) {
			notFoundErr = err
			continue
		} else if err != nil {
			return nil, fmt.Errorf("looking up srv records for _%s._tcp.%s: %w", svc, name, err)
		}
		if len(srvs) == 1 && srvs[0].Target == "." {
			noService = true
			continue
		}
		for _, srv := range srvs {
			d, err := ParseDomain(strings.TrimSuffix(srv.Target, "."))
			if err != nil {
				return nil, fmt.Errorf("parsing srv target %q: %w", srv.Target, err)
			}
			l = append(l, Server{d, int(srv.Port), svc == "imaps", srv.Priority})
		}
	}
	if len(l) > 0 {
		sort.SliceStable(l, func(i, j int) bool {
			if l[i].Priority != l[j].Priority {
				return l[i].Priority < l[j].Priority
			}
			return l[i].TLS && !l[j].TLS
		})
		return l, nil
	}
	if noService {
		return nil, ErrNoService
	}
	if notFoundErr != nil {
		return nil, notFoundErr
	}
	return nil, fmt.Errorf("no srv records for imap on %s", domain)
}
