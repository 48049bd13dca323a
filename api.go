package main

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/mjl-/sherpa"
	"github.com/mjl-/sherpadoc"
	"github.com/mjl-/sherpaprom"

	"github.com/mjl-/imapsync/mlog"
	"github.com/mjl-/imapsync/moxvar"
)

//go:embed api.json
var apiJSON []byte

// API is the JSON API served by imapsync serve, for the status of polling.
type API struct{}

var pkglog = mlog.New("serve")

func mustParseAPI(api string, buf []byte) (doc sherpadoc.Section) {
	err := json.Unmarshal(buf, &doc)
	if err != nil {
		pkglog.Fatalx("parsing api docs", err, mlog.Field("api", api))
	}
	return doc
}

var apiDoc = mustParseAPI("imapsync", apiJSON)

var sherpaHandlerOpts *sherpa.HandlerOpts

func makeSherpaHandler() (http.Handler, error) {
	return sherpa.NewHandler("/api/", moxvar.Version, API{}, &apiDoc, sherpaHandlerOpts)
}

func init() {
	collector, err := sherpaprom.NewCollector("imapsync", nil)
	if err != nil {
		pkglog.Fatalx("creating sherpa prometheus collector", err)
	}

	sherpaHandlerOpts = &sherpa.HandlerOpts{Collector: collector, AdjustFunctionNames: "none"}
	// Just to validate.
	_, err = makeSherpaHandler()
	if err != nil {
		pkglog.Fatalx("sherpa handler", err)
	}
}

func xuserErrorf(format string, args ...any) {
	panic(&sherpa.Error{Code: "user:error", Message: fmt.Sprintf(format, args...)})
}

func xpoller(name string) *poller {
	p := lookupPoller(name)
	if p == nil {
		xuserErrorf("unknown account %q", name)
	}
	return p
}

// Version returns the version of imapsync, and the operating system and
// architecture it runs on.
func (API) Version(ctx context.Context) (version, goos, goarch string) {
	return moxvar.Version, runtime.GOOS, runtime.GOARCH
}

// Accounts returns the names of the accounts being polled.
func (API) Accounts(ctx context.Context) []string {
	return pollerNames()
}

// Status returns the status of all accounts.
func (API) Status(ctx context.Context) []AccountStatus {
	l := []AccountStatus{}
	for _, name := range pollerNames() {
		if p := lookupPoller(name); p != nil {
			l = append(l, p.Status())
		}
	}
	return l
}

// Account returns the status of a single account.
func (API) Account(ctx context.Context, account string) AccountStatus {
	return xpoller(account).Status()
}

// Check requests an immediate check of the mailboxes of an account. Accounts
// that use IDLE are notified of changes by their server, a requested check is
// done when the current IDLE wait ends.
func (API) Check(ctx context.Context, account string) {
	xpoller(account).requestCheck()
}
