package source

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"syscall"
	"time"

	"github.com/go-git/go-git/v5/plumbing/transport/client"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

var installTransport sync.Once

// installGuardedTransport replaces go-git's http and https transports with
// one that refuses connections to internal addresses. The check runs on the
// resolved address of every dial, so redirects and DNS changes between
// CheckResolved and the clone are covered too.
func installGuardedTransport() {
	installTransport.Do(func() {
		t := githttp.NewClient(guardedHTTPClient())
		client.InstallProtocol("https", t)
		client.InstallProtocol("http", t)
	})
}

// guardedHTTPClient ignores proxy settings: a proxy would make the dialed
// address the proxy's rather than the repository host's.
func guardedHTTPClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   dialControl,
	}
	return &http.Client{
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	}
}

func dialControl(_, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: unexpected dial address %q", ErrInvalidLocator, address)
	}
	if blockedAddr(ap.Addr()) {
		return fmt.Errorf("%w: refusing to connect to internal address %s", ErrInvalidLocator, ap.Addr())
	}
	return nil
}
