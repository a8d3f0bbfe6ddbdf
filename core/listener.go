package core

import (
	"context"
	"net"

	"golang.org/x/net/netutil"
)

// Listen binds a TCP listener on addr. maxConns > 0 caps the number of
// simultaneously open accepted connections; Accept blocks at the cap.
func Listen(addr string, reusePort bool, maxConns int) (net.Listener, error) {
	lc := net.ListenConfig{Control: listenControl(reusePort)}
	l, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, &BindError{Addr: addr, Err: err}
	}
	if maxConns > 0 {
		l = netutil.LimitListener(l, maxConns)
	}
	return l, nil
}
