package transport

import (
	"crypto/tls"
	"fmt"
	"net"

	"github.com/flux-framework/flux-broker-core/internal/log"
)

// OverlayListener accepts sibling/parent TBON connections over TCP,
// optionally TLS-wrapped via a *tls.Config built from internal/security.
type OverlayListener struct {
	ln net.Listener
}

// ListenOverlay binds addr for overlay connections. If tlsConfig is
// non-nil, accepted connections are TLS-wrapped before framing.
func ListenOverlay(addr string, tlsConfig *tls.Config) (*OverlayListener, error) {
	var ln net.Listener
	var err error
	if tlsConfig != nil {
		ln, err = tls.Listen("tcp", addr, tlsConfig)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("transport: listen overlay %s: %w", addr, err)
	}
	return &OverlayListener{ln: ln}, nil
}

// Accept blocks for the next overlay connection and returns it framed.
func (l *OverlayListener) Accept() (*Conn, error) {
	nc, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewConn(nc), nil
}

// Addr returns the listener's bound address.
func (l *OverlayListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting new overlay connections.
func (l *OverlayListener) Close() error {
	return l.ln.Close()
}

// Serve accepts connections in a loop, handing each to handle on its own
// goroutine, until the listener is closed. Grounded on the teacher's
// pkg/api/server.go accept-loop shape, generalized from gRPC's own accept
// loop (hidden inside grpc.Server.Serve) to this package's explicit one.
func (l *OverlayListener) Serve(handle func(*Conn)) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		go func() {
			defer conn.Close()
			handle(conn)
		}()
	}
}

// DialOverlay connects to a sibling/parent broker at addr, optionally
// TLS-wrapped.
func DialOverlay(addr string, tlsConfig *tls.Config) (*Conn, error) {
	var nc net.Conn
	var err error
	if tlsConfig != nil {
		nc, err = tls.Dial("tcp", addr, tlsConfig)
	} else {
		nc, err = net.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("transport: dial overlay %s: %w", addr, err)
	}
	log.WithComponent("transport").Debug().Str("addr", addr).Msg("overlay connection established")
	return NewConn(nc), nil
}
