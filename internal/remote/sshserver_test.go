package remote_test

import (
	"errors"
	"net"
	"net/netip"
	"sync"

	"github.com/gliderlabs/ssh"
)

// SSHServer is an equivalent of net/http/httptest, but for ssh servers
type SSHServer struct {
	handler          func(ssh.Session)
	PasswordHandler  ssh.PasswordHandler
	PublicKeyHandler ssh.PublicKeyHandler
	HostSigners      []ssh.Signer
	server           *ssh.Server
	Listener         net.Listener
	wg               sync.WaitGroup
}

func NewUnstartedServer(handler func(ssh.Session)) *SSHServer {
	return &SSHServer{handler: handler}
}

func NewServer(handler func(ssh.Session)) *SSHServer {
	srv := NewUnstartedServer(handler)
	srv.Start()
	return srv
}

func (ts *SSHServer) Start() {
	if ts.server != nil {
		panic("already started")
	}
	if ts.Listener == nil {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			panic("cannot listen: " + err.Error())
		}
		ts.Listener = listener
	}
	ts.server = &ssh.Server{
		Addr:             ts.Listener.Addr().String(),
		Handler:          ts.handler,
		PasswordHandler:  ts.PasswordHandler,
		PublicKeyHandler: ts.PublicKeyHandler,
		HostSigners:      ts.HostSigners,
	}
	ts.wg.Go(func() {
		err := ts.server.Serve(ts.Listener)
		if errors.Is(err, ssh.ErrServerClosed) {
			// pass
		} else if err != nil {
			panic("server error: " + err.Error())
		}
	})
}

func (ts *SSHServer) AddrPort() netip.AddrPort {
	if ts.Listener == nil {
		panic("not yet started")
	}
	return netip.MustParseAddrPort(ts.Listener.Addr().String())
}

func (ts *SSHServer) Close() {
	if ts.server == nil {
		panic("not yet started")
	}
	_ = ts.server.Close()
	_ = ts.Listener.Close()
	ts.wg.Wait()
}
