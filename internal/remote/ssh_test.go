package remote_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/gliderlabs/ssh"
	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/CZERTAINLY/Hopper/internal/model"
	"github.com/CZERTAINLY/Hopper/internal/remote"

	"github.com/stretchr/testify/require"
)

// fakeInvoker answers with the records of the last request or fails with err.
type fakeInvoker struct {
	mx   sync.Mutex
	reqs []model.Request
	err  error
}

func (f *fakeInvoker) Invoke(_ context.Context, req model.Request) (model.Result, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return model.Result{}, f.err
	}
	return model.Result{Records: []string{fmt.Sprint(req.Using["name"])}, Principal: "svc"}, nil
}

func (f *fakeInvoker) requests() []model.Request {
	f.mx.Lock()
	defer f.mx.Unlock()
	return slices.Clone(f.reqs)
}

// remoteHandler plays the _remote command of a host running binary.
func remoteHandler(binary string, inv remote.Invoker) func(ssh.Session) {
	return func(s ssh.Session) {
		if !slices.Equal(s.Command(), []string{binary, remote.Command}) {
			_, _ = fmt.Fprintf(s.Stderr(), "sh: %v: not found\n", s.Command())
			_ = s.Exit(127)
			return
		}
		if err := remote.Serve(s.Context(), s, s, inv); err != nil {
			_ = s.Exit(1)
			return
		}
		_ = s.Exit(0)
	}
}

func passwordAuth(user, password string) ssh.PasswordHandler {
	return func(ctx ssh.Context, pass string) bool {
		return ctx.User() == user && pass == password
	}
}

func newSSH(t *testing.T, opts remote.Options) *remote.SSH {
	t.Helper()
	if opts.HostKeyCallback == nil {
		opts.HostKeyCallback = gossh.InsecureIgnoreHostKey()
	}
	s, err := remote.NewSSH(opts)
	require.NoError(t, err)
	return s
}

func TestExecute(t *testing.T) {
	t.Parallel()
	inv := &fakeInvoker{}
	srv := NewUnstartedServer(remoteHandler("hopper", inv))
	srv.PasswordHandler = passwordAuth("ops", "s3cret")
	srv.Start()
	t.Cleanup(srv.Close)

	s := newSSH(t, remote.Options{User: "ops", Password: "s3cret"})
	req := model.Request{
		Work:     model.WorkItem{Body: "echo $using:name"},
		Using:    map[string]any{"name": "web-01"},
		Identity: model.System().WithElevation(true),
	}
	res, err := s.Execute(t.Context(), srv.AddrPort().String(), req)
	require.NoError(t, err)
	require.Equal(t, model.Result{Records: []string{"web-01"}, Principal: "svc"}, res)
	require.Equal(t, []model.Request{req}, inv.requests())
}

func TestExecuteErrors(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    error
		then     func(t *testing.T, err error)
	}{
		{
			scenario: "execution",
			given:    &model.ExecutionError{Message: "disk full", ExitCode: 3},
			then: func(t *testing.T, err error) {
				require.Equal(t, &model.ExecutionError{Message: "disk full", ExitCode: 3}, err)
			},
		},
		{
			scenario: "capture",
			given:    fmt.Errorf("capturing $using:x: %w: not defined", model.ErrCapture),
			then: func(t *testing.T, err error) {
				require.ErrorIs(t, err, model.ErrCapture)
				require.EqualError(t, err, "capturing $using:x: binding evaluation: not defined")
			},
		},
		{
			scenario: "start",
			given:    fmt.Errorf("%w: access denied", model.ErrStart),
			then: func(t *testing.T, err error) {
				require.Equal(t, model.KindStart, model.KindOf(err))
			},
		},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			srv := NewServer(remoteHandler("hopper", &fakeInvoker{err: tt.given}))
			t.Cleanup(srv.Close)
			s := newSSH(t, remote.Options{User: "ops", Password: "x"})
			_, err := s.Execute(t.Context(), srv.AddrPort().String(), model.Request{Work: model.WorkItem{Body: "id"}})
			tt.then(t, err)
		})
	}
}

func TestExecuteTransportErrors(t *testing.T) {
	t.Parallel()

	t.Run("wrong password", func(t *testing.T) {
		srv := NewUnstartedServer(remoteHandler("hopper", &fakeInvoker{}))
		srv.PasswordHandler = passwordAuth("ops", "s3cret")
		srv.Start()
		t.Cleanup(srv.Close)

		s := newSSH(t, remote.Options{User: "ops", Password: "guess"})
		_, err := s.Execute(t.Context(), srv.AddrPort().String(), model.Request{Work: model.WorkItem{Body: "id"}})
		require.ErrorContains(t, err, "ssh handshake")
		require.Equal(t, model.KindTransport, model.KindOf(err))
	})

	t.Run("binary not deployed", func(t *testing.T) {
		srv := NewServer(remoteHandler("hopper", &fakeInvoker{}))
		t.Cleanup(srv.Close)

		s := newSSH(t, remote.Options{User: "ops", Password: "x", Binary: "/opt/hopper/bin/hopper"})
		_, err := s.Execute(t.Context(), srv.AddrPort().String(), model.Request{Work: model.WorkItem{Body: "id"}})
		require.ErrorContains(t, err, "not found")
		require.Equal(t, model.KindTransport, model.KindOf(err))
	})

	t.Run("invalid request", func(t *testing.T) {
		inv := &fakeInvoker{}
		srv := NewServer(remoteHandler("hopper", inv))
		t.Cleanup(srv.Close)

		s := newSSH(t, remote.Options{User: "ops", Password: "x"})
		_, err := s.Execute(t.Context(), srv.AddrPort().String(), model.Request{})
		require.ErrorContains(t, err, "request validation failed")
		require.Empty(t, inv.requests())
	})

	t.Run("connection refused", func(t *testing.T) {
		srv := NewServer(remoteHandler("hopper", &fakeInvoker{}))
		addr := srv.AddrPort().String()
		srv.Close()

		s := newSSH(t, remote.Options{User: "ops", Password: "x", DialTimeout: time.Second})
		_, err := s.Execute(t.Context(), addr, model.Request{Work: model.WorkItem{Body: "id"}})
		require.ErrorContains(t, err, "dialing")
	})
}

func TestExecuteCanceled(t *testing.T) {
	t.Parallel()
	srv := NewServer(func(s ssh.Session) {
		<-s.Context().Done()
	})
	t.Cleanup(srv.Close)

	s := newSSH(t, remote.Options{User: "ops", Password: "x"})
	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := s.Execute(ctx, srv.AddrPort().String(), model.Request{Work: model.WorkItem{Body: "sleep 60"}})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestBinaryQuoting(t *testing.T) {
	t.Parallel()
	const binary = "/opt/my tools/hopper"
	srv := NewServer(remoteHandler(binary, &fakeInvoker{}))
	t.Cleanup(srv.Close)

	s := newSSH(t, remote.Options{User: "ops", Password: "x", Binary: binary})
	res, err := s.Execute(t.Context(), srv.AddrPort().String(), model.Request{
		Work:  model.WorkItem{Body: "echo $using:name"},
		Using: map[string]any{"name": "quoted"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"quoted"}, res.Records)
}

func TestOptionsFrom(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	// client key
	_, clientKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := gossh.MarshalPrivateKey(clientKey, "")
	require.NoError(t, err)
	keyFile := filepath.Join(dir, "id_ed25519")
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(block), 0o600))
	clientSigner, err := gossh.NewSignerFromKey(clientKey)
	require.NoError(t, err)

	// host key
	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := gossh.NewSignerFromKey(hostKey)
	require.NoError(t, err)

	srv := NewUnstartedServer(remoteHandler("hopper", &fakeInvoker{}))
	srv.HostSigners = []ssh.Signer{hostSigner}
	srv.PublicKeyHandler = func(_ ssh.Context, key ssh.PublicKey) bool {
		return ssh.KeysEqual(key, clientSigner.PublicKey())
	}
	srv.Start()
	t.Cleanup(srv.Close)
	addr := srv.AddrPort()

	knownHosts := filepath.Join(dir, "known_hosts")
	line := knownhosts.Line([]string{addr.String()}, hostSigner.PublicKey())
	require.NoError(t, os.WriteFile(knownHosts, []byte(line+"\n"), 0o600))

	s := func(v string) *string { return &v }
	port := int(addr.Port())
	opts, err := remote.OptionsFrom(&model.Remote{
		User:       s("ops"),
		Port:       &port,
		KeyFile:    s(keyFile),
		KnownHosts: s(knownHosts),
	}, "")
	require.NoError(t, err)
	require.Equal(t, "ops", opts.User)
	require.Equal(t, model.DefaultRemoteBinary, opts.Binary)
	require.Equal(t, model.DefaultDialTimeout, opts.DialTimeout)
	require.Len(t, opts.Signers, 1)

	transport, err := remote.NewSSH(opts)
	require.NoError(t, err)
	res, err := transport.Execute(t.Context(), addr.Addr().String(), model.Request{
		Work:  model.WorkItem{Body: "echo $using:name"},
		Using: map[string]any{"name": "known"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"known"}, res.Records)

	t.Run("unknown host key", func(t *testing.T) {
		_, otherKey, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		otherSigner, err := gossh.NewSignerFromKey(otherKey)
		require.NoError(t, err)
		other := filepath.Join(t.TempDir(), "known_hosts")
		line := knownhosts.Line([]string{addr.String()}, otherSigner.PublicKey())
		require.NoError(t, os.WriteFile(other, []byte(line+"\n"), 0o600))

		opts, err := remote.OptionsFrom(&model.Remote{User: s("ops"), KeyFile: s(keyFile), KnownHosts: s(other)}, "")
		require.NoError(t, err)
		transport, err := remote.NewSSH(opts)
		require.NoError(t, err)
		_, err = transport.Execute(t.Context(), addr.String(), model.Request{Work: model.WorkItem{Body: "id"}})
		require.ErrorContains(t, err, "knownhosts: key mismatch")
	})

	t.Run("errors", func(t *testing.T) {
		_, err := remote.OptionsFrom(&model.Remote{KeyFile: s(filepath.Join(dir, "missing"))}, "")
		require.Error(t, err)
		_, err = remote.OptionsFrom(&model.Remote{KeyFile: s(knownHosts)}, "")
		require.Error(t, err)
		_, err = remote.OptionsFrom(&model.Remote{DialTimeout: s("later")}, "")
		require.Error(t, err)

		opts, err := remote.OptionsFrom(&model.Remote{InsecureIgnoreHostKey: func() *bool { b := true; return &b }()}, "")
		require.NoError(t, err)
		_, err = remote.NewSSH(opts)
		require.True(t, errors.Is(err, remote.ErrNoAuth))
	})
}
