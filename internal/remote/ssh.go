// Package remote carries a request to another host over SSH. The host runs
// its pre-deployed hopper binary with the _remote command, which reads one
// wire.Request from stdin and writes one wire.Response to stdout.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/CZERTAINLY/Hopper/internal/model"
	"github.com/CZERTAINLY/Hopper/internal/wire"
)

// Command is the hidden subcommand serving a remote request.
const Command = "_remote"

var ErrNoAuth = errors.New("no ssh authentication method configured")

type Options struct {
	User            string
	Port            int
	Password        string
	Signers         []ssh.Signer
	HostKeyCallback ssh.HostKeyCallback
	Binary          string
	DialTimeout     time.Duration
}

// OptionsFrom reads the remote section of the configuration. password may
// be empty.
func OptionsFrom(cfg *model.Remote, password string) (Options, error) {
	if cfg == nil {
		cfg = &model.Remote{}
	}
	opts := Options{
		User:     model.Get(cfg.User, ""),
		Port:     model.Get(cfg.Port, model.DefaultSSHPort),
		Password: password,
		Binary:   model.Get(cfg.Binary, model.DefaultRemoteBinary),
	}
	var err error
	if opts.DialTimeout, err = model.ParseDuration(cfg.DialTimeout, model.DefaultDialTimeout); err != nil {
		return Options{}, fmt.Errorf("parsing remote.dial_timeout: %w", err)
	}
	if opts.User == "" {
		if opts.User = os.Getenv("USER"); opts.User == "" {
			opts.User = os.Getenv("USERNAME")
		}
	}

	if path := model.Get(cfg.KeyFile, ""); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Options{}, fmt.Errorf("reading remote.key_file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(b)
		if err != nil {
			return Options{}, fmt.Errorf("parsing remote.key_file: %w", err)
		}
		opts.Signers = append(opts.Signers, signer)
	}

	switch {
	case model.Get(cfg.InsecureIgnoreHostKey, false):
		opts.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	default:
		path := model.Get(cfg.KnownHosts, "")
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return Options{}, fmt.Errorf("locating known_hosts: %w", err)
			}
			path = filepath.Join(home, ".ssh", "known_hosts")
		}
		cb, err := knownhosts.New(path)
		if err != nil {
			return Options{}, fmt.Errorf("reading remote.known_hosts: %w", err)
		}
		opts.HostKeyCallback = cb
	}
	return opts, nil
}

// SSH is the fan-out transport running requests through ssh sessions.
type SSH struct {
	opts Options
}

func NewSSH(opts Options) (*SSH, error) {
	if len(opts.Signers) == 0 && opts.Password == "" {
		return nil, ErrNoAuth
	}
	if opts.HostKeyCallback == nil {
		return nil, errors.New("ssh host key callback is nil")
	}
	if opts.Port == 0 {
		opts.Port = model.DefaultSSHPort
	}
	if opts.Binary == "" {
		opts.Binary = model.DefaultRemoteBinary
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = model.DefaultDialTimeout
	}
	return &SSH{opts: opts}, nil
}

// Execute runs req on host. Errors of the remote pipeline keep their kind,
// everything else is a transport error.
func (s *SSH) Execute(ctx context.Context, host string, req model.Request) (model.Result, error) {
	client, err := s.dial(ctx, host)
	if err != nil {
		return model.Result{}, err
	}
	defer func() {
		_ = client.Close()
	}()

	session, err := client.NewSession()
	if err != nil {
		return model.Result{}, fmt.Errorf("opening ssh session to %s: %w", host, err)
	}
	defer func() {
		_ = session.Close()
	}()

	var stdin, stdout, stderr bytes.Buffer
	if err := wire.Encode(&stdin, wire.NewRequest(req)); err != nil {
		return model.Result{}, fmt.Errorf("encoding request: %w", err)
	}
	session.Stdin = &stdin
	session.Stdout = &stdout
	session.Stderr = &stderr

	// closing the client unblocks Run
	stop := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})
	defer stop()

	command := shellQuote(s.opts.Binary) + " " + Command
	slog.DebugContext(ctx, "running remote command", "host", host, "command", command)
	runErr := session.Run(command)
	if ctx.Err() != nil {
		return model.Result{}, ctx.Err()
	}

	resp, err := wire.DecodeResponse(&stdout)
	if err != nil {
		if runErr != nil {
			return model.Result{}, fmt.Errorf("running %s on %s: %w: %s", command, host, runErr, strings.TrimSpace(stderr.String()))
		}
		return model.Result{}, fmt.Errorf("reading response of %s: %w", host, err)
	}
	return resp.Result()
}

func (s *SSH) dial(ctx context.Context, host string) (*ssh.Client, error) {
	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, strconv.Itoa(s.opts.Port))
	}

	auth := make([]ssh.AuthMethod, 0, 2)
	if len(s.opts.Signers) > 0 {
		auth = append(auth, ssh.PublicKeys(s.opts.Signers...))
	}
	if s.opts.Password != "" {
		auth = append(auth, ssh.Password(s.opts.Password))
	}
	config := &ssh.ClientConfig{
		User:            s.opts.User,
		Auth:            auth,
		HostKeyCallback: s.opts.HostKeyCallback,
		Timeout:         s.opts.DialTimeout,
	}

	dialer := net.Dialer{Timeout: s.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	// bound the handshake by ctx as well
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// shellQuote quotes s for a POSIX shell unless it is a plain word.
func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r == '/' || r == '.' || r == '-' || r == '_' || r == ':' || r == '\\' ||
			('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
