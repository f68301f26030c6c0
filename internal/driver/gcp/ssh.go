package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// remoteShell runs one command on a remote host and reports its exit
// status.  err is reserved for failures to run the command at all.
type remoteShell interface {
	Run(ctx context.Context, addr, user, command string, stdout, stderr io.Writer) (exitCode int, err error)
}

type sshShell struct {
	signer   ssh.Signer
	port     int
	hostKeys ssh.HostKeyCallback
}

func hostKeyCallback(knownHostsPath string) (ssh.HostKeyCallback, error) {
	if knownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("loading known hosts %s: %w", knownHostsPath, err)
	}
	return cb, nil
}

func (s *sshShell) Run(ctx context.Context, addr, user, command string, stdout, stderr io.Writer) (int, error) {
	hostport := net.JoinHostPort(addr, strconv.Itoa(s.port))

	dialer := net.Dialer{Timeout: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", hostport)
	if err != nil {
		return -1, fmt.Errorf("dial %s: %w", hostport, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, hostport, &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(s.signer)},
		HostKeyCallback: s.hostKeys,
		Timeout:         30 * time.Second,
	})
	if err != nil {
		conn.Close()
		return -1, fmt.Errorf("ssh handshake with %s: %w", hostport, err)
	}
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return -1, fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	session.Stdout = stdout
	session.Stderr = stderr

	// Closing the connection is the only reliable way to unblock Run;
	// the signal is best-effort as many sshd builds ignore it.
	stop := context.AfterFunc(ctx, func() {
		_ = session.Signal(ssh.SIGKILL)
		_ = client.Close()
	})
	defer stop()

	err = session.Run(command)
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		return 0, nil
	case errors.As(err, &exitErr):
		return exitErr.ExitStatus(), nil
	default:
		return -1, err
	}
}
