// Package transport runs shell commands and copies files over an
// authenticated SSH session. It is the single remote touchpoint for
// the remote scanner and the remote checksum provider.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const (
	// DefaultConnectTimeout bounds session establishment.
	DefaultConnectTimeout = 30 * time.Second
	// DefaultCommandTimeout bounds a single remote command.
	DefaultCommandTimeout = 180 * time.Second
)

var (
	ErrConnect = errors.New("transport: connect failed")
	ErrCommand = errors.New("transport: remote command failed")
	ErrCopy    = errors.New("transport: copy failed")
)

// Config selects the remote endpoint and auth method. Password auth is
// used when Password is set and UseKey is false; otherwise key auth
// with KeyFile (or the default agent-less probing of common key paths
// is left to the caller by passing an explicit path).
type Config struct {
	Address  string
	Port     int
	Username string
	Password string
	UseKey   bool
	KeyFile  string

	ConnectTimeout time.Duration
	CommandTimeout time.Duration
}

func (c Config) connectTimeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return DefaultConnectTimeout
}

func (c Config) commandTimeout() time.Duration {
	if c.CommandTimeout > 0 {
		return c.CommandTimeout
	}
	return DefaultCommandTimeout
}

// Client is a lazily-connected SSH client. Sessions are cheap once the
// connection is up; the connection is re-established transparently
// after a drop.
type Client struct {
	cfg Config

	mut  sync.Mutex
	conn *ssh.Client
}

func NewClient(cfg Config) *Client {
	return &Client{cfg: cfg}
}

func (c *Client) authMethods() ([]ssh.AuthMethod, error) {
	if !c.cfg.UseKey {
		return []ssh.AuthMethod{ssh.Password(c.cfg.Password)}, nil
	}
	key, err := os.ReadFile(c.cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: reading key: %w", ErrConnect, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing key: %w", ErrConnect, err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

func (c *Client) connection() (*ssh.Client, error) {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}

	auth, err := c.authMethods()
	if err != nil {
		return nil, err
	}
	conf := &ssh.ClientConfig{
		User:            c.cfg.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.cfg.connectTimeout(),
	}
	addr := net.JoinHostPort(c.cfg.Address, strconv.Itoa(c.cfg.Port))
	conn, err := ssh.Dial("tcp", addr, conf)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, addr, err)
	}
	c.conn = conn
	return conn, nil
}

func (c *Client) dropConnection() {
	c.mut.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mut.Unlock()
}

// Shell runs a command on the remote host and returns its stdout with
// CRLF normalized and surrounding whitespace trimmed. The command is
// bounded by the command timeout and the context, whichever fires
// first. A non-zero exit status is an ErrCommand carrying stderr.
func (c *Client) Shell(ctx context.Context, command string) ([]byte, error) {
	if command == "" {
		return nil, fmt.Errorf("%w: empty command", ErrCommand)
	}
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}
	session, err := conn.NewSession()
	if err != nil {
		// Stale connection; reconnect once.
		c.dropConnection()
		conn, err = c.connection()
		if err != nil {
			return nil, err
		}
		session, err = conn.NewSession()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCommand, err)
		}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	ctx, cancel := context.WithTimeout(ctx, c.cfg.commandTimeout())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		session.Close()
		c.dropConnection()
		return nil, fmt.Errorf("%w: timed out: %s", ErrCommand, command)
	case err := <-done:
		if err != nil {
			msg := bytes.TrimSpace(stderr.Bytes())
			if len(msg) == 0 {
				msg = []byte(err.Error())
			}
			return nil, fmt.Errorf("%w: %s", ErrCommand, msg)
		}
	}

	out := bytes.ReplaceAll(stdout.Bytes(), []byte("\r\n"), []byte("\n"))
	return bytes.TrimSpace(out), nil
}

// Copy uploads a local file to the remote path over SFTP.
func (c *Client) Copy(ctx context.Context, localPath, remotePath string) error {
	if localPath == "" || remotePath == "" {
		return fmt.Errorf("%w: empty path", ErrCopy)
	}
	conn, err := c.connection()
	if err != nil {
		return err
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		c.dropConnection()
		return fmt.Errorf("%w: %w", ErrCopy, err)
	}
	defer client.Close()

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCopy, err)
	}
	defer src.Close()

	dst, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCopy, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("%w: %w", ErrCopy, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrCopy, err)
	}
	// Scan scripts must be executable; best effort, some servers
	// reject chmod over SFTP.
	_ = client.Chmod(remotePath, 0o755)
	return ctx.Err()
}

// FetchRange downloads exactly [offset, offset+size) of a remote file
// into the same range of the local file, which must already exist.
// This is the byte-range repair primitive behind corrupt-chunk
// redownloads.
func (c *Client) FetchRange(ctx context.Context, remotePath, localPath string, offset, size int64) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		c.dropConnection()
		return fmt.Errorf("%w: %w", ErrCopy, err)
	}
	defer client.Close()

	src, err := client.Open(remotePath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCopy, err)
	}
	defer src.Close()
	if _, err := src.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("%w: %w", ErrCopy, err)
	}

	dst, err := os.OpenFile(localPath, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCopy, err)
	}
	defer dst.Close()
	if _, err := dst.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("%w: %w", ErrCopy, err)
	}

	if _, err := io.CopyN(dst, src, size); err != nil {
		return fmt.Errorf("%w: range %d+%d of %s: %w", ErrCopy, offset, size, remotePath, err)
	}
	if err := dst.Sync(); err != nil {
		return fmt.Errorf("%w: %w", ErrCopy, err)
	}
	return ctx.Err()
}

// Close tears down the connection; subsequent calls reconnect.
func (c *Client) Close() error {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
