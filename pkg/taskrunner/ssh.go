package taskrunner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Remote task types.
const (
	TypeSSH        = "ssh"
	TypeSFTPUpload = "sftp_upload"
)

const (
	defaultSSHPort        = 22
	defaultConnectTimeout = 30 * time.Second
)

// SSHTarget addresses a remote host. Exactly one of Password and
// PrivateKeyPath authenticates the session.
type SSHTarget struct {
	Host string `json:"host"`
	Port int    `json:"port,omitempty"`
	User string `json:"user"`

	Password             string `json:"password,omitempty"`
	PrivateKeyPath       string `json:"private_key_path,omitempty"`
	PrivateKeyPassphrase string `json:"private_key_passphrase,omitempty"`

	// KnownHostsPath enables host key checking against that file. Without
	// it any host key is accepted.
	KnownHostsPath string `json:"known_hosts_path,omitempty"`

	// ConnectTimeout is a Go duration; it defaults to 30s.
	ConnectTimeout string `json:"connect_timeout,omitempty"`
}

// Validate checks the target.
func (t *SSHTarget) Validate() error {
	if t.Host == "" {
		return fmt.Errorf("host is required")
	}
	if t.User == "" {
		return fmt.Errorf("user is required")
	}
	if t.Port < 0 || t.Port > 65535 {
		return fmt.Errorf("invalid port: %d", t.Port)
	}
	if t.Password == "" && t.PrivateKeyPath == "" {
		return fmt.Errorf("password or private_key_path is required")
	}
	if t.Password != "" && t.PrivateKeyPath != "" {
		return fmt.Errorf("password and private_key_path are mutually exclusive")
	}
	if t.ConnectTimeout != "" {
		if _, err := time.ParseDuration(t.ConnectTimeout); err != nil {
			return fmt.Errorf("invalid connect_timeout %q: %w", t.ConnectTimeout, err)
		}
	}
	return nil
}

// Address returns host:port.
func (t *SSHTarget) Address() string {
	port := t.Port
	if port == 0 {
		port = defaultSSHPort
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// ClientConfig builds the ssh client configuration of the target.
func (t *SSHTarget) ClientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if t.Password != "" {
		auth = append(auth, ssh.Password(t.Password))
		// Many servers only offer the interactive "Password:" prompt.
		auth = append(auth, ssh.KeyboardInteractive(
			func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = t.Password
				}
				return answers, nil
			},
		))
	} else {
		keyBytes, err := os.ReadFile(t.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		var signer ssh.Signer
		if t.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(t.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if t.KnownHostsPath != "" {
		var err error
		hostKeyCallback, err = knownhosts.New(t.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	}

	timeout := defaultConnectTimeout
	if t.ConnectTimeout != "" {
		timeout, _ = time.ParseDuration(t.ConnectTimeout)
	}

	return &ssh.ClientConfig{
		User:            t.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

// dial connects to the target, giving up when ctx is done.
func (t *SSHTarget) dial(ctx context.Context) (*ssh.Client, error) {
	cfg, err := t.ClientConfig()
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", t.Address())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", t.Address(), err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, t.Address(), cfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", t.Address(), err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// SSHParameters configures the ssh task.
type SSHParameters struct {
	SSHTarget

	// Command runs in a session on the target.
	Command string `json:"command"`

	// Env is requested for the session; servers may refuse variables.
	Env map[string]string `json:"env,omitempty"`

	// Sudo prefixes the command with non-interactive sudo.
	Sudo bool `json:"sudo,omitempty"`
}

// SSHHandler runs a command on a remote host. The exit status is the
// response code and a non-zero status fails the task.
type SSHHandler struct{}

// Handle runs the command.
func (SSHHandler) Handle(ctx context.Context, req *Request) (*Output, error) {
	var p SSHParameters
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.Command == "" {
		return nil, fmt.Errorf("command is required")
	}
	logger := zerolog.Ctx(ctx)

	client, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	for k, v := range p.Env {
		if err := session.Setenv(k, v); err != nil {
			logger.Warn().Err(err).Str("name", k).Msg("Remote host refused environment variable")
		}
	}

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	command := p.Command
	if p.Sudo {
		command = "sudo -n " + command
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = client.Close()
		<-done
		return nil, ctx.Err()
	case runErr = <-done:
	}

	result := &ExecResult{
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
		Duration: time.Since(start).Seconds(),
	}
	if runErr != nil {
		var exitErr *ssh.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("failed to run command on %s: %w", p.Address(), runErr)
		}
		result.ExitCode = exitErr.ExitStatus()
	}

	logger.Debug().
		Str("address", p.Address()).
		Int("exit_code", result.ExitCode).
		Float64("duration", result.Duration).
		Msg("Remote command completed")

	out := &Output{Data: result, ResponseCode: strconv.Itoa(result.ExitCode)}
	if result.ExitCode != 0 {
		return out, fmt.Errorf("remote command exited with code %d", result.ExitCode)
	}
	return out, nil
}

// SFTPUploadParameters configures the sftp_upload task.
type SFTPUploadParameters struct {
	SSHTarget

	// RemotePath is the file written on the target. Parent directories are
	// created.
	RemotePath string `json:"remote_path"`

	// Content is written verbatim. LocalPath is read instead when set.
	Content   string `json:"content,omitempty"`
	LocalPath string `json:"local_path,omitempty"`

	// Mode is an octal permission string such as "0644".
	Mode string `json:"mode,omitempty"`
}

// UploadResult is the output of the sftp_upload task.
type UploadResult struct {
	RemotePath string  `json:"remote_path"`
	Bytes      int64   `json:"bytes"`
	Duration   float64 `json:"duration"`
}

// SFTPUploadHandler writes a file to a remote host.
type SFTPUploadHandler struct{}

// Handle uploads the file.
func (SFTPUploadHandler) Handle(ctx context.Context, req *Request) (*Output, error) {
	var p SFTPUploadParameters
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.RemotePath == "" {
		return nil, fmt.Errorf("remote_path is required")
	}
	var mode os.FileMode
	if p.Mode != "" {
		m, err := strconv.ParseUint(p.Mode, 8, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid mode %q: %w", p.Mode, err)
		}
		mode = os.FileMode(m)
	}

	content := []byte(p.Content)
	if p.LocalPath != "" {
		data, err := os.ReadFile(p.LocalPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read local file: %w", err)
		}
		content = data
	}

	client, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	sc, err := sftp.NewClient(client)
	if err != nil {
		return nil, fmt.Errorf("failed to create SFTP client: %w", err)
	}
	defer sc.Close()

	start := time.Now()
	if err := sc.MkdirAll(path.Dir(p.RemotePath)); err != nil {
		return nil, fmt.Errorf("failed to create remote directory: %w", err)
	}
	f, err := sc.Create(p.RemotePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create remote file: %w", err)
	}
	n, err := f.ReadFrom(bytes.NewReader(content))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write remote file: %w", err)
	}
	if mode != 0 {
		if err := sc.Chmod(p.RemotePath, mode); err != nil {
			return nil, fmt.Errorf("failed to set permissions: %w", err)
		}
	}

	result := &UploadResult{RemotePath: p.RemotePath, Bytes: n, Duration: time.Since(start).Seconds()}
	zerolog.Ctx(ctx).Debug().
		Str("address", p.Address()).
		Str("remote_path", p.RemotePath).
		Int64("bytes", n).
		Msg("File uploaded")
	return &Output{Data: result}, nil
}
