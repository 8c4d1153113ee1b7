package taskrunner

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/orchestra/pkg/codec"
	"github.com/openfroyo/orchestra/pkg/engine"
)

func TestSSHTarget_Validate(t *testing.T) {
	tests := []struct {
		name    string
		target  SSHTarget
		wantErr string
	}{
		{
			name:   "password",
			target: SSHTarget{Host: "example.com", User: "deploy", Password: "secret"},
		},
		{
			name:   "key",
			target: SSHTarget{Host: "example.com", Port: 2222, User: "deploy", PrivateKeyPath: "/tmp/key"},
		},
		{
			name:    "missing host",
			target:  SSHTarget{User: "deploy", Password: "secret"},
			wantErr: "host is required",
		},
		{
			name:    "missing user",
			target:  SSHTarget{Host: "example.com", Password: "secret"},
			wantErr: "user is required",
		},
		{
			name:    "invalid port",
			target:  SSHTarget{Host: "example.com", Port: 70000, User: "deploy", Password: "secret"},
			wantErr: "invalid port",
		},
		{
			name:    "no credentials",
			target:  SSHTarget{Host: "example.com", User: "deploy"},
			wantErr: "password or private_key_path is required",
		},
		{
			name:    "both credentials",
			target:  SSHTarget{Host: "example.com", User: "deploy", Password: "secret", PrivateKeyPath: "/tmp/key"},
			wantErr: "mutually exclusive",
		},
		{
			name:    "invalid connect timeout",
			target:  SSHTarget{Host: "example.com", User: "deploy", Password: "secret", ConnectTimeout: "soon"},
			wantErr: "invalid connect_timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.target.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSSHTarget_Address(t *testing.T) {
	target := SSHTarget{Host: "example.com"}
	if got := target.Address(); got != "example.com:22" {
		t.Errorf("Expected example.com:22, got %s", got)
	}
	target.Port = 2222
	if got := target.Address(); got != "example.com:2222" {
		t.Errorf("Expected example.com:2222, got %s", got)
	}
}

func TestSSHTarget_ClientConfig(t *testing.T) {
	t.Run("password", func(t *testing.T) {
		target := SSHTarget{Host: "example.com", User: "deploy", Password: "secret", ConnectTimeout: "5s"}
		cfg, err := target.ClientConfig()
		if err != nil {
			t.Fatalf("Failed to build client config: %v", err)
		}
		if cfg.User != "deploy" {
			t.Errorf("Expected user deploy, got %s", cfg.User)
		}
		// Password and keyboard-interactive.
		if len(cfg.Auth) != 2 {
			t.Errorf("Expected 2 auth methods, got %d", len(cfg.Auth))
		}
		if cfg.Timeout != 5*time.Second {
			t.Errorf("Expected timeout 5s, got %v", cfg.Timeout)
		}
	})

	t.Run("private key", func(t *testing.T) {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatalf("Failed to generate key: %v", err)
		}
		block, err := ssh.MarshalPrivateKey(priv, "")
		if err != nil {
			t.Fatalf("Failed to marshal key: %v", err)
		}
		keyPath := filepath.Join(t.TempDir(), "id_ed25519")
		if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
			t.Fatalf("Failed to write key: %v", err)
		}

		target := SSHTarget{Host: "example.com", User: "deploy", PrivateKeyPath: keyPath}
		cfg, err := target.ClientConfig()
		if err != nil {
			t.Fatalf("Failed to build client config: %v", err)
		}
		if len(cfg.Auth) != 1 {
			t.Errorf("Expected 1 auth method, got %d", len(cfg.Auth))
		}
		if cfg.Timeout != defaultConnectTimeout {
			t.Errorf("Expected default timeout, got %v", cfg.Timeout)
		}
	})

	t.Run("unreadable key", func(t *testing.T) {
		target := SSHTarget{Host: "example.com", User: "deploy", PrivateKeyPath: filepath.Join(t.TempDir(), "missing")}
		if _, err := target.ClientConfig(); err == nil {
			t.Error("Expected error for a missing key file")
		}
	})

	t.Run("invalid key", func(t *testing.T) {
		keyPath := filepath.Join(t.TempDir(), "garbage")
		if err := os.WriteFile(keyPath, []byte("not a key"), 0o600); err != nil {
			t.Fatalf("Failed to write key: %v", err)
		}
		target := SSHTarget{Host: "example.com", User: "deploy", PrivateKeyPath: keyPath}
		if _, err := target.ClientConfig(); err == nil {
			t.Error("Expected error for an invalid key")
		}
	})

	t.Run("missing known hosts", func(t *testing.T) {
		target := SSHTarget{
			Host:           "example.com",
			User:           "deploy",
			Password:       "secret",
			KnownHostsPath: filepath.Join(t.TempDir(), "known_hosts"),
		}
		if _, err := target.ClientConfig(); err == nil {
			t.Error("Expected error for a missing known_hosts file")
		}
	})
}

// closedAddr returns a local address nothing listens on.
func closedAddr(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()
	return addr.IP.String(), addr.Port
}

func TestLocal_SSHUnreachable(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	l := NewLocal()
	l.Bind(rec)
	defer l.Close(ctx)

	host, port := closedAddr(t)
	req := request(t, TypeSSH, SSHParameters{
		SSHTarget: SSHTarget{Host: host, Port: port, User: "deploy", Password: "secret", ConnectTimeout: "1s"},
		Command:   "uptime",
	})
	if _, err := l.Submit(ctx, req, "token-ssh"); err != nil {
		t.Fatalf("Failed to submit: %v", err)
	}

	d := rec.wait(t)
	if d.result.Stage != engine.TaskStageFailed {
		t.Fatalf("Expected FAILED, got %s", d.result.Stage)
	}
	if !strings.Contains(d.result.Error, "failed to connect") {
		t.Errorf("Expected a connection error, got %q", d.result.Error)
	}
}

func TestSSHHandler_InvalidParameters(t *testing.T) {
	tests := []struct {
		name    string
		params  SSHParameters
		wantErr string
	}{
		{
			name:    "invalid target",
			params:  SSHParameters{Command: "uptime"},
			wantErr: "host is required",
		},
		{
			name: "missing command",
			params: SSHParameters{
				SSHTarget: SSHTarget{Host: "example.com", User: "deploy", Password: "secret"},
			},
			wantErr: "command is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := codec.JSON{}.Encode(tt.params)
			if err != nil {
				t.Fatalf("Failed to encode parameters: %v", err)
			}
			_, err = SSHHandler{}.Handle(context.Background(), &Request{Type: TypeSSH, Parameters: data, codec: codec.JSON{}})
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSFTPUploadHandler_InvalidParameters(t *testing.T) {
	target := SSHTarget{Host: "example.com", User: "deploy", Password: "secret"}
	tests := []struct {
		name    string
		params  SFTPUploadParameters
		wantErr string
	}{
		{
			name:    "missing remote path",
			params:  SFTPUploadParameters{SSHTarget: target, Content: "x"},
			wantErr: "remote_path is required",
		},
		{
			name:    "invalid mode",
			params:  SFTPUploadParameters{SSHTarget: target, RemotePath: "/etc/motd", Mode: "rw-r--r--"},
			wantErr: "invalid mode",
		},
		{
			name:    "missing local file",
			params:  SFTPUploadParameters{SSHTarget: target, RemotePath: "/etc/motd", LocalPath: "/nonexistent/motd"},
			wantErr: "failed to read local file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := codec.JSON{}.Encode(tt.params)
			if err != nil {
				t.Fatalf("Failed to encode parameters: %v", err)
			}
			_, err = SFTPUploadHandler{}.Handle(context.Background(), &Request{Type: TypeSFTPUpload, Parameters: data, codec: codec.JSON{}})
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLocal_RemoteTypesRegistered(t *testing.T) {
	types := strings.Join(NewLocal().Types(), ",")
	for _, typ := range []string{TypeSSH, TypeSFTPUpload} {
		if !strings.Contains(types, typ) {
			t.Errorf("Expected %s to be registered, got %s", typ, types)
		}
	}
}
