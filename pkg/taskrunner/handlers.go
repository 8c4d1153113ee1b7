package taskrunner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Built-in task types.
const (
	TypeEcho  = "echo"
	TypeSleep = "sleep"
	TypeExec  = "exec"
	TypeHTTP  = "http"
)

func builtinHandlers() map[string]Handler {
	return map[string]Handler{
		TypeEcho:  HandlerFunc(handleEcho),
		TypeSleep: HandlerFunc(handleSleep),
		TypeExec:  HandlerFunc(handleExec),
		TypeHTTP:  &HTTPHandler{Client: http.DefaultClient},

		TypeSSH:        SSHHandler{},
		TypeSFTPUpload: SFTPUploadHandler{},
	}
}

// EchoParameters configures the echo task.
type EchoParameters struct {
	// Value is returned as the task output.
	Value interface{} `json:"value"`

	// ResponseCode is reported with the result.
	ResponseCode string `json:"response_code,omitempty"`

	// Error fails the task with this message.
	Error string `json:"error,omitempty"`
}

func handleEcho(_ context.Context, req *Request) (*Output, error) {
	var p EchoParameters
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	out := &Output{Data: p.Value, ResponseCode: p.ResponseCode}
	if p.Error != "" {
		return out, errors.New(p.Error)
	}
	return out, nil
}

// SleepParameters configures the sleep task.
type SleepParameters struct {
	// Duration is a Go duration to wait.
	Duration string `json:"duration"`

	// Value is returned once the wait is over.
	Value interface{} `json:"value,omitempty"`
}

func handleSleep(ctx context.Context, req *Request) (*Output, error) {
	var p SleepParameters
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	d, err := time.ParseDuration(p.Duration)
	if err != nil {
		return nil, fmt.Errorf("invalid duration %q: %w", p.Duration, err)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return &Output{Data: p.Value}, nil
	}
}

// ExecParameters configures the exec task.
type ExecParameters struct {
	// Command is run through Shell unless Args are given.
	Command string `json:"command"`

	// Args run Command directly with these arguments.
	Args []string `json:"args,omitempty"`

	// Shell defaults to /bin/sh.
	Shell string `json:"shell,omitempty"`

	// WorkDir is the working directory.
	WorkDir string `json:"work_dir,omitempty"`

	// Env replaces the environment when set.
	Env map[string]string `json:"env,omitempty"`
}

// ExecResult is the output of the exec task.
type ExecResult struct {
	ExitCode int     `json:"exit_code"`
	Stdout   string  `json:"stdout"`
	Stderr   string  `json:"stderr"`
	Duration float64 `json:"duration"`
}

func handleExec(ctx context.Context, req *Request) (*Output, error) {
	var p ExecParameters
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	shell := p.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	var cmd *exec.Cmd
	if len(p.Args) > 0 {
		cmd = exec.CommandContext(ctx, p.Command, p.Args...)
	} else {
		cmd = exec.CommandContext(ctx, shell, "-c", p.Command)
	}
	if p.WorkDir != "" {
		cmd.Dir = p.WorkDir
	}
	if len(p.Env) > 0 {
		env := make([]string, 0, len(p.Env))
		for k, v := range p.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start).Seconds(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute command: %w", err)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	out := &Output{Data: result, ResponseCode: strconv.Itoa(result.ExitCode)}
	if result.ExitCode != 0 {
		return out, fmt.Errorf("command exited with code %d", result.ExitCode)
	}
	return out, nil
}

// HTTPParameters configures the http task.
type HTTPParameters struct {
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// HTTPResult is the output of the http task.
type HTTPResult struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body"`
}

// HTTPHandler performs one HTTP request. The status code is the response
// code; 5xx responses fail the task.
type HTTPHandler struct {
	Client *http.Client
}

// Handle performs the request.
func (h *HTTPHandler) Handle(ctx context.Context, req *Request) (*Output, error) {
	var p HTTPParameters
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	method := strings.ToUpper(p.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if p.Body != "" {
		body = strings.NewReader(p.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, p.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range p.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := h.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	result := &HTTPResult{Status: resp.StatusCode, Body: string(data), Headers: make(map[string]string)}
	for k := range resp.Header {
		result.Headers[k] = resp.Header.Get(k)
	}

	out := &Output{Data: result, ResponseCode: strconv.Itoa(resp.StatusCode)}
	if resp.StatusCode >= http.StatusInternalServerError {
		return out, fmt.Errorf("server responded %s", resp.Status)
	}
	return out, nil
}
