package taskrunner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/openfroyo/orchestra/pkg/codec"
	"github.com/openfroyo/orchestra/pkg/engine"
)

type delivery struct {
	token  string
	result engine.TaskResult
}

// recorder is a TaskCallback that forwards results to a channel.
type recorder struct {
	ch chan delivery
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan delivery, 16)}
}

func (r *recorder) NotifyTaskResult(_ context.Context, token string, result engine.TaskResult) error {
	r.ch <- delivery{token: token, result: result}
	return nil
}

func (r *recorder) wait(t *testing.T) delivery {
	t.Helper()
	select {
	case d := <-r.ch:
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for a task result")
		return delivery{}
	}
}

func request(t *testing.T, typ string, params interface{}) engine.TaskRequest {
	t.Helper()
	data, err := codec.JSON{}.Encode(params)
	if err != nil {
		t.Fatalf("Failed to encode parameters: %v", err)
	}
	return engine.TaskRequest{Type: typ, Parameters: data}
}

func TestLocal_Echo(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	l := NewLocal()
	l.Bind(rec)
	defer l.Close(ctx)

	id, err := l.Submit(ctx, request(t, TypeEcho, EchoParameters{Value: "hello", ResponseCode: "200"}), "token-1")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	d := rec.wait(t)
	if d.token != "token-1" {
		t.Errorf("Expected token token-1, got %s", d.token)
	}
	if d.result.TaskID != id || d.result.Stage != engine.TaskStageSucceeded {
		t.Errorf("Expected SUCCEEDED result for %s, got %+v", id, d.result)
	}
	if d.result.ResponseCode != "200" {
		t.Errorf("Expected response code 200, got %s", d.result.ResponseCode)
	}
	var v string
	if err := json.Unmarshal(d.result.Data, &v); err != nil || v != "hello" {
		t.Errorf("Expected data hello, got %s (%v)", d.result.Data, err)
	}

	stage, err := l.PollProgress(ctx, id)
	if err != nil || stage != engine.TaskStageSucceeded {
		t.Errorf("Expected SUCCEEDED stage, got %s %v", stage, err)
	}
}

func TestLocal_EchoError(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	l := NewLocal()
	l.Bind(rec)
	defer l.Close(ctx)

	if _, err := l.Submit(ctx, request(t, TypeEcho, EchoParameters{Error: "boom"}), "t"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	d := rec.wait(t)
	if d.result.Stage != engine.TaskStageFailed || d.result.Error != "boom" {
		t.Errorf("Expected FAILED with boom, got %+v", d.result)
	}
}

func TestLocal_UnknownType(t *testing.T) {
	l := NewLocal()
	l.Bind(newRecorder())
	_, err := l.Submit(context.Background(), engine.TaskRequest{Type: "teleport"}, "t")
	if !engine.HasCode(err, engine.ErrCodeValidation) {
		t.Errorf("Expected VALIDATION error, got %v", err)
	}
}

func TestLocal_RequiresCallback(t *testing.T) {
	l := NewLocal()
	if _, err := l.Submit(context.Background(), engine.TaskRequest{Type: TypeEcho}, "t"); err == nil {
		t.Error("Expected an error without a bound callback")
	}
}

func TestLocal_Cancel(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	l := NewLocal()
	l.Bind(rec)
	defer l.Close(ctx)

	id, err := l.Submit(ctx, request(t, TypeSleep, SleepParameters{Duration: "1m"}), "t")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	stage, err := l.Cancel(ctx, id)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if stage.IsFinal() {
		t.Errorf("Expected a live stage at cancellation, got %s", stage)
	}

	d := rec.wait(t)
	if d.result.Stage != engine.TaskStageCancelled {
		t.Errorf("Expected CANCELLED, got %s", d.result.Stage)
	}

	stage, _ = l.Cancel(ctx, id)
	if stage != engine.TaskStageCancelled {
		t.Errorf("Expected a second cancel to report CANCELLED, got %s", stage)
	}
}

func TestLocal_Timeout(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	l := NewLocal()
	l.Bind(rec)
	defer l.Close(ctx)

	req := request(t, TypeSleep, SleepParameters{Duration: "1m"})
	req.Timeout = 20 * time.Millisecond
	if _, err := l.Submit(ctx, req, "t"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	d := rec.wait(t)
	if d.result.Stage != engine.TaskStageFailed || d.result.Error != "task timed out" {
		t.Errorf("Expected timed out failure, got %+v", d.result)
	}
}

func TestLocal_PollUnknown(t *testing.T) {
	l := NewLocal()
	stage, err := l.PollProgress(context.Background(), "missing")
	if err != nil || stage != engine.TaskStageUnknown {
		t.Errorf("Expected UNKNOWN, got %s %v", stage, err)
	}
}

func TestLocal_Exec(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	l := NewLocal()
	l.Bind(rec)
	defer l.Close(ctx)

	if _, err := l.Submit(ctx, request(t, TypeExec, ExecParameters{Command: "echo out; exit 3"}), "t"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	d := rec.wait(t)
	if d.result.Stage != engine.TaskStageFailed || d.result.ResponseCode != "3" {
		t.Fatalf("Expected FAILED with code 3, got %+v", d.result)
	}
	var res ExecResult
	if err := json.Unmarshal(d.result.Data, &res); err != nil {
		t.Fatalf("Expected exec result, got: %v", err)
	}
	if res.Stdout != "out\n" {
		t.Errorf("Expected stdout out, got %q", res.Stdout)
	}
}

func TestLocal_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/down" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("made"))
	}))
	defer srv.Close()

	tests := []struct {
		path      string
		wantStage engine.TaskStage
		wantCode  string
	}{
		{"/ok", engine.TaskStageSucceeded, "201"},
		{"/down", engine.TaskStageFailed, "503"},
	}

	ctx := context.Background()
	rec := newRecorder()
	l := NewLocal()
	l.Bind(rec)
	defer l.Close(ctx)

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if _, err := l.Submit(ctx, request(t, TypeHTTP, HTTPParameters{Method: "post", URL: srv.URL + tt.path}), "t"); err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			d := rec.wait(t)
			if d.result.Stage != tt.wantStage || d.result.ResponseCode != tt.wantCode {
				t.Errorf("Expected %s/%s, got %s/%s", tt.wantStage, tt.wantCode, d.result.Stage, d.result.ResponseCode)
			}
		})
	}
}

func TestLocal_Closed(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()
	l.Bind(newRecorder())
	if err := l.Close(ctx); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	_, err := l.Submit(ctx, engine.TaskRequest{Type: TypeEcho}, "t")
	if !engine.IsTransient(err) {
		t.Errorf("Expected a transient error after close, got %v", err)
	}
}
