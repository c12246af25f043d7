package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"reflect"
	"strings"
	"testing"
	"time"

	"inferd/pkg/types"
)

func TestE2E_NotReady(t *testing.T) {
	s := newStack(t)

	resp, body := s.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusServiceUnavailable || string(body) != "loading" {
		t.Fatalf("/health %d %q", resp.StatusCode, body)
	}
	resp, body = s.do(t, http.MethodPost, "/v1/chat/completions", userRequest("hi"))
	if resp.StatusCode != http.StatusServiceUnavailable || !strings.Contains(string(body), `"detail":"Model is still loading"`) {
		t.Fatalf("completions %d %s", resp.StatusCode, body)
	}
	resp, _ = s.do(t, http.MethodPost, "/v1/tasks/create", userRequest("hi"))
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("create %d", resp.StatusCode)
	}
	if n := s.reg.Len(); n != 0 {
		t.Fatalf("registry should be empty, has %d", n)
	}
}

func TestE2E_TaskLifecycle(t *testing.T) {
	s := newStack(t)
	s.markReady(t)

	resp, body := s.do(t, http.MethodPost, "/v1/tasks/create", userRequest("write a haiku"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create %d %s", resp.StatusCode, body)
	}
	var created types.TaskResponse
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("json: %v", err)
	}
	if created.TaskID == "" || created.Status != "processing" {
		t.Fatalf("created=%+v", created)
	}

	resp, body = s.do(t, http.MethodGet, "/v1/tasks/"+created.TaskID, nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"status":"processing"`) {
		t.Fatalf("poll before completion: %d %s", resp.StatusCode, body)
	}

	close(s.backend.genGate)

	var got types.TaskResponse
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, body = s.do(t, http.MethodGet, "/v1/tasks/"+created.TaskID, nil)
		got = types.TaskResponse{}
		if err := json.Unmarshal(body, &got); err != nil {
			t.Fatalf("json: %v", err)
		}
		if got.Status != "processing" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("task did not complete")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got.Status != "completed" || got.Result == nil {
		t.Fatalf("final=%s", body)
	}
	if !reflect.DeepEqual(*got.Result, s.backend.result) {
		t.Fatalf("result not relayed unchanged:\n got %+v\nwant %+v", *got.Result, s.backend.result)
	}
}

func TestE2E_UnknownTaskIs404(t *testing.T) {
	s := newStack(t)
	s.markReady(t)
	close(s.backend.genGate)
	s.do(t, http.MethodPost, "/v1/tasks/create", userRequest("x"))

	resp, body := s.do(t, http.MethodGet, "/v1/tasks/does-not-exist", nil)
	if resp.StatusCode != http.StatusNotFound || strings.TrimSpace(string(body)) != `{"detail":"Task not found"}` {
		t.Fatalf("%d %s", resp.StatusCode, body)
	}
}

func TestE2E_SweepWhileGenerating(t *testing.T) {
	s := newStack(t)
	s.markReady(t)

	_, body := s.do(t, http.MethodPost, "/v1/tasks/create", userRequest("long job"))
	var created types.TaskResponse
	_ = json.Unmarshal(body, &created)

	deadline := time.Now().Add(2 * time.Second)
	for s.backend.generations() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("generation never started")
		}
		time.Sleep(time.Millisecond)
	}
	if n := s.reg.SweepExpired(time.Now().Add(time.Millisecond), 0); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}

	resp, _ := s.do(t, http.MethodGet, "/v1/tasks/"+created.TaskID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expired task: status=%d", resp.StatusCode)
	}

	// the late terminal write must not resurrect the record
	close(s.backend.genGate)
	time.Sleep(20 * time.Millisecond)
	resp, _ = s.do(t, http.MethodGet, "/v1/tasks/"+created.TaskID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("after late completion: status=%d", resp.StatusCode)
	}
}

func TestE2E_SyncCompletion(t *testing.T) {
	s := newStack(t)
	s.markReady(t)
	close(s.backend.genGate)

	resp, body := s.do(t, http.MethodPost, "/v1/chat/completions", userRequest("hi"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("%d %s", resp.StatusCode, body)
	}
	var res types.CompletionResult
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("json: %v", err)
	}
	if !reflect.DeepEqual(res, s.backend.result) {
		t.Fatalf("got %+v", res)
	}
}

func TestE2E_RequiresAPIKey(t *testing.T) {
	s := newStack(t)
	resp, err := http.Get(s.srv.URL + "/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	resp, err = http.Get(s.srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		t.Fatal("/health must be open")
	}
}

func TestE2E_StatusReflectsTasks(t *testing.T) {
	s := newStack(t)
	s.markReady(t)
	for i := 0; i < 3; i++ {
		s.do(t, http.MethodPost, "/v1/tasks/create", userRequest("x"))
	}
	resp, body := s.do(t, http.MethodGet, "/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("%d", resp.StatusCode)
	}
	var st types.StatusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("json: %v", err)
	}
	if !st.Ready || st.Tasks.Processing != 3 || st.Gate.Strategy != "exclusive" {
		t.Fatalf("status=%s", body)
	}
	// one task holds the exclusive gate, the others wait behind it
	if st.Gate.Inflight+st.Gate.Waiting > 3 {
		t.Fatalf("gate=%+v", st.Gate)
	}
}

func TestE2E_ClientDisconnectKeepsStartedGeneration(t *testing.T) {
	s := newStack(t)
	s.markReady(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	payload, _ := json.Marshal(userRequest("hi"))
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, s.srv.URL+"/v1/chat/completions", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", apiKey)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if resp, err := http.DefaultClient.Do(req); err == nil {
			_ = resp.Body.Close()
		}
	}()

	waitUntil(t, "generation start", func() bool { return s.backend.generations() == 1 })
	cancel()
	<-done
	time.Sleep(50 * time.Millisecond)
	if out := s.backend.outcomes(); len(out) != 0 {
		t.Fatalf("generation ended after client disconnect: %v", out)
	}

	close(s.backend.genGate)
	waitUntil(t, "generation end", func() bool { return len(s.backend.outcomes()) == 1 })
	if err := s.backend.outcomes()[0]; err != nil {
		t.Fatalf("generation failed: %v", err)
	}
}
