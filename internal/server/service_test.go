package server

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type testEnv struct {
	store    *Store
	registry *Registry
	hub      *Hub
	svc      *Service
	srv      *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := NewStore()
	registry := NewRegistry()
	hub := NewHub()
	go hub.Run()
	svc := NewService(store, registry, hub)

	srv := httptest.NewServer(SetupRoutes(svc))

	cfg := defaultConfig()
	cfg.AllowedOrigins = append([]string{srv.URL}, cfg.AllowedOrigins...)
	SetConfig(&cfg)

	t.Cleanup(func() {
		srv.Close()
		_ = hub.Shutdown(2 * time.Second)
		SetConfig(nil)
	})

	return &testEnv{store: store, registry: registry, hub: hub, svc: svc, srv: srv}
}

type wireEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func dialPushChannel(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	header := http.Header{}
	header.Set("Origin", env.srv.URL)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("failed to dial push channel: %v", err)
	}
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read event: %v", err)
	}

	var ev wireEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		t.Fatalf("failed to decode event %q: %v", payload, err)
	}
	return ev
}

func expectNoEvent(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	_, payload, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no event, received %q", payload)
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return
	}
	t.Fatalf("unexpected error while waiting for absence of events: %v", err)
}

// connectClient dials the push channel and consumes the mandatory opening
// frames, returning the connection and its assigned identity.
func connectClient(t *testing.T, env *testEnv) (*websocket.Conn, string) {
	t.Helper()

	conn := dialPushChannel(t, env)

	ev := readEvent(t, conn)
	if ev.Event != EventAssignID {
		t.Fatalf("expected first event %q, got %q", EventAssignID, ev.Event)
	}
	var identity string
	if err := json.Unmarshal(ev.Data, &identity); err != nil || identity == "" {
		t.Fatalf("bad identity payload %q: %v", ev.Data, err)
	}

	ev = readEvent(t, conn)
	if ev.Event != EventAssignColor {
		t.Fatalf("expected second event %q, got %q", EventAssignColor, ev.Event)
	}
	var color string
	if err := json.Unmarshal(ev.Data, &color); err != nil || !paletteContains(color) {
		t.Fatalf("bad color payload %q: %v", ev.Data, err)
	}

	return conn, identity
}

func readRecordEvent(t *testing.T, conn *websocket.Conn, wantEvent string) Record {
	t.Helper()

	ev := readEvent(t, conn)
	if ev.Event != wantEvent {
		t.Fatalf("expected event %q, got %q", wantEvent, ev.Event)
	}

	if wantEvent == EventNewMessage {
		var rec Record
		if err := json.Unmarshal(ev.Data, &rec); err != nil {
			t.Fatalf("failed to decode record: %v", err)
		}
		return rec
	}

	var body RecordEvent
	if err := json.Unmarshal(ev.Data, &body); err != nil {
		t.Fatalf("failed to decode record event: %v", err)
	}
	if body.ID != body.Message.Index {
		t.Fatalf("event id %d does not match record index %d", body.ID, body.Message.Index)
	}
	return body.Message
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()

	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal request body: %v", err)
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return resp, buf.Bytes()
}

func postMessage(t *testing.T, env *testEnv, text, identity string) (int, Record) {
	t.Helper()

	resp, body := doJSON(t, http.MethodPost, env.srv.URL+"/message", map[string]string{
		"text":      text,
		"timestamp": "2:15 PM",
		"sender":    "user",
		"color":     "#FF9B9B",
		"socketId":  identity,
	})
	var rec Record
	if resp.StatusCode == http.StatusCreated {
		if err := json.Unmarshal(body, &rec); err != nil {
			t.Fatalf("failed to decode created record: %v", err)
		}
	}
	return resp.StatusCode, rec
}

func listMessages(t *testing.T, env *testEnv) []Record {
	t.Helper()

	resp, body := doJSON(t, http.MethodGet, env.srv.URL+"/messages", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /messages returned %d", resp.StatusCode)
	}
	var records []Record
	if err := json.Unmarshal(body, &records); err != nil {
		t.Fatalf("failed to decode message list: %v", err)
	}
	return records
}

func TestConnectAssignsIdentityThenColorThenNothing(t *testing.T) {
	env := newTestEnv(t)

	conn, identity := connectClient(t, env)
	if !env.registry.Resolve(identity) {
		t.Errorf("assigned identity %q not bound in registry", identity)
	}

	// Empty store: no replay frames follow the assignments.
	expectNoEvent(t, conn, 200*time.Millisecond)
}

func TestCreateBroadcastsToAllClientsIncludingSender(t *testing.T) {
	env := newTestEnv(t)

	connA, idA := connectClient(t, env)
	connB, idB := connectClient(t, env)
	if idA == idB {
		t.Fatalf("both connections received identity %q", idA)
	}

	status, created := postMessage(t, env, "hi", idA)
	if status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", status)
	}
	if created.Index != 0 || created.Text != "hi" || created.AuthorID != idA || created.Deleted {
		t.Errorf("unexpected created record: %+v", created)
	}

	recA := readRecordEvent(t, connA, EventNewMessage)
	recB := readRecordEvent(t, connB, EventNewMessage)
	if recA != created || recB != created {
		t.Errorf("divergent broadcast states: sender %+v, other %+v, response %+v", recA, recB, created)
	}
}

func TestLateClientReceivesReplayBeforeLiveEvents(t *testing.T) {
	env := newTestEnv(t)

	connA, idA := connectClient(t, env)
	if status, _ := postMessage(t, env, "hi", idA); status != http.StatusCreated {
		t.Fatalf("create failed")
	}
	readRecordEvent(t, connA, EventNewMessage)

	connB, _ := connectClient(t, env)
	replayed := readRecordEvent(t, connB, EventNewMessage)
	if replayed.Index != 0 || replayed.Text != "hi" || replayed.AuthorID != idA {
		t.Errorf("unexpected replayed record: %+v", replayed)
	}
	expectNoEvent(t, connB, 200*time.Millisecond)
}

func TestEditByNonAuthorIsRejectedWithBothIdentities(t *testing.T) {
	env := newTestEnv(t)

	connA, idA := connectClient(t, env)
	_, idB := connectClient(t, env)

	if status, _ := postMessage(t, env, "hi", idA); status != http.StatusCreated {
		t.Fatalf("create failed")
	}
	readRecordEvent(t, connA, EventNewMessage)
	before := listMessages(t, env)[0]

	resp, body := doJSON(t, http.MethodPut, env.srv.URL+"/message/0", map[string]string{
		"text":     "hijacked",
		"socketId": idB,
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", resp.StatusCode, body)
	}

	var errBody map[string]string
	if err := json.Unmarshal(body, &errBody); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	if errBody["originalIdentity"] != idA || errBody["yourIdentity"] != idB {
		t.Errorf("unexpected identity fields in error: %v", errBody)
	}
	if errBody["error"] == "" {
		t.Error("expected error message in body")
	}

	// Record unchanged, and no broadcast reached the author.
	if after := listMessages(t, env)[0]; after != before {
		t.Errorf("record changed after rejected edit: %+v", after)
	}
	expectNoEvent(t, connA, 200*time.Millisecond)
}

func TestAuthorEditBroadcastsUpdatedRecord(t *testing.T) {
	env := newTestEnv(t)

	connA, idA := connectClient(t, env)
	connB, _ := connectClient(t, env)

	if status, _ := postMessage(t, env, "hi", idA); status != http.StatusCreated {
		t.Fatalf("create failed")
	}
	readRecordEvent(t, connA, EventNewMessage)
	readRecordEvent(t, connB, EventNewMessage)

	resp, body := doJSON(t, http.MethodPut, env.srv.URL+"/message/0", map[string]string{
		"text":     "hi, edited",
		"socketId": idA,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	var updated Record
	if err := json.Unmarshal(body, &updated); err != nil {
		t.Fatalf("failed to decode updated record: %v", err)
	}
	if updated.Text != "hi, edited" || updated.Deleted {
		t.Errorf("unexpected updated record: %+v", updated)
	}

	recA := readRecordEvent(t, connA, EventUpdateMessage)
	recB := readRecordEvent(t, connB, EventUpdateMessage)
	if recA != updated || recB != updated {
		t.Errorf("divergent states after edit: %+v vs %+v", recA, recB)
	}
}

func TestDeleteBroadcastsTombstoneToAllClients(t *testing.T) {
	env := newTestEnv(t)

	connA, idA := connectClient(t, env)
	connB, _ := connectClient(t, env)

	if status, _ := postMessage(t, env, "hi", idA); status != http.StatusCreated {
		t.Fatalf("create failed")
	}
	readRecordEvent(t, connA, EventNewMessage)
	readRecordEvent(t, connB, EventNewMessage)

	resp, body := doJSON(t, http.MethodDelete, env.srv.URL+"/message/0", map[string]string{
		"socketId": idA,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var ack map[string]bool
	if err := json.Unmarshal(body, &ack); err != nil || !ack["success"] {
		t.Fatalf("expected success ack, got %s", body)
	}

	recA := readRecordEvent(t, connA, EventMessageDeleted)
	recB := readRecordEvent(t, connB, EventMessageDeleted)
	for _, rec := range []Record{recA, recB} {
		if !rec.Deleted || rec.Text != DeletedText || rec.Index != 0 {
			t.Errorf("unexpected tombstone: %+v", rec)
		}
	}
	if recA != recB {
		t.Errorf("divergent tombstones: %+v vs %+v", recA, recB)
	}

	// The tombstone stays visible in the replay.
	records := listMessages(t, env)
	if len(records) != 1 || !records[0].Deleted || records[0].Text != DeletedText {
		t.Errorf("unexpected replay after delete: %+v", records)
	}

	// Deleting again still succeeds.
	resp, _ = doJSON(t, http.MethodDelete, env.srv.URL+"/message/0", map[string]string{
		"socketId": idA,
	})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("repeat delete should succeed, got %d", resp.StatusCode)
	}
}

func TestEditAfterDeleteIsRejected(t *testing.T) {
	env := newTestEnv(t)

	connA, idA := connectClient(t, env)
	if status, _ := postMessage(t, env, "hi", idA); status != http.StatusCreated {
		t.Fatalf("create failed")
	}
	readRecordEvent(t, connA, EventNewMessage)

	if resp, _ := doJSON(t, http.MethodDelete, env.srv.URL+"/message/0", map[string]string{"socketId": idA}); resp.StatusCode != http.StatusOK {
		t.Fatalf("delete failed with %d", resp.StatusCode)
	}
	readRecordEvent(t, connA, EventMessageDeleted)

	resp, body := doJSON(t, http.MethodPut, env.srv.URL+"/message/0", map[string]string{
		"text":     "resurrect",
		"socketId": idA,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for edit of tombstone, got %d: %s", resp.StatusCode, body)
	}
	expectNoEvent(t, connA, 200*time.Millisecond)
}

func TestMutationsOnMissingIndexReturnNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, idA := connectClient(t, env)

	for _, target := range []string{"/message/5", "/message/abc"} {
		resp, _ := doJSON(t, http.MethodPut, env.srv.URL+target, map[string]string{
			"text": "x", "socketId": idA,
		})
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("PUT %s: expected 404, got %d", target, resp.StatusCode)
		}

		resp, _ = doJSON(t, http.MethodDelete, env.srv.URL+target, map[string]string{
			"socketId": idA,
		})
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("DELETE %s: expected 404, got %d", target, resp.StatusCode)
		}
	}
}

func TestCreateWithUnknownIdentityIsRejected(t *testing.T) {
	env := newTestEnv(t)
	conn, _ := connectClient(t, env)

	status, _ := postMessage(t, env, "forged", "never-issued-token")
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}
	if len(listMessages(t, env)) != 0 {
		t.Error("rejected create must not touch the store")
	}
	expectNoEvent(t, conn, 200*time.Millisecond)
}

func TestMessagesOutliveTheirAuthoringConnection(t *testing.T) {
	env := newTestEnv(t)

	connA, idA := connectClient(t, env)
	if status, _ := postMessage(t, env, "hi", idA); status != http.StatusCreated {
		t.Fatalf("create failed")
	}
	readRecordEvent(t, connA, EventNewMessage)

	_ = connA.Close()
	waitFor(t, 2*time.Second, func() bool { return !env.registry.Resolve(idA) })

	// The identity is unbound, so it can no longer create...
	if status, _ := postMessage(t, env, "ghost", idA); status != http.StatusUnauthorized {
		t.Errorf("expected 401 after disconnect, got %d", status)
	}

	// ...but the message it authored is still there, and still editable
	// with the claimed identity.
	records := listMessages(t, env)
	if len(records) != 1 || records[0].Text != "hi" {
		t.Fatalf("message lost after disconnect: %+v", records)
	}
	resp, _ := doJSON(t, http.MethodPut, env.srv.URL+"/message/0", map[string]string{
		"text": "hi, edited later", "socketId": idA,
	})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("author edit after disconnect should succeed, got %d", resp.StatusCode)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
