package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cosmossdk.io/log"
	gws "github.com/gorilla/websocket"
	"gopkg.in/yaml.v3"

	"github.com/openalpha/tradesim/lesson"
	"github.com/openalpha/tradesim/privilege"
	"github.com/openalpha/tradesim/session"
)

func testAPIPlan() *lesson.Plan {
	codes := []privilege.Code{
		privilege.SubmitOrders, privilege.CancelOwnOrders,
		privilege.ViewTopOfBook, privilege.ViewLastTrade, privilege.ViewTradeTape,
		privilege.ViewOwnOrders, privilege.ViewOwnPortfolio,
	}
	grants := make([]int, len(codes))
	for i, c := range codes {
		grants[i] = int(c)
	}
	return &lesson.Plan{
		LessonID:     "lesson-api",
		ScenarioID:   "scenario-api",
		StartingCash: "100000",
		AllowShort:   true,
		BaseGrants:   grants,
		Securities: []lesson.SecuritySpec{{
			Symbol: "AOE", Type: "equity", TickSize: "0.01", Precision: 2, StartPrice: "100",
		}},
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *session.Supervisor) {
	t.Helper()
	sup := session.NewSupervisor(nil, log.NewNopLogger())
	t.Cleanup(sup.Shutdown)

	cfg := DefaultConfig()
	cfg.DisableRateLimit = true
	srv := NewServer(cfg, sup, log.NewNopLogger())

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, sup
}

func doJSON(t *testing.T, method, url, user string, body interface{}) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	fields := make(map[string]json.RawMessage)
	_ = json.NewDecoder(resp.Body).Decode(&fields)
	return resp, fields
}

func createSession(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	data, err := yaml.Marshal(testAPIPlan())
	if err != nil {
		t.Fatal(err)
	}
	resp, fields := doJSON(t, http.MethodPost, ts.URL+"/v1/sessions", "", CreateSessionRequest{
		Plan:   string(data),
		Roster: []string{"alice", "bob"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var id string
	if err := json.Unmarshal(fields["session_id"], &id); err != nil || id == "" {
		t.Fatalf("no session id in response: %v", err)
	}
	return id
}

func startAndWaitOpen(t *testing.T, ts *httptest.Server, id string) {
	t.Helper()
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/"+id+"/start", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, fields := doJSON(t, http.MethodGet, ts.URL+"/v1/sessions/"+id, "", nil)
		var open bool
		_ = json.Unmarshal(fields["market_open"], &open)
		if open {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("market did not open")
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t)
	id := createSession(t, ts)
	startAndWaitOpen(t, ts, id)

	// Cross two limit orders.
	resp, fields := doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/"+id+"/orders", "alice", SubmitOrderRequest{
		Symbol: "AOE", Side: "sell", OrderType: "limit", Quantity: 100, Price: "100",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sell status = %d", resp.StatusCode)
	}
	resp, fields = doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/"+id+"/orders", "bob", SubmitOrderRequest{
		Symbol: "AOE", Side: "buy", OrderType: "limit", Quantity: 100, Price: "100",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("buy status = %d", resp.StatusCode)
	}
	var status string
	_ = json.Unmarshal(fields["Status"], &status)

	resp, fields = doJSON(t, http.MethodGet, ts.URL+"/v1/sessions/"+id+"/trades", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("trades status = %d", resp.StatusCode)
	}
	var trades []json.RawMessage
	if err := json.Unmarshal(fields["trades"], &trades); err != nil {
		t.Fatal(err)
	}
	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(trades))
	}

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/v1/sessions/"+id+"/portfolio", "bob", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("portfolio status = %d", resp.StatusCode)
	}

	resp, fields = doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/"+id+"/end", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d", resp.StatusCode)
	}
	var state string
	_ = json.Unmarshal(fields["state"], &state)
	if state != "completed" {
		t.Fatalf("state = %q, want completed", state)
	}
}

func TestSubmitBeforeStartConflicts(t *testing.T) {
	ts, _ := newTestServer(t)
	id := createSession(t, ts)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/"+id+"/orders", "alice", SubmitOrderRequest{
		Symbol: "AOE", Side: "buy", OrderType: "limit", Quantity: 10, Price: "100",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}
}

func TestOrderRequiresUserHeader(t *testing.T) {
	ts, _ := newTestServer(t)
	id := createSession(t, ts)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/"+id+"/orders", "", SubmitOrderRequest{
		Symbol: "AOE", Side: "buy", OrderType: "limit", Quantity: 10, Price: "100",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestInvalidOrderFieldsRejected(t *testing.T) {
	ts, _ := newTestServer(t)
	id := createSession(t, ts)
	startAndWaitOpen(t, ts, id)

	cases := []SubmitOrderRequest{
		{Symbol: "AOE", Side: "sideways", OrderType: "limit", Quantity: 10, Price: "100"},
		{Symbol: "AOE", Side: "buy", OrderType: "teleport", Quantity: 10, Price: "100"},
		{Symbol: "AOE", Side: "buy", OrderType: "limit", Quantity: 10, Price: "not-a-price"},
		{Symbol: "AOE", Side: "buy", OrderType: "limit", Quantity: 10, Price: "100", TimeInForce: "XXX"},
	}
	for i, c := range cases {
		resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/"+id+"/orders", "alice", c)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("case %d: status = %d, want %d", i, resp.StatusCode, http.StatusBadRequest)
		}
	}
}

func TestRejectedOrderReturnsOrderBody(t *testing.T) {
	ts, _ := newTestServer(t)
	id := createSession(t, ts)
	startAndWaitOpen(t, ts, id)

	// Off-tick price passes wire validation but the engine rejects it.
	resp, fields := doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/"+id+"/orders", "alice", SubmitOrderRequest{
		Symbol: "AOE", Side: "buy", OrderType: "limit", Quantity: 10, Price: "100.005",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var status string
	if err := json.Unmarshal(fields["Status"], &status); err != nil {
		t.Fatal(err)
	}
	if status == "" {
		t.Fatal("rejected order body missing status")
	}
}

func TestBookBySymbolPath(t *testing.T) {
	ts, _ := newTestServer(t)
	id := createSession(t, ts)
	startAndWaitOpen(t, ts, id)

	resp, fields := doJSON(t, http.MethodGet, ts.URL+"/v1/sessions/"+id+"/book/AOE", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var symbol string
	if err := json.Unmarshal(fields["symbol"], &symbol); err != nil || symbol != "AOE" {
		t.Fatalf("symbol = %q (%v), want AOE", symbol, err)
	}

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/v1/sessions/"+id+"/book/NOPE", "alice", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown symbol status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestUnknownSessionIs404(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/v1/sessions/nope", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestCreateRejectsBadPlan(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/sessions", "", CreateSessionRequest{
		Plan:   "lesson_id: broken\n", // no securities
		Roster: []string{"alice"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestWebSocketSnapshotFirst(t *testing.T) {
	ts, _ := newTestServer(t)
	id := createSession(t, ts)
	startAndWaitOpen(t, ts, id)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") +
		fmt.Sprintf("/ws?session_id=%s&user_id=alice", id)
	conn, _, err := gws.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	// Batched frames are newline separated; the first is the snapshot.
	first := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		first = data[:i]
	}
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(first, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "snapshot" {
		t.Fatalf("first message type = %q, want snapshot", msg.Type)
	}
}

// The metrics wrapper must not hide the Hijacker the upgrader needs.
func TestStatusRecorderSupportsHijack(t *testing.T) {
	var w http.ResponseWriter = &statusRecorder{}
	if _, ok := w.(http.Hijacker); !ok {
		t.Fatal("statusRecorder does not implement http.Hijacker")
	}
}

func TestWebSocketRequiresSession(t *testing.T) {
	ts, _ := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?session_id=nope&user_id=alice"
	if _, _, err := gws.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Fatal("dial to unknown session succeeded")
	}
}
