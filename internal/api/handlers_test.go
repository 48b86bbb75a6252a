package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/codesync/backend/internal/compile"
	"github.com/manpreetbhatti/codesync/backend/internal/db"
	"github.com/manpreetbhatti/codesync/backend/internal/protocol"
	"github.com/manpreetbhatti/codesync/backend/internal/registry"
	"github.com/manpreetbhatti/codesync/backend/internal/session"
	"github.com/manpreetbhatti/codesync/backend/internal/ws"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakePresence struct {
	rooms   []session.RoomSummary
	members map[string][]protocol.Member
	stats   session.Stats
	err     error
}

func (p *fakePresence) ActiveRooms(context.Context) ([]session.RoomSummary, error) {
	return p.rooms, p.err
}

func (p *fakePresence) Members(_ context.Context, roomID string) ([]protocol.Member, error) {
	if p.err != nil {
		return nil, p.err
	}
	if m, ok := p.members[roomID]; ok {
		return m, nil
	}
	return []protocol.Member{}, nil
}

func (p *fakePresence) Stats(context.Context) (session.Stats, error) {
	return p.stats, p.err
}

type fakeCompiler struct {
	result *compile.Result
	err    error
	got    compile.Request
}

func (f *fakeCompiler) Compile(_ context.Context, req compile.Request) (*compile.Result, error) {
	f.got = req
	return f.result, f.err
}

type fakeRuns struct {
	mu   sync.Mutex
	runs []db.CompileRun
}

func (f *fakeRuns) CompileRun(r db.CompileRun) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, r)
}

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

type testAPI struct {
	api      *API
	router   *gin.Engine
	presence *fakePresence
	compiler *fakeCompiler
	runs     *fakeRuns
	database *db.Database
}

func setupTestAPI(t *testing.T, opts Options) *testAPI {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	ta := &testAPI{
		presence: &fakePresence{members: map[string][]protocol.Member{}},
		compiler: &fakeCompiler{},
		runs:     &fakeRuns{},
		database: database,
	}
	if opts.Presence == nil {
		opts.Presence = ta.presence
	}
	if opts.Compiler == nil {
		opts.Compiler = ta.compiler
	}
	opts.Store = database
	opts.Runs = ta.runs
	opts.Log = testLogger()

	ta.api = New(opts)
	t.Cleanup(ta.api.Close)
	ta.router = ta.api.Router()
	return ta
}

func (ta *testAPI) do(method, path string, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ta.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	return out
}

func TestHealthHandler(t *testing.T) {
	ta := setupTestAPI(t, Options{})

	w := ta.do("GET", "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)

	response := decode(t, w)
	assert.Equal(t, "ok", response["status"])
	_, err := time.Parse(time.RFC3339, response["timestamp"].(string))
	assert.NoError(t, err)
}

func TestStatsHandler(t *testing.T) {
	ta := setupTestAPI(t, Options{})
	ta.presence.stats = session.Stats{Rooms: 2, Clients: 5, Participants: 4, PendingResyncs: 1}
	require.NoError(t, ta.database.RecordActivity(db.Activity{RoomID: "r", SocketID: "s", Kind: db.ActivityJoined}))
	require.NoError(t, ta.database.RecordCompileRun(db.CompileRun{Language: "c", Succeeded: false}))

	w := ta.do("GET", "/api/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	stats := decode(t, w)
	assert.EqualValues(t, 2, stats["active_rooms"])
	assert.EqualValues(t, 5, stats["active_clients"])
	assert.EqualValues(t, 4, stats["participants"])
	assert.EqualValues(t, 1, stats["pending_resyncs"])
	assert.EqualValues(t, 1, stats["total_activity"])
	assert.EqualValues(t, 1, stats["compile_runs"])
	assert.EqualValues(t, 1, stats["failed_compile_runs"])
}

func TestListRoomsHandler(t *testing.T) {
	ta := setupTestAPI(t, Options{})

	w := ta.do("GET", "/api/rooms", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"rooms":[],"count":0}`, w.Body.String())

	ta.presence.rooms = []session.RoomSummary{{ID: "a", Members: 2}, {ID: "b", Members: 1}}
	w = ta.do("GET", "/api/rooms", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"rooms":[{"id":"a","members":2},{"id":"b","members":1}],"count":2}`, w.Body.String())
}

func TestMembersHandler(t *testing.T) {
	ta := setupTestAPI(t, Options{})
	ta.presence.members["r1"] = []protocol.Member{
		{SocketID: "s1", Username: "alice"},
		{SocketID: "s2", Username: "bob"},
	}

	w := ta.do("GET", "/api/rooms/r1/members", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"room_id":"r1","clients":[{"socketId":"s1","username":"alice"},{"socketId":"s2","username":"bob"}]}`, w.Body.String())

	w = ta.do("GET", "/api/rooms/nowhere/members", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"room_id":"nowhere","clients":[]}`, w.Body.String())
}

func TestPresenceUnavailable(t *testing.T) {
	ta := setupTestAPI(t, Options{})
	ta.presence.err = ws.ErrHubClosed

	for _, path := range []string{"/api/rooms", "/api/stats", "/api/rooms/r/members"} {
		w := ta.do("GET", path, "")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
		assert.JSONEq(t, `{"error":"Service unavailable"}`, w.Body.String(), path)
	}

	ta.presence.err = errors.New("boom")
	w := ta.do("GET", "/api/rooms", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestActivityHandler(t *testing.T) {
	ta := setupTestAPI(t, Options{})
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, ta.database.RecordActivity(db.Activity{
			RoomID:    "room",
			SocketID:  fmt.Sprintf("s%d", i),
			Username:  "user",
			Kind:      db.ActivityJoined,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	w := ta.do("GET", "/api/rooms/room/activity?limit=2&offset=1", "")
	require.Equal(t, http.StatusOK, w.Code)

	var response struct {
		RoomID   string        `json:"room_id"`
		Activity []db.Activity `json:"activity"`
		Total    int           `json:"total"`
		Limit    int           `json:"limit"`
		Offset   int           `json:"offset"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "room", response.RoomID)
	assert.Equal(t, 5, response.Total)
	assert.Equal(t, 2, response.Limit)
	assert.Equal(t, 1, response.Offset)
	require.Len(t, response.Activity, 2)
	assert.Equal(t, "s3", response.Activity[0].SocketID)
	assert.Equal(t, "s2", response.Activity[1].SocketID)

	w = ta.do("GET", "/api/rooms/room/activity?limit=999&offset=-4", "")
	require.Equal(t, http.StatusOK, w.Code)
	all := decode(t, w)
	assert.EqualValues(t, 50, all["limit"])
	assert.EqualValues(t, 0, all["offset"])
}

func TestCompileRelaysUpstreamBody(t *testing.T) {
	ta := setupTestAPI(t, Options{})
	ta.compiler.result = &compile.Result{
		Body:       []byte(`{"output":"hi","statusCode":200,"memory":"100","cpuTime":"0.1"}`),
		Output:     "hi",
		StatusCode: 200,
	}

	w := ta.do("POST", "/compile", `{"script":"print('hi')","language":"python3","versionIndex":"3"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"output":"hi","statusCode":200,"memory":"100","cpuTime":"0.1"}`, w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")

	assert.Equal(t, compile.Request{Script: "print('hi')", Language: "python3", VersionIndex: "3"}, ta.compiler.got)

	require.Len(t, ta.runs.runs, 1)
	assert.Equal(t, "python3", ta.runs.runs[0].Language)
	assert.Equal(t, "3", ta.runs.runs[0].VersionIndex)
	assert.True(t, ta.runs.runs[0].Succeeded)
	assert.Equal(t, 200, ta.runs.runs[0].StatusCode)
}

func TestCompileNumericVersionIndex(t *testing.T) {
	ta := setupTestAPI(t, Options{})
	ta.compiler.result = &compile.Result{Body: []byte(`{}`)}

	w := ta.do("POST", "/compile", `{"script":"x","language":"c","versionIndex":4,"stdin":"1 2"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "4", ta.compiler.got.VersionIndex)
	assert.Equal(t, "1 2", ta.compiler.got.Stdin)
}

func TestCompileUpstreamFailure(t *testing.T) {
	ta := setupTestAPI(t, Options{})
	ta.compiler.err = fmt.Errorf("%w: status 401", compile.ErrUpstreamUnavailable)

	w := ta.do("POST", "/compile", `{"script":"x","language":"c"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"Failed to compile code"}`, w.Body.String())

	require.Len(t, ta.runs.runs, 1)
	assert.False(t, ta.runs.runs[0].Succeeded)
}

func TestCompileMalformedBody(t *testing.T) {
	ta := setupTestAPI(t, Options{})

	for _, body := range []string{
		`not json`,
		`{"script":"x","language":"c","versionIndex":[1]}`,
	} {
		w := ta.do("POST", "/compile", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
		assert.JSONEq(t, `{"error":"request body must be a JSON compile request"}`, w.Body.String(), body)
	}
	assert.Empty(t, ta.runs.runs, "malformed requests never reach the upstream")
}

func TestCompileForwardsIncompleteRequests(t *testing.T) {
	ta := setupTestAPI(t, Options{})
	ta.compiler.result = &compile.Result{Body: []byte(`{"error":"Invalid script"}`), StatusCode: 400}

	for _, body := range []string{
		`{"script":"","language":"c"}`,
		`{"language":"c"}`,
		`{"script":"x"}`,
	} {
		w := ta.do("POST", "/compile", body)
		assert.Equal(t, http.StatusOK, w.Code, body)
		assert.Equal(t, `{"error":"Invalid script"}`, w.Body.String(), body)
	}
	assert.Equal(t, compile.Request{Script: "x"}, ta.compiler.got)
	assert.Len(t, ta.runs.runs, 3)
}

func TestCompileRunsHandler(t *testing.T) {
	ta := setupTestAPI(t, Options{})
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, lang := range []string{"c", "go", "python3"} {
		require.NoError(t, ta.database.RecordCompileRun(db.CompileRun{
			Language:   lang,
			StatusCode: 200,
			Succeeded:  true,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}

	w := ta.do("GET", "/api/compile-runs?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)

	var response struct {
		Runs  []db.CompileRun `json:"runs"`
		Count int             `json:"count"`
		Limit int             `json:"limit"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, 2, response.Count)
	assert.Equal(t, 2, response.Limit)
	require.Len(t, response.Runs, 2)
	assert.Equal(t, "python3", response.Runs[0].Language)
	assert.Equal(t, "go", response.Runs[1].Language)

	w = ta.do("GET", "/api/compile-runs?limit=0", "")
	require.Equal(t, http.StatusOK, w.Code)
	all := decode(t, w)
	assert.EqualValues(t, 50, all["limit"])
	assert.EqualValues(t, 3, all["count"])
}

func TestCompileRateLimited(t *testing.T) {
	ta := setupTestAPI(t, Options{CompileRate: 0.001, CompileBurst: 2})
	ta.compiler.result = &compile.Result{Body: []byte(`{}`)}

	for i := 0; i < 2; i++ {
		w := ta.do("POST", "/compile", `{"script":"x","language":"c"}`)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := ta.do("POST", "/compile", `{"script":"x","language":"c"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.JSONEq(t, `{"error":"Too many requests"}`, w.Body.String())

	// Other routes are not limited
	assert.Equal(t, http.StatusOK, ta.do("GET", "/health", "").Code)

	// A different client has its own bucket
	req := httptest.NewRequest("POST", "/compile", bytes.NewBufferString(`{"script":"x","language":"c"}`))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "198.51.100.7:4000"
	rec := httptest.NewRecorder()
	ta.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCompileWithStubUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["clientSecret"] != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"statusCode":200,"output":"hi"}`))
	}))
	defer upstream.Close()

	ta := setupTestAPI(t, Options{Compiler: compile.New(upstream.URL, "id", "s3cret", time.Second)})

	w := ta.do("POST", "/compile", `{"script":"print('hi')","language":"python3","versionIndex":"3"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"statusCode":200,"output":"hi"}`, w.Body.String())
}

func TestRoutesWithLiveHub(t *testing.T) {
	log := testLogger()
	hub := ws.NewHub(log, ws.DefaultOptions())
	coordinator := session.New(hub, registry.New(), nil, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx, coordinator)

	ta := setupTestAPI(t, Options{Hub: hub, Presence: coordinator})
	server := httptest.NewServer(ta.router)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"join","data":{"roomId":"r1","username":"alice"}}`)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	var joined struct {
		Event string                 `json:"event"`
		Data  protocol.JoinedPayload `json:"data"`
	}
	require.NoError(t, json.Unmarshal(frame, &joined))
	assert.Equal(t, "joined", joined.Event)
	assert.Equal(t, "alice", joined.Data.Username)

	// Refused frames are answered on the same connection, which stays usable
	for _, tt := range []struct {
		frame string
		code  string
	}{
		{`not json`, "invalid_frame"},
		{`{"event":"joined","data":{}}`, "unexpected_event"},
		{`{"event":"bogus","data":{}}`, "unexpected_event"},
		{`{"event":"join","data":{"roomId":"r2","username":"alice"}}`, "duplicate_join"},
	} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tt.frame)))

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, frame, err := conn.ReadMessage()
		require.NoError(t, err, tt.frame)
		var reply struct {
			Event string                `json:"event"`
			Data  protocol.ErrorPayload `json:"data"`
		}
		require.NoError(t, json.Unmarshal(frame, &reply), tt.frame)
		assert.Equal(t, "error", reply.Event, tt.frame)
		assert.Equal(t, tt.code, reply.Data.Code, tt.frame)
	}

	w := ta.do("GET", "/api/rooms", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"rooms":[{"id":"r1","members":1}],"count":1}`, w.Body.String())

	w = ta.do("GET", "/api/rooms/r1/members", "")
	require.Equal(t, http.StatusOK, w.Code)
	members := decode(t, w)["clients"].([]any)
	require.Len(t, members, 1)
	assert.Equal(t, "alice", members[0].(map[string]any)["username"])

	cancel()
	assert.Eventually(t, func() bool {
		return ta.do("GET", "/api/stats", "").Code == http.StatusServiceUnavailable
	}, 2*time.Second, 10*time.Millisecond)
}
