package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"gigline/internal/config"
	"gigline/internal/db"
	"gigline/internal/engine"
	"gigline/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("test-market")
	e := engine.New(conn, cfg)
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{JWTSecret: testSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func authHeader(t *testing.T, actorID, role string) map[string]string {
	t.Helper()
	token, err := signDevToken(testSecret, actorID, role)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decodeJob(t *testing.T, data []byte) JobResponse {
	t.Helper()
	var j JobResponse
	if err := json.Unmarshal(data, &j); err != nil {
		t.Fatalf("unmarshal job: %v (%s)", err, string(data))
	}
	return j
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error
}

func postJobHTTP(t *testing.T, srv *testServer, clientHdr map[string]string) JobResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/jobs", map[string]any{
		"title":       "Landing page copy",
		"description": "Write the landing page copy for our product launch.",
		"category":    "writing",
		"deadline":    "2030-01-01T00:00:00Z",
	}, clientHdr)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create job status %d: %s", res.StatusCode, string(data))
	}
	return decodeJob(t, data)
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	clientHdr := authHeader(t, "client-1", "client")
	adminHdr := authHeader(t, "admin-1", "admin")
	contribHdr := authHeader(t, "freelancer-1", "contributor")

	job := postJobHTTP(t, srv, clientHdr)
	if job.Status != "pending" {
		t.Fatalf("expected pending, got %s", job.Status)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs/"+job.ID+"/review", map[string]any{
		"action": "approve",
		"price":  150.0,
	}, adminHdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("review status %d: %s", res.StatusCode, string(data))
	}
	job = decodeJob(t, data)
	if job.DepositAmount == nil || *job.DepositAmount != 75 {
		t.Fatalf("expected deposit 75, got %v", job.DepositAmount)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs/"+job.ID+"/deposit", nil, clientHdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("deposit status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/jobs/available", nil, contribHdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("available status %d: %s", res.StatusCode, string(data))
	}
	var page JobPage
	_ = json.Unmarshal(data, &page)
	if page.Total != 1 {
		t.Fatalf("expected one available job, got %d", page.Total)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs/"+job.ID+"/apply", nil, contribHdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("apply status %d: %s", res.StatusCode, string(data))
	}
	job = decodeJob(t, data)
	if job.FreelancerID == nil || *job.FreelancerID != "freelancer-1" {
		t.Fatalf("expected assignment, got %v", job.FreelancerID)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs/"+job.ID+"/submit", map[string]any{
		"files": []map[string]string{{"name": "copy.md", "url": "https://files.example/copy.md", "mime_type": "text/markdown"}},
		"note":  "first draft",
	}, contribHdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	job = decodeJob(t, data)
	if len(job.Deliverables) != 1 || !job.Deliverables[0].IsWatermarked {
		t.Fatalf("expected one watermarked deliverable: %+v", job.Deliverables)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs/"+job.ID+"/approve", map[string]any{"feedback": "nice"}, clientHdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs/"+job.ID+"/final-payment", nil, clientHdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("final payment status %d: %s", res.StatusCode, string(data))
	}
	job = decodeJob(t, data)
	if job.PaymentStatus != "final_paid" {
		t.Fatalf("expected final_paid, got %s", job.PaymentStatus)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs/"+job.ID+"/deliver-final", map[string]any{
		"files": []map[string]string{{"name": "copy.md", "url": "https://files.example/copy-final.md", "mime_type": "text/markdown"}},
	}, adminHdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("deliver final status %d: %s", res.StatusCode, string(data))
	}
	job = decodeJob(t, data)
	if len(job.Deliverables) != 1 || job.Deliverables[0].IsWatermarked {
		t.Fatalf("expected clean deliverables: %+v", job.Deliverables)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs/"+job.ID+"/close", nil, clientHdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("close status %d: %s", res.StatusCode, string(data))
	}
	job = decodeJob(t, data)
	if job.Status != "job_end" {
		t.Fatalf("expected job_end, got %s", job.Status)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/jobs", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	if body := decodeError(t, data); body.Code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %s", body.Code)
	}

	// health stays open
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestCapabilityDenied(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	contribHdr := authHeader(t, "freelancer-1", "contributor")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/jobs", map[string]any{
		"title":       "Landing page copy",
		"description": "Write the landing page copy for our product launch.",
		"category":    "writing",
		"deadline":    "2030-01-01T00:00:00Z",
	}, contribHdr)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
	if body := decodeError(t, data); body.Code != "forbidden" {
		t.Fatalf("expected forbidden code, got %s", body.Code)
	}
}

func TestErrorEnvelopeCodes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	clientHdr := authHeader(t, "client-1", "client")

	// validation failure
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs", map[string]any{
		"title":       "Hi",
		"description": "Write the landing page copy for our product launch.",
		"category":    "writing",
		"deadline":    "2030-01-01T00:00:00Z",
	}, clientHdr)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	if body := decodeError(t, data); body.Code != "validation_failed" {
		t.Fatalf("expected validation_failed, got %s", body.Code)
	}

	// invalid state
	job := postJobHTTP(t, srv, clientHdr)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs/"+job.ID+"/deposit", nil, clientHdr)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	if body := decodeError(t, data); body.Code != "invalid_state" {
		t.Fatalf("expected invalid_state, got %s", body.Code)
	}

	// not found
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/jobs/nope", nil, clientHdr)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	if body := decodeError(t, data); body.Code != "not_found" {
		t.Fatalf("expected not_found, got %s", body.Code)
	}
}

func TestRoleScopedListings(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	clientHdr := authHeader(t, "client-1", "client")
	otherHdr := authHeader(t, "client-2", "client")
	adminHdr := authHeader(t, "admin-1", "admin")

	postJobHTTP(t, srv, clientHdr)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/jobs", nil, clientHdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("owner list status %d: %s", res.StatusCode, string(data))
	}
	var page JobPage
	_ = json.Unmarshal(data, &page)
	if page.Total != 1 {
		t.Fatalf("owner expected 1 job, got %d", page.Total)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/jobs", nil, otherHdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("other list status %d: %s", res.StatusCode, string(data))
	}
	page = JobPage{}
	_ = json.Unmarshal(data, &page)
	if page.Total != 0 {
		t.Fatalf("other client expected 0 jobs, got %d", page.Total)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/jobs/pending", nil, adminHdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pending queue status %d: %s", res.StatusCode, string(data))
	}
	page = JobPage{}
	_ = json.Unmarshal(data, &page)
	if page.Total != 1 {
		t.Fatalf("admin queue expected 1 job, got %d", page.Total)
	}
}

func TestDevLoginAndMe(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"actor_id": "client-1",
		"role":     "client",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("expected token: %v (%s)", err, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	_ = json.Unmarshal(data, &me)
	if me.ActorID != "client-1" || me.Role != "client" || me.Source != "jwt" {
		t.Fatalf("unexpected principal: %+v", me)
	}
}

func TestStatsEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	clientHdr := authHeader(t, "client-1", "client")
	adminHdr := authHeader(t, "admin-1", "admin")

	postJobHTTP(t, srv, clientHdr)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/stats/client", nil, clientHdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("client stats status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/stats/admin", nil, adminHdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin stats status %d: %s", res.StatusCode, string(data))
	}
	var stats AdminStatsResponse
	_ = json.Unmarshal(data, &stats)
	if stats.JobCounts["pending"] != 1 {
		t.Fatalf("expected one pending job, got %+v", stats.JobCounts)
	}
}
