package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"compliance-auditor/internal/analysis"
	"compliance-auditor/internal/blobstore"
	"compliance-auditor/internal/model"
	"compliance-auditor/internal/questions"
	"compliance-auditor/internal/scheduler"
	"compliance-auditor/internal/scoring"
	"compliance-auditor/internal/store"
)

type fakeQueue struct {
	jobs []scheduler.Job
}

func (q *fakeQueue) Enqueue(_ context.Context, job scheduler.Job) error {
	q.jobs = append(q.jobs, job)
	return nil
}

type env struct {
	store  *store.Memory
	queue  *fakeQueue
	router *gin.Engine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemory()
	blobs, err := blobstore.NewLocal(t.TempDir())
	require.NoError(t, err)
	queue := &fakeQueue{}
	server := New(st, blobs, queue, scoring.NewTracker(st, nil), questions.New(st, analysis.LLMConfig{}, nil), nil)
	return &env{store: st, queue: queue, router: server.Router()}
}

func (e *env) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	recorder := httptest.NewRecorder()
	e.router.ServeHTTP(recorder, req)
	return recorder
}

func (e *env) seedDocument(t *testing.T) *model.Document {
	t.Helper()
	doc := &model.Document{
		OriginalFilename: "manual.pdf", StoredFilename: "manual.pdf", StoragePath: "/x",
		ContentType: "application/pdf", SizeBytes: 1, SHA256: "x", SourceType: model.SourceManual,
	}
	require.NoError(t, e.store.CreateDocument(context.Background(), doc))
	return doc
}

func TestRequestIDGeneratedAndEchoed(t *testing.T) {
	e := newEnv(t)

	resp := e.do(t, "GET", "/healthz", nil)
	require.Equal(t, 200, resp.Code)
	require.NotEmpty(t, resp.Header().Get("X-Request-ID"))

	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("X-Request-ID", "my-id")
	recorder := httptest.NewRecorder()
	e.router.ServeHTTP(recorder, req)
	require.Equal(t, "my-id", recorder.Header().Get("X-Request-ID"))
}

func TestCreateAudit(t *testing.T) {
	e := newEnv(t)
	doc := e.seedDocument(t)

	resp := e.do(t, "POST", "/api/audits", []byte(fmt.Sprintf(`{"document_id": %d, "is_draft": true}`, doc.ID)))
	require.Equal(t, http.StatusCreated, resp.Code)

	var body struct {
		Audit model.Audit `json:"audit"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, model.AuditQueued, body.Audit.Status)
	require.True(t, body.Audit.IsDraft)
	require.NotEmpty(t, body.Audit.ExternalID)
}

func TestCreateAuditValidation(t *testing.T) {
	e := newEnv(t)

	resp := e.do(t, "POST", "/api/audits", []byte(`{}`))
	require.Equal(t, http.StatusBadRequest, resp.Code)

	resp = e.do(t, "POST", "/api/audits", []byte(`not json`))
	require.Equal(t, http.StatusBadRequest, resp.Code)

	resp = e.do(t, "POST", "/api/audits", []byte(`{"document_id": 9999}`))
	require.Equal(t, http.StatusNotFound, resp.Code)
}

func TestGetAuditByExternalID(t *testing.T) {
	e := newEnv(t)
	doc := e.seedDocument(t)
	audit := &model.Audit{DocumentID: doc.ID}
	require.NoError(t, e.store.CreateAudit(context.Background(), audit))

	resp := e.do(t, "GET", "/api/audits/"+audit.ExternalID, nil)
	require.Equal(t, 200, resp.Code)

	resp = e.do(t, "GET", "/api/audits/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, resp.Code)
}

func TestAuditStatusActivityStrings(t *testing.T) {
	e := newEnv(t)
	doc := e.seedDocument(t)
	ctx := context.Background()

	audit := &model.Audit{DocumentID: doc.ID}
	require.NoError(t, e.store.CreateAudit(ctx, audit))

	status := func() map[string]any {
		resp := e.do(t, "GET", fmt.Sprintf("/api/audits/%d/status", audit.ID), nil)
		require.Equal(t, 200, resp.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		return body
	}

	require.Equal(t, "Waiting in queue...", status()["current_activity"])

	audit.Status = model.AuditRunning
	require.NoError(t, e.store.UpdateAudit(ctx, audit))
	require.Equal(t, "Initializing audit process...", status()["current_activity"])

	audit.ChunkTotal = 10
	require.NoError(t, e.store.UpdateAudit(ctx, audit))
	require.Equal(t, "Starting analysis of 10 chunks...", status()["current_activity"])

	started := time.Now().Add(-time.Minute).UTC()
	audit.StartedAt = &started
	audit.ChunkCompleted = 4
	audit.LastChunkID = "D_3_0"
	require.NoError(t, e.store.UpdateAudit(ctx, audit))
	body := status()
	require.Equal(t, "Analyzing chunk 5 of 10 (40.0% complete)", body["current_activity"])
	require.NotNil(t, body["eta_seconds"])
	require.NotNil(t, body["eta_formatted"])

	audit.Status = model.AuditCompleted
	audit.ChunkCompleted = 10
	require.NoError(t, e.store.UpdateAudit(ctx, audit))
	require.Equal(t, "Audit completed successfully - 10 chunks analyzed", status()["current_activity"])

	audit.Status = model.AuditFailed
	audit.FailureReason = "Rate limit exceeded while processing chunk 5 of 10."
	require.NoError(t, e.store.UpdateAudit(ctx, audit))
	require.Equal(t, "Audit failed: Rate limit exceeded while processing chunk 5 of 10.", status()["current_activity"])
}

func TestResumeAudit(t *testing.T) {
	e := newEnv(t)
	doc := e.seedDocument(t)
	ctx := context.Background()

	audit := &model.Audit{DocumentID: doc.ID}
	require.NoError(t, e.store.CreateAudit(ctx, audit))
	audit.Status = model.AuditFailed
	audit.FailureReason = "boom"
	require.NoError(t, e.store.UpdateAudit(ctx, audit))

	resp := e.do(t, "POST", fmt.Sprintf("/api/audits/%d/resume", audit.ID), nil)
	require.Equal(t, 200, resp.Code)
	require.Len(t, e.queue.jobs, 1)
	require.Equal(t, audit.ExternalID, e.queue.jobs[0].AuditRef)

	// The transition commits before dispatch: a concurrent poll sees
	// running with the failure cleared.
	reloaded, err := e.store.AuditByRef(ctx, audit.ExternalID)
	require.NoError(t, err)
	require.Equal(t, model.AuditRunning, reloaded.Status)
	require.Empty(t, reloaded.FailureReason)
}

func TestResumeCompletedAuditRejected(t *testing.T) {
	e := newEnv(t)
	doc := e.seedDocument(t)
	ctx := context.Background()

	audit := &model.Audit{DocumentID: doc.ID}
	require.NoError(t, e.store.CreateAudit(ctx, audit))
	audit.Status = model.AuditCompleted
	require.NoError(t, e.store.UpdateAudit(ctx, audit))

	resp := e.do(t, "POST", fmt.Sprintf("/api/audits/%d/resume", audit.ID), nil)
	require.Equal(t, http.StatusBadRequest, resp.Code)
	require.Empty(t, e.queue.jobs)
}

func TestListFlagsFilters(t *testing.T) {
	e := newEnv(t)
	doc := e.seedDocument(t)
	ctx := context.Background()

	audit := &model.Audit{DocumentID: doc.ID}
	require.NoError(t, e.store.CreateAudit(ctx, audit))

	red := &model.Flag{AuditID: audit.ID, ChunkID: "D_0_0", FlagType: model.FlagRed, SeverityScore: 90, Findings: "bad"}
	require.NoError(t, e.store.SaveFlag(ctx, red))
	require.NoError(t, e.store.ReplaceCitations(ctx, red.ID, []model.Citation{
		{CitationType: model.CitationRegulation, Reference: "145.A.30"},
	}))
	green := &model.Flag{AuditID: audit.ID, ChunkID: "D_1_0", FlagType: model.FlagGreen, SeverityScore: 0, Findings: "fine"}
	require.NoError(t, e.store.SaveFlag(ctx, green))

	resp := e.do(t, "GET", fmt.Sprintf("/api/audits/%d/flags", audit.ID), nil)
	require.Equal(t, 200, resp.Code)
	var body struct {
		Flags []model.Flag `json:"flags"`
		Total int          `json:"total"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, 2, body.Total)

	resp = e.do(t, "GET", fmt.Sprintf("/api/audits/%d/flags?severity=RED", audit.ID), nil)
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, 1, body.Total)
	require.Equal(t, model.FlagRed, body.Flags[0].FlagType)

	resp = e.do(t, "GET", fmt.Sprintf("/api/audits/%d/flags?regulation=145.A.30", audit.ID), nil)
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, 1, body.Total)
}

func TestScoreHistoryEndpoint(t *testing.T) {
	e := newEnv(t)
	doc := e.seedDocument(t)
	ctx := context.Background()

	audit := &model.Audit{DocumentID: doc.ID}
	require.NoError(t, e.store.CreateAudit(ctx, audit))
	require.NoError(t, e.store.SaveScore(ctx, &model.ComplianceScore{
		AuditID: audit.ID, OverallScore: 90, YellowCount: 1, GreenCount: 1, TotalFlags: 2,
	}))

	resp := e.do(t, "GET", "/scores/", nil)
	require.Equal(t, 200, resp.Code)
	var body struct {
		Scores []model.ComplianceScore `json:"scores"`
		Count  int                     `json:"count"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	require.Equal(t, 90.0, body.Scores[0].OverallScore)
}

func TestUploadDocumentCreatesAudit(t *testing.T) {
	e := newEnv(t)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "manual.pdf")
	require.NoError(t, err)
	_, err = part.Write([]byte("%PDF-1.4 fake manual content"))
	require.NoError(t, err)
	require.NoError(t, writer.WriteField("source_type", "manual"))
	require.NoError(t, writer.WriteField("organization", "ACME Aviation"))
	require.NoError(t, writer.Close())

	req := httptest.NewRequest("POST", "/api/documents", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	recorder := httptest.NewRecorder()
	e.router.ServeHTTP(recorder, req)

	require.Equal(t, http.StatusCreated, recorder.Code)
	var body struct {
		Document model.Document `json:"document"`
		Audit    *model.Audit   `json:"audit"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	require.Equal(t, "manual.pdf", body.Document.OriginalFilename)
	require.Equal(t, "ACME Aviation", body.Document.Organization)
	require.NotNil(t, body.Audit)
	require.Equal(t, model.AuditQueued, body.Audit.Status)
}

func TestUploadRejectsBadSourceType(t *testing.T) {
	e := newEnv(t)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "x.pdf")
	require.NoError(t, err)
	part.Write([]byte("data"))
	writer.WriteField("source_type", "nonsense")
	require.NoError(t, writer.Close())

	req := httptest.NewRequest("POST", "/api/documents", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	recorder := httptest.NewRecorder()
	e.router.ServeHTTP(recorder, req)
	require.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestGenerateQuestionsEndpoint(t *testing.T) {
	e := newEnv(t)
	doc := e.seedDocument(t)
	ctx := context.Background()

	audit := &model.Audit{DocumentID: doc.ID}
	require.NoError(t, e.store.CreateAudit(ctx, audit))
	flag := &model.Flag{AuditID: audit.ID, ChunkID: "D_0_0", FlagType: model.FlagYellow, SeverityScore: 55, Findings: "Unclear interval."}
	require.NoError(t, e.store.SaveFlag(ctx, flag))
	require.NoError(t, e.store.ReplaceCitations(ctx, flag.ID, []model.Citation{
		{CitationType: model.CitationRegulation, Reference: "145.A.40"},
	}))

	resp := e.do(t, "POST", fmt.Sprintf("/api/audits/%d/questions", audit.ID), nil)
	require.Equal(t, 200, resp.Code)
	var body struct {
		QuestionsCreated int `json:"questions_created"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.GreaterOrEqual(t, body.QuestionsCreated, 3)

	// Idempotent per regulation reference.
	resp = e.do(t, "POST", fmt.Sprintf("/api/audits/%d/questions", audit.ID), nil)
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, 0, body.QuestionsCreated)
}
