package server

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/privypress/internal/document"
	"github.com/dativo-io/privypress/internal/jobs"
	"github.com/dativo-io/privypress/internal/manifest"
	"github.com/dativo-io/privypress/internal/policy"
	"github.com/dativo-io/privypress/internal/redact"
	"github.com/dativo-io/privypress/internal/requestctx"
	"github.com/dativo-io/privypress/internal/rules"
	"github.com/dativo-io/privypress/internal/testutil"
)

type fixture struct {
	handler http.Handler
	store   jobs.Store
}

func newFixture(t *testing.T, ev policy.Evaluator, popts []jobs.PipelineOption, opts ...Option) *fixture {
	t.Helper()
	return newFixtureWithTimeout(t, 2*time.Second, ev, popts, opts...)
}

func newFixtureWithTimeout(t *testing.T, timeout time.Duration, ev policy.Evaluator, popts []jobs.PipelineOption, opts ...Option) *fixture {
	t.Helper()
	store, err := jobs.NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"), testutil.TestSigningKey, testutil.TestArtifactKey)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	if ev == nil {
		ev, err = policy.NewRegoEvaluator(context.Background(), "")
		require.NoError(t, err)
	}
	holder := rules.NewHolder(testutil.RuleSet(t, "names:\n  - Jane Doe\n", testutil.EmailPattern))
	pipeline := jobs.NewPipeline(store, holder, policy.NewAdapter(ev, policy.WithTimeout(timeout)), popts...)
	srv := NewServer(pipeline, store, holder, opts...)
	return &fixture{handler: srv.Routes(), store: store}
}

func uploadRequest(t *testing.T, filename, contentType, body, profile string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write([]byte(body))
	require.NoError(t, err)
	if profile != "" {
		require.NoError(t, mw.WriteField("policy_profile", profile))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) get(path string) *httptest.ResponseRecorder {
	return f.do(httptest.NewRequest(http.MethodGet, path, nil))
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t, nil, nil, WithVersion("v1.2.3"))
	rec := f.get("/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, "v1.2.3", out["version"])
	rulesInfo, ok := out["rules"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(2), rulesInfo["count"])
	assert.NotEmpty(t, rulesInfo["fingerprint"])
}

func TestIndexServesUploadForm(t *testing.T) {
	f := newFixture(t, nil, nil, WithDefaultProfile("balanced"))
	rec := f.get("/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	body := rec.Body.String()
	assert.Contains(t, body, `action="/upload"`)
	assert.Contains(t, body, `name="policy_profile"`)
	assert.Contains(t, body, `<option value="balanced" selected>`)
	assert.Contains(t, body, `<option value="strict">`)
}

func TestUpload_ReleasedJob(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec := f.do(uploadRequest(t, "note.txt", "text/plain", "Contact john@x.com now\n", "strict"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode(t, rec)
	assert.Equal(t, "ready", out["status"])
	id, _ := out["job_id"].(string)
	require.NotEmpty(t, id)
	pol, ok := out["policy"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, pol["allow"])

	rec = f.get("/jobs/" + id)
	require.Equal(t, http.StatusOK, rec.Code)
	job := decode(t, rec)
	assert.Equal(t, id, job["job_id"])
	assert.Equal(t, "released", job["state"])
	assert.Equal(t, "ready", job["status"])
	assert.Equal(t, true, job["has_artifact"])
	m, ok := job["manifest"].(map[string]interface{})
	require.True(t, ok)
	dets, ok := m["detections"].([]interface{})
	require.True(t, ok)
	require.Len(t, dets, 1)
	assert.Equal(t, "john@x.com", dets[0].(map[string]interface{})["text"])

	rec = f.get("/jobs/" + id + "/pdf")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), id+".pdf")
	assert.True(t, strings.HasPrefix(rec.Body.String(), "%PDF-"))
	assert.NotContains(t, rec.Body.String(), testutil.PDFText("john@x.com"))
}

func TestUpload_FilenameSelectsFormat(t *testing.T) {
	f := newFixture(t, nil, nil)
	rec := f.do(uploadRequest(t, "page.html", "application/octet-stream",
		"<p>Written by <b>Jane Doe</b></p>", "balanced"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "ready", decode(t, rec)["status"])
}

func TestUpload_DOCXByFilename(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` +
		`<w:p><w:r><w:t>Signed by Jane Doe</w:t></w:r></w:p></w:body></w:document>`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	f := newFixture(t, nil, nil)
	rec := f.do(uploadRequest(t, "memo.docx", "application/octet-stream", buf.String(), "balanced"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode(t, rec)
	assert.Equal(t, "ready", out["status"])

	rec = f.get("/jobs/" + out["job_id"].(string))
	require.Equal(t, http.StatusOK, rec.Code)
	m := decode(t, rec)["manifest"].(map[string]interface{})
	dets := m["detections"].([]interface{})
	require.Len(t, dets, 1)
	assert.Equal(t, "names", dets[0].(map[string]interface{})["label"])
}

func TestUpload_EvaluatorTimeoutBlocks(t *testing.T) {
	slow := policy.EvaluatorFunc(func(ctx context.Context, _ policy.Input) (*policy.Verdict, error) {
		select {
		case <-time.After(5 * time.Second):
			return &policy.Verdict{Allow: true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	f := newFixtureWithTimeout(t, 50*time.Millisecond, slow, nil)

	rec := f.do(uploadRequest(t, "note.txt", "text/plain", "Contact john@x.com now", "strict"))
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "blocked", out["status"])
	pol := out["policy"].(map[string]interface{})
	assert.Equal(t, false, pol["allow"])
	assert.Equal(t, []interface{}{"policy evaluation error"}, pol["reasons"])

	id := out["job_id"].(string)
	rec = f.get("/jobs/" + id + "/pdf")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "policy_denied", decode(t, rec)["error"])

	rec = f.get("/jobs/" + id)
	require.Equal(t, http.StatusOK, rec.Code)
	job := decode(t, rec)
	assert.Equal(t, "blocked", job["state"])
	assert.Equal(t, false, job["has_artifact"])
}

func TestUpload_UnknownProfileBlocks(t *testing.T) {
	f := newFixture(t, nil, nil)
	rec := f.do(uploadRequest(t, "note.txt", "text/plain", "Contact john@x.com", "paranoid"))
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "blocked", out["status"])
	pol := out["policy"].(map[string]interface{})
	assert.Equal(t, []interface{}{`unknown policy profile "paranoid"`}, pol["reasons"])
}

func TestUpload_DefaultProfile(t *testing.T) {
	var seen string
	ev := policy.EvaluatorFunc(func(_ context.Context, in policy.Input) (*policy.Verdict, error) {
		seen = in.Profile
		return &policy.Verdict{Allow: true}, nil
	})
	f := newFixture(t, ev, nil, WithDefaultProfile("balanced"))
	rec := f.do(uploadRequest(t, "note.txt", "text/plain", "nothing to see", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "balanced", seen)
}

func TestUpload_Rejections(t *testing.T) {
	f := newFixture(t, nil, nil, WithMaxUploadBytes(64))

	tests := []struct {
		name string
		req  *http.Request
		code int
		err  string
	}{
		{"unsupported type", uploadRequest(t, "scan.png", "image/png", "\x89PNG", "strict"), http.StatusBadRequest, "unsupported_format"},
		{"invalid layout", uploadRequest(t, "doc.json", "", `{"pages":[{"number":2}]}`, "strict"), http.StatusBadRequest, "invalid_document"},
		{"too large", uploadRequest(t, "big.txt", "text/plain", strings.Repeat("a", 65), "strict"), http.StatusRequestEntityTooLarge, "too_large"},
		{"not multipart", httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("x")), http.StatusBadRequest, "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(tt.req)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
			assert.Equal(t, tt.err, decode(t, rec)["error"])
		})
	}

	list, err := f.store.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, list, "rejected uploads create no job")
}

func TestUpload_MissingFile(t *testing.T) {
	f := newFixture(t, nil, nil)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("policy_profile", "strict"))
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	rec := f.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type brokenRenderer struct{}

func (brokenRenderer) RenderPDF(context.Context, *document.Document, *manifest.Manifest) ([]byte, error) {
	return nil, fmt.Errorf("%w: no fonts", redact.ErrRender)
}

func TestUpload_RenderFailure(t *testing.T) {
	f := newFixture(t, nil, []jobs.PipelineOption{jobs.WithRenderer(brokenRenderer{})})

	rec := f.do(uploadRequest(t, "note.txt", "text/plain", "Contact john@x.com", "balanced"))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "render_failed", out["error"])
	id, _ := out["job_id"].(string)
	require.NotEmpty(t, id)

	job := decode(t, f.get("/jobs/"+id))
	assert.Equal(t, "failed", job["state"])
	assert.Equal(t, false, job["has_artifact"])
	assert.Equal(t, http.StatusNotFound, f.get("/jobs/"+id+"/pdf").Code)
}

func TestJobs_NotFound(t *testing.T) {
	f := newFixture(t, nil, nil)
	rec := f.get("/jobs/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode(t, rec)["error"])
	assert.Equal(t, http.StatusNotFound, f.get("/jobs/nope/pdf").Code)
}

func TestJobs_List(t *testing.T) {
	f := newFixture(t, nil, nil)
	for i := 0; i < 3; i++ {
		rec := f.do(uploadRequest(t, "note.txt", "text/plain", "hello", "strict"))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	out := decode(t, f.get("/jobs"))
	assert.Equal(t, float64(3), out["count"])

	out = decode(t, f.get("/jobs?limit=2"))
	assert.Equal(t, float64(2), out["count"])

	assert.Equal(t, http.StatusBadRequest, f.get("/jobs?limit=abc").Code)
}

// tamperedStore reports every record as failing verification.
type tamperedStore struct {
	jobs.Store
}

func (tamperedStore) Get(_ context.Context, id string) (*jobs.Job, error) {
	return nil, fmt.Errorf("%w: job %s", jobs.ErrSignature, id)
}

func (tamperedStore) Artifact(_ context.Context, id string) ([]byte, error) {
	return nil, fmt.Errorf("%w: job %s", jobs.ErrSignature, id)
}

func TestJobs_IntegrityError(t *testing.T) {
	holder := rules.NewHolder(testutil.RuleSet(t, "", testutil.EmailPattern))
	srv := NewServer(nil, tamperedStore{}, holder)
	h := srv.Routes()

	for _, path := range []string{"/jobs/job-1", "/jobs/job-1/pdf"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code, path)
		assert.Equal(t, "integrity_error", decode(t, rec)["error"], path)
	}
}

func TestAuthMiddleware(t *testing.T) {
	f := newFixture(t, nil, nil, WithAPIKeys([]string{"secret-key"}))

	assert.Equal(t, http.StatusOK, f.get("/health").Code, "health is open")
	assert.Equal(t, http.StatusOK, f.get("/").Code, "form is open")

	rec := f.get("/jobs")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decode(t, rec)["error"])

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.Header.Set("X-PrivyPress-Key", "wrong")
	assert.Equal(t, http.StatusUnauthorized, f.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.Header.Set("X-PrivyPress-Key", "secret-key")
	assert.Equal(t, http.StatusOK, f.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.Header.Set("Authorization", "Bearer secret-key")
	assert.Equal(t, http.StatusOK, f.do(req).Code)

	req = uploadRequest(t, "note.txt", "text/plain", "hello", "strict")
	assert.Equal(t, http.StatusUnauthorized, f.do(req).Code)
}

func TestUploadRateLimit(t *testing.T) {
	f := newFixture(t, nil, nil, WithUploadRateLimit(1))

	rec := f.do(uploadRequest(t, "note.txt", "text/plain", "hello", "strict"))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(uploadRequest(t, "note.txt", "text/plain", "hello", "strict"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limit_exceeded", decode(t, rec)["error"])

	assert.Equal(t, http.StatusOK, f.get("/jobs").Code, "reads are not limited")
}

func TestRateLimiter_PerClient(t *testing.T) {
	rl := NewRateLimiter(100, 1)
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))
}

func TestRateLimiter_EvictsRefilledClients(t *testing.T) {
	rl := NewRateLimiter(6000, 60)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return clock }

	for i := 0; i < 500; i++ {
		assert.True(t, rl.Allow(fmt.Sprintf("10.0.%d.%d", i/256, i%256)))
	}
	require.True(t, rl.Allow("busy"))
	assert.Equal(t, 501, rl.clientCount())

	// A minute later every bucket is full and swept; "busy" then drains a
	// new bucket, which stays tracked.
	clock = clock.Add(pruneInterval)
	for rl.Allow("busy") {
	}
	assert.Equal(t, 1, rl.clientCount())
	assert.False(t, rl.Allow("busy"), "eviction must not reset an active client's bucket")

	clock = clock.Add(2 * pruneInterval)
	assert.True(t, rl.Allow("new"))
	assert.Equal(t, 1, rl.clientCount(), "busy refilled and was dropped")
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, nil, nil)
	rec := f.do(httptest.NewRequest(http.MethodOptions, "/upload", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-PrivyPress-Key")
}

func TestUploadRateLimit_PerCaller(t *testing.T) {
	f := newFixture(t, nil, nil, WithAPIKeys([]string{"key-one", "key-two"}), WithUploadRateLimit(1))

	upload := func(key string) int {
		req := uploadRequest(t, "note.txt", "text/plain", "hello", "strict")
		req.Header.Set("X-PrivyPress-Key", key)
		return f.do(req).Code
	}
	assert.Equal(t, http.StatusOK, upload("key-one"))
	assert.Equal(t, http.StatusTooManyRequests, upload("key-one"))
	assert.Equal(t, http.StatusOK, upload("key-two"), "callers behind one address have separate buckets")
}

func TestMatchKey(t *testing.T) {
	keys := []string{"alpha", "beta", "beta"}
	assert.Equal(t, 0, matchKey(keys, "alpha"))
	assert.Equal(t, 1, matchKey(keys, "beta"), "first match wins")
	assert.Equal(t, -1, matchKey(keys, "gamma"))
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/upload", nil)
	req.RemoteAddr = "10.0.0.7:5555"
	assert.Equal(t, "10.0.0.7", clientKey(req))

	req = req.WithContext(requestctx.SetCaller(req.Context(), "key-2"))
	assert.Equal(t, "key-2", clientKey(req))
}
