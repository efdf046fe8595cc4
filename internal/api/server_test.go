package api

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/depositd/internal/approval"
	"github.com/mattjoyce/depositd/internal/backend"
	"github.com/mattjoyce/depositd/internal/deposit"
	"github.com/mattjoyce/depositd/internal/download"
	"github.com/mattjoyce/depositd/internal/location"
	"github.com/mattjoyce/depositd/internal/space"
	"github.com/mattjoyce/depositd/internal/storage"
	"github.com/mattjoyce/depositd/internal/sword"
	"github.com/mattjoyce/depositd/internal/workspace"
)

const (
	swordSpace = "space-sword"
	storeSpace = "space-store"
	pipeline   = "pipe-1"
)

type testEnv struct {
	handler   http.Handler
	deposits  *deposit.Service
	store     *deposit.Store
	root      string
	cpPath    string
	content   *httptest.Server
	approvals chan url.Values
	release   chan struct{}
}

// newTestEnv wires the real stack: SQLite inventory, the download coordinator,
// the approval client pointed at a fake pipeline, and a content server whose
// /slow/ files block until release is closed and /missing/ files are 404.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()

	env := &testEnv{root: root, approvals: make(chan url.Values, 8), release: make(chan struct{})}

	pipelineSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		env.approvals <- r.PostForm
		_ = json.NewEncoder(w).Encode(approval.Outcome{Message: "Approval successful."})
	}))
	t.Cleanup(pipelineSrv.Close)

	env.content = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/missing/") {
			http.NotFound(w, r)
			return
		}
		if strings.HasPrefix(r.URL.Path, "/slow/") {
			select {
			case <-env.release:
			case <-r.Context().Done():
				return
			}
		}
		_, _ = io.WriteString(w, "content of "+r.URL.Path)
	}))
	t.Cleanup(env.content.Close)

	db, err := storage.OpenSQLite(ctx, filepath.Join(root, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	locations := location.NewStore(db)
	for _, dir := range []string{"sword", "store/shared", "store/aips"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0o755))
	}
	require.NoError(t, locations.SaveSpace(ctx, location.Space{UUID: swordSpace, Protocol: location.ProtocolLocal, Path: filepath.Join(root, "sword")}))
	require.NoError(t, locations.SaveSpace(ctx, location.Space{UUID: storeSpace, Protocol: location.ProtocolLocal, Path: filepath.Join(root, "store")}))
	require.NoError(t, locations.SavePipeline(ctx, location.Pipeline{
		UUID:        pipeline,
		RemoteName:  strings.TrimPrefix(pipelineSrv.URL, "http://"),
		APIUsername: "demo",
		APIKey:      "secret",
		Enabled:     true,
	}))
	require.NoError(t, locations.SaveSwordServer(ctx, location.SwordServer{UUID: "sw-1", SpaceUUID: swordSpace, PipelineUUID: pipeline}))
	require.NoError(t, locations.SaveLocation(ctx, location.Location{UUID: "cp-1", SpaceUUID: storeSpace, Purpose: location.PurposeCurrentlyProcessing, RelativePath: "shared"}))
	require.NoError(t, locations.LinkPipeline(ctx, "cp-1", pipeline))
	require.NoError(t, locations.SaveLocation(ctx, location.Location{UUID: "as-1", SpaceUUID: storeSpace, Purpose: location.PurposeAIPStorage, RelativePath: "aips"}))
	env.cpPath = filepath.Join(root, "store", "shared")

	ws, err := workspace.NewFSManager(filepath.Join(root, "scratch"))
	require.NoError(t, err)

	resolver := location.NewResolver(locations)
	env.store = deposit.NewStore(db)
	approver := approval.New(locations, resolver, env.store, nil, approval.Config{Timeout: 5 * time.Second}, nil)

	coordinator := download.New(download.Config{RetryDelay: time.Millisecond}, download.HTTPFetcher{}, ws, nil, nil)
	t.Cleanup(func() {
		select {
		case <-env.release:
		default:
			close(env.release)
		}
		_ = coordinator.Stop()
	})

	env.deposits = deposit.NewService(deposit.Deps{
		Store:      env.store,
		Locations:  locations,
		Resolver:   resolver,
		Approver:   approver,
		Downloads:  coordinator,
		Workspaces: ws,
	})

	registry := backend.NewRegistry(backend.Options{})
	verifier := space.NewVerifier(locations, registry, time.Minute, slogDiscard())
	files := space.NewFileService(locations, registry, slogDiscard())

	srv := New(Config{BaseURL: "http://storage.test"}, env.deposits, locations, verifier, files, slogDiscard())
	env.handler = srv.Handler()
	return env
}

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (e *testEnv) do(t *testing.T, method, target string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func mets(label string, urls ...string) string {
	var files strings.Builder
	for i, u := range urls {
		fmt.Fprintf(&files, `<mets:file ID="f%d"><mets:FLocat LOCTYPE="URL" xlink:href="%s"/></mets:file>`, i, u)
	}
	labelAttr := ""
	if label != "" {
		labelAttr = fmt.Sprintf(` LABEL="%s"`, label)
	}
	return fmt.Sprintf(`<mets:mets xmlns:mets="http://www.loc.gov/METS/" xmlns:xlink="http://www.w3.org/1999/xlink"%s>
<mets:fileSec><mets:fileGrp ID="DATASTREAMS"><mets:fileGrp ID="OBJ">%s</mets:fileGrp></mets:fileGrp></mets:fileSec>
</mets:mets>`, labelAttr, files.String())
}

// depositUUID pulls the deposit id out of a receipt's Location header.
func depositUUID(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	loc := rec.Header().Get("Location")
	require.True(t, strings.HasPrefix(loc, "/api/v1/location/"), "location header %q", loc)
	return strings.TrimSuffix(strings.TrimPrefix(loc, "/api/v1/location/"), "/sword/")
}

func errorSummary(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var doc struct {
		Summary string `xml:"summary"`
		Status  int    `xml:"http://purl.org/net/sword/terms/ status"`
	}
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &doc), rec.Body.String())
	assert.Equal(t, rec.Code, doc.Status)
	return doc.Summary
}

const collection = "/api/v1/space/" + swordSpace + "/sword/collection/"

func TestCreateWithURLsFinalizesAfterDownload(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, collection,
		strings.NewReader(mets("Photos", env.content.URL+"/a.pdf", env.content.URL+"/b.pdf")),
		map[string]string{"In-Progress": "false", "On-Behalf-Of": "curator"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, sword.ContentTypeAtomEntry, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "http://storage.test/api/v1/location/")
	id := depositUUID(t, rec)

	var form url.Values
	select {
	case form = <-env.approvals:
	case <-time.After(10 * time.Second):
		t.Fatal("deposit was never approved")
	}
	assert.Equal(t, "Photos", form.Get("directory"))
	assert.Equal(t, "standard", form.Get("type"))

	require.Eventually(t, func() bool {
		d, err := env.deposits.Get(context.Background(), id)
		return err == nil && d.CompletionTime != nil
	}, 5*time.Second, 20*time.Millisecond)

	data, err := os.ReadFile(filepath.Join(env.cpPath, "watchedDirectories", "activeTransfers", "standardTransfer", "Photos", "a.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "content of /a.pdf", string(data))

	rec = env.do(t, http.MethodGet, "/api/v1/location/"+id+"/sword/state/", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `href="complete"`)
	assert.Contains(t, rec.Body.String(), "Deposit initiation: complete")

	rec = env.do(t, http.MethodPost, "/api/v1/location/"+id+"/sword/media/", strings.NewReader("x"),
		map[string]string{"Content-Disposition": "attachment; filename=late.txt"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadThenFinalize(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, collection, strings.NewReader(mets("Thesis")), map[string]string{"In-Progress": "true"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := depositUUID(t, rec)
	media := "/api/v1/location/" + id + "/sword/media/"

	body := []byte("chapter one")
	sum := md5.Sum(body)
	rec = env.do(t, http.MethodPost, media, bytes.NewReader(body), map[string]string{
		"Content-Disposition": `attachment; filename="chapter 1.txt"`,
		"Content-MD5":         hex.EncodeToString(sum[:]),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, media, bytes.NewReader(body), map[string]string{"Content-Disposition": `attachment; filename="chapter 1.txt"`})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "File already exists.", errorSummary(t, rec))

	rec = env.do(t, http.MethodPost, media, strings.NewReader("tampered"), map[string]string{
		"Content-Disposition": "attachment; filename=other.txt",
		"Content-MD5":         hex.EncodeToString(sum[:]),
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, errorSummary(t, rec), "does not match checksum provided in header")

	rec = env.do(t, http.MethodPost, media, strings.NewReader("x"), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Content-disposition must be set in request header.", errorSummary(t, rec))

	rec = env.do(t, http.MethodPut, media, strings.NewReader("chapter one, revised"), map[string]string{"Content-Disposition": `attachment; filename="chapter 1.txt"`})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, media, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<title>chapter 1.txt</title>")
	assert.NotContains(t, rec.Body.String(), "other.txt")

	rec = env.do(t, http.MethodPost, "/api/v1/location/"+id+"/sword/", nil, map[string]string{"In-Progress": "false"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "submitted to its pipeline")

	select {
	case form := <-env.approvals:
		assert.Equal(t, "Thesis", form.Get("directory"))
	case <-time.After(5 * time.Second):
		t.Fatal("deposit was never approved")
	}

	rec = env.do(t, http.MethodPost, "/api/v1/location/"+id+"/sword/", nil, map[string]string{"In-Progress": "false"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFinalizeEmptyDeposit(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, collection, strings.NewReader(mets("Nothing")), map[string]string{"In-Progress": "true"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := depositUUID(t, rec)

	rec = env.do(t, http.MethodPost, "/api/v1/location/"+id+"/sword/", nil, map[string]string{"In-Progress": "false"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, env.approvals, 0)
}

func TestCreateFinalizedWithoutContentIsRefused(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, collection, strings.NewReader(mets("Hollow")), map[string]string{"In-Progress": "false"})
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Equal(t, "This deposit contains no files.", errorSummary(t, rec))
	assert.Len(t, env.approvals, 0)
}

func TestFailedDownloadKeepsDepositIncomplete(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, collection, strings.NewReader(mets("Partial",
		env.content.URL+"/a.pdf",
		env.content.URL+"/missing/b.pdf",
		env.content.URL+"/c.pdf",
	)), map[string]string{"In-Progress": "false"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	id := depositUUID(t, rec)

	require.Eventually(t, func() bool {
		tasks, err := env.store.Tasks(context.Background(), id)
		return err == nil && len(tasks) == 1 && tasks[0].CompletionTime != nil
	}, 5*time.Second, 20*time.Millisecond)

	tasks, err := env.store.Tasks(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 3, tasks[0].Attempted)
	assert.Equal(t, 2, tasks[0].Completed)

	rec = env.do(t, http.MethodGet, "/api/v1/location/"+id+"/sword/state/", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `href="incomplete"`)

	d, err := env.deposits.Get(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, d.Submitted())
	assert.True(t, d.ReadyForFinalization)
	assert.Len(t, env.approvals, 0)
}

func TestCreateRequestErrors(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	cases := []struct {
		name    string
		body    string
		headers map[string]string
		status  int
		summary string
	}{
		{"missing in-progress", mets("x"), nil, http.StatusPreconditionFailed,
			"The In-Progress header must be set to either true or false when creating a deposit."},
		{"invalid in-progress", mets("x"), map[string]string{"In-Progress": "soon"}, http.StatusPreconditionFailed,
			"The In-Progress header must be set to either true or false when creating a deposit."},
		{"empty body", "", map[string]string{"In-Progress": "true"}, http.StatusPreconditionFailed,
			"A request body must be sent when creating a deposit."},
		{"no label", mets(""), map[string]string{"In-Progress": "true"}, http.StatusBadRequest,
			"No deposit name found in XML."},
	}
	for _, tc := range cases {
		rec := env.do(t, http.MethodPost, collection, strings.NewReader(tc.body), tc.headers)
		require.Equal(t, tc.status, rec.Code, tc.name)
		assert.Equal(t, tc.summary, errorSummary(t, rec), tc.name)
	}

	rec := env.do(t, http.MethodPost, collection, strings.NewReader("<mets:mets"), map[string]string{"In-Progress": "true"})
	require.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.True(t, strings.HasPrefix(errorSummary(t, rec), "Error parsing XML ("))

	rec = env.do(t, http.MethodPost, "/api/v1/space/nope/sword/collection/", strings.NewReader(mets("x")), map[string]string{"In-Progress": "true"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteRefusedWhileDownloading(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, collection, strings.NewReader(mets("Slow", env.content.URL+"/slow/a.bin")), map[string]string{"In-Progress": "true"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := depositUUID(t, rec)
	edit := "/api/v1/location/" + id + "/sword/"

	rec = env.do(t, http.MethodGet, edit+"state/", nil, nil)
	assert.Contains(t, rec.Body.String(), `href="incomplete"`)

	rec = env.do(t, http.MethodDelete, edit, nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	close(env.release)
	require.Eventually(t, func() bool {
		rec := env.do(t, http.MethodGet, edit+"state/", nil, nil)
		return strings.Contains(rec.Body.String(), `href="complete"`)
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return env.do(t, http.MethodDelete, edit, nil, nil).Code == http.StatusNoContent
	}, 5*time.Second, 20*time.Millisecond)

	rec = env.do(t, http.MethodGet, edit, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestImportFromLocation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	src := filepath.Join(env.root, "store", "aips", "incoming")
	require.NoError(t, os.MkdirAll(src, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "obj.txt"), []byte("obj"), 0o644))

	rec := env.do(t, http.MethodPost, collection+"?source_location=as-1&relative_path_to_files=incoming", nil, nil)
	// In-Progress is still required.
	require.Equal(t, http.StatusPreconditionFailed, rec.Code)

	rec = env.do(t, http.MethodPost, collection+"?source_location=as-1&relative_path_to_files=incoming", nil, map[string]string{"In-Progress": "false"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	select {
	case form := <-env.approvals:
		assert.Equal(t, "incoming", form.Get("directory"))
	case <-time.After(5 * time.Second):
		t.Fatal("import was never approved")
	}
	_, err := os.Stat(filepath.Join(src, "obj.txt"))
	assert.NoError(t, err, "import copies, the source stays in place")

	rec = env.do(t, http.MethodPost, collection+"?source_location=as-1&relative_path_to_files=../../etc", nil, map[string]string{"In-Progress": "false"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServiceDocumentAndCollection(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/sword/", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, sword.ContentTypeService, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `href="http://storage.test`+collection+`"`)
	assert.NotContains(t, rec.Body.String(), storeSpace)

	rec = env.do(t, http.MethodGet, "/api/v1/space/"+storeSpace+"/sword/", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	for _, name := range []string{"One", "Two"} {
		rec = env.do(t, http.MethodPost, collection, strings.NewReader(mets(name)), map[string]string{"In-Progress": "true"})
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	rec = env.do(t, http.MethodGet, collection, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<title>One</title>")
	assert.Contains(t, rec.Body.String(), "<title>Two</title>")
}

func TestRoutingErrors(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPatch, collection, nil, nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Contains(t, errorSummary(t, rec), "PATCH")

	rec = env.do(t, http.MethodGet, "/api/v1/location/nope/sword/", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Deposit location nope does not exist.", errorSummary(t, rec))

	rec = env.do(t, http.MethodGet, "/api/v1/nowhere/", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStoreFile(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	src := filepath.Join(env.root, "package.7z")
	require.NoError(t, os.WriteFile(src, []byte("aip bytes"), 0o644))

	post := func(req StoreFileRequest) *httptest.ResponseRecorder {
		body, err := json.Marshal(req)
		require.NoError(t, err)
		return env.do(t, http.MethodPost, "/api/v1/file/", bytes.NewReader(body), map[string]string{"Content-Type": "application/json"})
	}

	rec := post(StoreFileRequest{OriginPath: src, CurrentLocation: "as-1", CurrentPath: "ab/cd/package.7z", PackageType: "AIP"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp FileResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Uploaded)
	assert.Equal(t, int64(len("aip bytes")), resp.Size)
	assert.NotEmpty(t, resp.UUID)

	data, err := os.ReadFile(filepath.Join(env.root, "store", "aips", "ab", "cd", "package.7z"))
	require.NoError(t, err)
	assert.Equal(t, "aip bytes", string(data))

	rec = post(StoreFileRequest{OriginPath: src, CurrentLocation: "as-1", CurrentPath: "x", PackageType: "tarball"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(StoreFileRequest{OriginPath: src, CurrentLocation: "missing", CurrentPath: "x", PackageType: "AIP"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/file/", strings.NewReader("{"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthzResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Len(t, resp.Spaces, 2)
	for _, sp := range resp.Spaces {
		assert.Nil(t, sp.Verified, "nothing has been verified yet")
	}
}

func TestStatusForKind(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusNotFound, statusForKind(deposit.KindNotFound))
	assert.Equal(t, http.StatusBadRequest, statusForKind(deposit.KindAlreadySubmitted))
	assert.Equal(t, http.StatusBadRequest, statusForKind(deposit.KindChecksumMismatch))
	assert.Equal(t, http.StatusPreconditionFailed, statusForKind(deposit.KindPreconditionFailed))
	assert.Equal(t, http.StatusConflict, statusForKind(deposit.KindDownloadInProgress))
	assert.Equal(t, http.StatusInternalServerError, statusForKind(deposit.KindApprovalFailed))
	assert.Equal(t, http.StatusInternalServerError, statusForKind(deposit.KindInternal))
}
