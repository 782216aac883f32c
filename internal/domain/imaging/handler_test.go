package imaging

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/imaging/internal/platform/blobstore"
	"github.com/ehr/imaging/internal/testutil/dicomtest"
)

func multipartBody(t *testing.T, uploads []Upload) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, u := range uploads {
		part, err := w.CreateFormFile(UploadField, u.Filename)
		if err != nil {
			t.Fatal(err)
		}
		part.Write(u.Data)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, w.FormDataContentType()
}

func doUpload(t *testing.T, h *Handler, uploads []Upload) (*httptest.ResponseRecorder, UploadResponse) {
	t.Helper()
	body, contentType := multipartBody(t, uploads)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/dicom/upload", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)

	if err := h.Upload(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp UploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return rec, resp
}

func TestHandler_Upload_ThreeObjects(t *testing.T) {
	env := newTestEnv(t, Options{})
	h := NewHandler(env.svc)

	rec, resp := doUpload(t, h, threeObjects(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !resp.Success {
		t.Errorf("expected success, got %+v", resp)
	}
	if len(resp.UploadResults) != 3 || len(resp.Errors) != 0 {
		t.Fatalf("expected 3 results and no errors, got %+v", resp)
	}
	first := resp.UploadResults[0]
	if first.Filename != "ct1.dcm" || first.SOPInstanceUID != "1.2.3.1.1" ||
		first.StudyInstanceUID != "1.2.3" || first.SeriesInstanceUID != "1.2.3.1" || first.Status != StatusCreated {
		t.Errorf("unexpected first result %+v", first)
	}
	if resp.Metadata == nil || resp.Metadata.PatientID == nil || *resp.Metadata.PatientID != "P1" {
		t.Errorf("expected metadata of the first object, got %+v", resp.Metadata)
	}
}

func TestHandler_Upload_JSONShape(t *testing.T) {
	env := newTestEnv(t, Options{})
	h := NewHandler(env.svc)

	uploads := []Upload{
		upload(t, "good.dcm", dicomtest.New("P1", "1.2", "1.2.1", "1.2.1.1")),
		{Filename: "bad.dcm", Data: []byte("garbage")},
	}
	body, contentType := multipartBody(t, uploads)
	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	rec := httptest.NewRecorder()
	if err := h.Upload(echo.New().NewContext(req, rec)); err != nil {
		t.Fatal(err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"success", "message", "uploadResults", "metadata", "errors"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("response missing %q: %s", key, rec.Body.String())
		}
	}

	var errs []map[string]string
	if err := json.Unmarshal(raw["errors"], &errs); err != nil {
		t.Fatal(err)
	}
	if len(errs) != 1 || errs[0]["filename"] != "bad.dcm" || errs[0]["error"] == "" {
		t.Errorf("unexpected errors %v", errs)
	}
}

func TestHandler_Upload_AllRejected(t *testing.T) {
	env := newTestEnv(t, Options{})
	h := NewHandler(env.svc)

	rec, resp := doUpload(t, h, []Upload{{Filename: "junk.bin", Data: []byte("junk")}})
	if rec.Code != http.StatusOK {
		t.Errorf("object-level failures are not a server error, got %d", rec.Code)
	}
	if resp.Success || len(resp.UploadResults) != 0 || len(resp.Errors) != 1 {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestHandler_Upload_NoFiles(t *testing.T) {
	env := newTestEnv(t, Options{})
	h := NewHandler(env.svc)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	w.WriteField("note", "nothing attached")
	w.Close()

	req := httptest.NewRequest(http.MethodPost, "/", &buf)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	rec := httptest.NewRecorder()
	if err := h.Upload(echo.New().NewContext(req, rec)); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"success":false`) {
		t.Errorf("expected success=false, got %s", rec.Body.String())
	}
}

func TestHandler_Upload_NotMultipart(t *testing.T) {
	env := newTestEnv(t, Options{})
	h := NewHandler(env.svc)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := h.Upload(echo.New().NewContext(req, rec)); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_Upload_TransactionErrorIs500(t *testing.T) {
	repo := failingRepo{Repository: newTestRepo(t)}
	svc := NewService(repo, blobstore.NewInMemoryBlobStore(), Options{}, zerolog.Nop())
	h := NewHandler(svc)

	rec, resp := doUpload(t, h, threeObjects(t))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if resp.Success || !strings.HasPrefix(resp.Message, "Upload failed") {
		t.Errorf("unexpected response %+v", resp)
	}
	if len(resp.UploadResults) != 0 {
		t.Errorf("nothing may be reported as stored after a rollback, got %+v", resp.UploadResults)
	}
}

func TestHandler_Counts(t *testing.T) {
	env := newTestEnv(t, Options{})
	h := NewHandler(env.svc)
	env.svc.IngestBatch(context.Background(), threeObjects(t))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/dicom/counts", nil)
	rec := httptest.NewRecorder()
	if err := h.Counts(echo.New().NewContext(req, rec)); err != nil {
		t.Fatal(err)
	}
	var got HierarchyCounts
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	want := HierarchyCounts{Patients: 1, Studies: 1, Series: 2, Instances: 3}
	if got != want {
		t.Errorf("expected %+v, got %+v", want, got)
	}
}
