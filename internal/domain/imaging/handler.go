package imaging

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
)

// UploadField is the multipart field carrying DICOM files. Files under any
// other field name are accepted too.
const UploadField = "files"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/dicom/upload", h.Upload)
	api.GET("/dicom/counts", h.Counts)
}

// UploadResult describes one stored object in an upload response.
type UploadResult struct {
	Filename          string `json:"filename"`
	SOPInstanceUID    string `json:"sopInstanceUID"`
	StudyInstanceUID  string `json:"studyInstanceUID"`
	SeriesInstanceUID string `json:"seriesInstanceUID"`
	Status            Status `json:"status"`
}

// UploadError describes one rejected object.
type UploadError struct {
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

// UploadResponse is the body returned by the upload route.
type UploadResponse struct {
	Success       bool           `json:"success"`
	Message       string         `json:"message"`
	UploadResults []UploadResult `json:"uploadResults"`
	Metadata      *Metadata      `json:"metadata"`
	Notices       []string       `json:"notices,omitempty"`
	Errors        []UploadError  `json:"errors,omitempty"`
}

func failure(c echo.Context, code int, msg string) error {
	return c.JSON(code, UploadResponse{Success: false, Message: msg, UploadResults: []UploadResult{}})
}

// Upload ingests every file of a multipart request as one unit.
func (h *Handler) Upload(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		if errors.Is(err, http.ErrNotMultipart) {
			return failure(c, http.StatusBadRequest, "No files uploaded")
		}
		return failure(c, http.StatusBadRequest, fmt.Sprintf("invalid multipart body: %v", err))
	}

	files := form.File[UploadField]
	if len(files) == 0 {
		for _, fhs := range form.File {
			files = append(files, fhs...)
		}
	}
	if len(files) == 0 {
		return failure(c, http.StatusBadRequest, "No files uploaded")
	}

	uploads := make([]Upload, 0, len(files))
	var total uint64
	for _, fh := range files {
		data, err := readPart(fh)
		if err != nil {
			return failure(c, http.StatusBadRequest, fmt.Sprintf("read %s: %v", fh.Filename, err))
		}
		total += uint64(len(data))
		uploads = append(uploads, Upload{Filename: fh.Filename, Data: data})
	}
	h.svc.logger.Debug().Int("files", len(uploads)).Str("size", humanize.Bytes(total)).Msg("upload received")

	res := h.svc.IngestBatch(c.Request().Context(), uploads)
	if res.Err != nil {
		resp := buildUploadResponse(res)
		resp.Success = false
		resp.Message = "Upload failed: " + res.Err.Error()
		return c.JSON(http.StatusInternalServerError, resp)
	}
	return c.JSON(http.StatusOK, buildUploadResponse(res))
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func buildUploadResponse(res *BatchResult) UploadResponse {
	resp := UploadResponse{UploadResults: []UploadResult{}, Notices: res.Notices}
	for _, o := range res.Succeeded() {
		resp.UploadResults = append(resp.UploadResults, UploadResult{
			Filename:          o.Filename,
			SOPInstanceUID:    o.Identity.SOPInstanceUID,
			StudyInstanceUID:  o.Identity.StudyInstanceUID,
			SeriesInstanceUID: o.Identity.SeriesInstanceUID,
			Status:            o.Status,
		})
		if resp.Metadata == nil {
			resp.Metadata = o.Metadata
		}
	}
	for _, o := range res.Failed() {
		resp.Errors = append(resp.Errors, UploadError{Filename: o.Filename, Error: o.Err.Error()})
	}

	created, updated, rejected := res.Counts()
	resp.Success = created+updated > 0
	resp.Message = fmt.Sprintf("Processed %d file(s): %d created, %d updated, %d failed",
		len(res.Outcomes), created, updated, rejected)
	return resp
}

// Counts returns the number of rows at each hierarchy level.
func (h *Handler) Counts(c echo.Context) error {
	counts, err := h.svc.Repository().Counts(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, counts)
}
