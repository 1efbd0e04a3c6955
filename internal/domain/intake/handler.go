package intake

import (
	"io"
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/labstack/echo/v4"

	"github.com/belrose/recordintake/internal/platform/fhir"
	"github.com/belrose/recordintake/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/intake")
	g.POST("/files", h.UploadFiles)
	g.POST("/text", h.SubmitText)
	g.POST("/structured", h.SubmitStructured)
	g.GET("/items", h.ListItems)
	g.DELETE("/items", h.ClearItems)
	g.GET("/items/:id", h.GetItem)
	g.DELETE("/items/:id", h.RemoveItem)
	g.GET("/items/:id/validation", h.GetValidation)
	g.POST("/items/:id/retry", h.RetryItem)
	g.POST("/items/:id/cancel", h.CancelItem)
	g.POST("/items/:id/save", h.SaveItem)
	g.GET("/stats", h.GetStats)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrItemNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAlreadyRunning), errors.Is(err, ErrAlreadyPersisted),
		errors.Is(err, ErrNotPending), errors.Is(err, ErrNotCompleted):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrEmptyContent):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, ErrNotInitialized):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// autoProcess reports whether admitted items should start right away. It is
// on unless the request says ?process=false.
func autoProcess(c echo.Context) bool {
	v := c.QueryParam("process")
	if v == "" {
		return true
	}
	b, err := strconv.ParseBool(v)
	return err != nil || b
}

func (h *Handler) startAll(c echo.Context, ids ...string) {
	if !autoProcess(c) {
		return
	}
	for _, id := range ids {
		_ = h.svc.Process(id)
	}
}

func (h *Handler) UploadFiles(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart form with a files field is required")
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "no files uploaded")
	}
	uploads := make([]Upload, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		uploads = append(uploads, Upload{
			Name:        fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Data:        data,
		})
	}

	res, err := h.svc.AddItems(uploads, Limits{})
	if err != nil {
		return httpError(err)
	}
	h.startAll(c, res.Accepted...)
	status := http.StatusAccepted
	if len(res.Accepted) == 0 {
		status = http.StatusUnprocessableEntity
	}
	return c.JSON(status, res)
}

type textRequest struct {
	Text string `json:"text"`
}

func (h *Handler) SubmitText(c echo.Context) error {
	var req textRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	id, err := h.svc.AddText(req.Text)
	if err != nil {
		return httpError(err)
	}
	h.startAll(c, id)
	return c.JSON(http.StatusAccepted, map[string]string{"id": id})
}

// SubmitStructured takes the record as the raw request body.
func (h *Handler) SubmitStructured(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	id, err := h.svc.AddStructuredItem(body, StructuredOptions{Name: c.QueryParam("name")})
	if err != nil {
		return httpError(err)
	}
	h.startAll(c, id)
	return c.JSON(http.StatusAccepted, map[string]string{"id": id})
}

func (h *Handler) ListItems(c echo.Context) error {
	pg := pagination.FromContext(c)
	items := h.svc.List()
	if status := c.QueryParam("status"); status != "" {
		filtered := items[:0]
		for _, it := range items {
			if string(it.Status) == status {
				filtered = append(filtered, it)
			}
		}
		items = filtered
	}
	start, end := pg.Window(len(items))
	return c.JSON(http.StatusOK, pagination.NewResponse(items[start:end], len(items), pg.Limit, pg.Offset))
}

func (h *Handler) GetItem(c echo.Context) error {
	it, err := h.svc.Get(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, it)
}

// GetValidation renders the item's validation report as an OperationOutcome.
func (h *Handler) GetValidation(c echo.Context) error {
	it, err := h.svc.Get(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Item", c.Param("id")))
	}
	if it.Validation == nil {
		return c.JSON(http.StatusNotFound, fhir.NewOperationOutcome(
			fhir.IssueSeverityInformation, fhir.IssueTypeNotFound, "item has no structured record"))
	}
	return c.JSON(http.StatusOK, it.Validation.ToOperationOutcome())
}

func (h *Handler) RetryItem(c echo.Context) error {
	force, _ := strconv.ParseBool(c.QueryParam("force"))
	id := c.Param("id")
	if err := h.svc.Retry(id, force); err != nil {
		return httpError(err)
	}
	it, err := h.svc.Get(id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, it)
}

func (h *Handler) CancelItem(c echo.Context) error {
	if err := h.svc.Cancel(c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) SaveItem(c echo.Context) error {
	it, err := h.svc.Save(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	if it.Status == StatusPersistenceError {
		return c.JSON(http.StatusBadGateway, it)
	}
	return c.JSON(http.StatusOK, it)
}

func (h *Handler) RemoveItem(c echo.Context) error {
	deletePersisted, _ := strconv.ParseBool(c.QueryParam("deletePersisted"))
	res, err := h.svc.Remove(c.Request().Context(), c.Param("id"), deletePersisted)
	if err != nil && res == nil {
		return httpError(err)
	}
	if res == nil {
		return c.NoContent(http.StatusNoContent)
	}
	if err != nil {
		return c.JSON(http.StatusMultiStatus, res)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) ClearItems(c echo.Context) error {
	if err := h.svc.ClearAll(c.Request().Context()); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Stats())
}
