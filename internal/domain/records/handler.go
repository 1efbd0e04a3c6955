package records

import (
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/belrose/recordintake/internal/platform/blobstore"
	"github.com/belrose/recordintake/internal/platform/fhir"
	"github.com/belrose/recordintake/pkg/fhirmodels"
	"github.com/belrose/recordintake/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	api.GET("/records", h.ListRecords)
	api.GET("/records/:id", h.GetRecord)
	api.PATCH("/records/:id", h.UpdateRecord)
	api.DELETE("/records/:id", h.DeleteRecord)
	api.GET("/records/:id/content", h.GetContent)
	api.GET("/records/:id/verify", h.VerifyRecord)

	fhirGroup.GET("/DocumentReference", h.SearchDocumentReferencesFHIR)
	fhirGroup.GET("/DocumentReference/:id", h.GetDocumentReferenceFHIR)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func httpError(err error) error {
	if errors.Is(err, ErrRecordNotFound) || errors.Is(err, blobstore.ErrBlobNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if errors.Is(err, ErrNoVerifier) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func (h *Handler) ListRecords(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetRecord(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	rec, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) UpdateRecord(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var patch Patch
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.svc.Update(c.Request().Context(), id, patch)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

// DeleteRecord answers 207 when only one of blob and metadata was removed.
func (h *Handler) DeleteRecord(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	res, err := h.svc.Delete(c.Request().Context(), id)
	if res == nil {
		return httpError(err)
	}
	if err != nil {
		return c.JSON(http.StatusMultiStatus, res)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetContent(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	rc, meta, err := h.svc.Content(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	defer rc.Close()
	c.Response().Header().Set("Content-Disposition", `attachment; filename="`+meta.FileName+`"`)
	c.Response().Header().Set("X-Content-Hash", meta.Hash)
	return c.Stream(http.StatusOK, meta.ContentType, rc)
}

func (h *Handler) VerifyRecord(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.Verify(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

// -- FHIR Endpoints --

func (h *Handler) SearchDocumentReferencesFHIR(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	resources := make([]fhir.Resource, len(items))
	for i, rec := range items {
		resources[i] = rec.ToDocumentReference()
	}
	bundle := fhir.NewBundle(fhirmodels.BundleTypeSearchset, resources...)
	bundle["total"] = total
	bundle["link"] = pg.FHIRLinks("/fhir/DocumentReference", total)
	return c.JSON(http.StatusOK, bundle)
}

func (h *Handler) GetDocumentReferenceFHIR(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("invalid id"))
	}
	rec, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome(fhirmodels.ResourceDocumentReference, c.Param("id")))
		}
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	return c.JSON(http.StatusOK, rec.ToDocumentReference())
}
