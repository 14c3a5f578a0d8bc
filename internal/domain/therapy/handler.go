package therapy

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/labstack/echo/v4"

	"github.com/ayurcare/emr/internal/platform/auth"
	"github.com/ayurcare/emr/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/therapy")

	requesters := auth.RequireRole(auth.RolePatient, auth.RoleDoctor)
	staff := auth.RequireRole(auth.RoleDoctor, auth.RoleIntern)
	everyone := auth.RequireRole(auth.RolePatient, auth.RoleDoctor, auth.RoleIntern)

	g.POST("/cycles", h.RequestCycle, requesters)
	g.GET("/cycles", h.ListActiveCycles, staff)
	g.GET("/cycles/:id", h.GetCycle, staff)
	g.GET("/patients/:patient_id/cycle", h.GetActiveCycle, everyone)
	g.DELETE("/patients/:patient_id/cycle", h.CancelCycle, requesters)
	g.POST("/stages/:id/complete", h.CompleteStage, everyone)
	g.GET("/plans/preview", h.PreviewPlan, everyone)
}

// DayCount accepts a JSON number or string and reads it the lenient way
// ParseTotalDays does. Values that are neither yield 0.
type DayCount int

func (d *DayCount) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*d = DayCount(ParseTotalDays(s))
		return nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.Abs(f) > math.MaxInt32 {
		*d = 0
		return nil
	}
	*d = DayCount(int(f))
	return nil
}

type requestCycleBody struct {
	PatientID   int64    `json:"patient_id" validate:"omitempty,gt=0"`
	TherapyName string   `json:"therapy_name" validate:"max=200"`
	TotalDays   DayCount `json:"total_days"`
	StartDate   string   `json:"start_date"`
	DoctorID    *int64   `json:"doctor_id" validate:"omitempty,gt=0"`
}

func (h *Handler) RequestCycle(c echo.Context) error {
	var body requestCycleBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&body); err != nil {
		return err
	}

	ctx := c.Request().Context()
	req := CycleRequest{
		PatientID:   body.PatientID,
		TherapyName: body.TherapyName,
		TotalDays:   int(body.TotalDays),
		DoctorID:    body.DoctorID,
	}
	if req.PatientID == 0 && auth.HasRole(ctx, auth.RolePatient) {
		// Patients requesting for themselves may omit patient_id.
		req.PatientID, _ = strconv.ParseInt(auth.UserIDFromContext(ctx), 10, 64)
	}
	if body.StartDate != "" {
		start, err := parseDate(body.StartDate)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "start_date must be YYYY-MM-DD")
		}
		req.StartDate = &start
	}

	view, err := h.svc.RequestCycle(ctx, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, view)
}

func (h *Handler) ListActiveCycles(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListActiveCycles(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL.Path))
}

func (h *Handler) GetCycle(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	view, err := h.svc.GetCycle(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

// GetActiveCycle answers 200 with null when the patient has no active cycle.
func (h *Handler) GetActiveCycle(c echo.Context) error {
	patientID, err := pathID(c, "patient_id")
	if err != nil {
		return err
	}
	view, err := h.svc.GetActiveCycle(c.Request().Context(), patientID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) CancelCycle(c echo.Context) error {
	patientID, err := pathID(c, "patient_id")
	if err != nil {
		return err
	}
	if err := h.svc.CancelCycle(c.Request().Context(), patientID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) CompleteStage(c echo.Context) error {
	stageID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	result, err := h.svc.MarkStageComplete(c.Request().Context(), stageID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

type planPreview struct {
	TherapyName string   `json:"therapy_name"`
	TotalDays   int      `json:"total_days"`
	Stages      []*Stage `json:"stages"`
}

func (h *Handler) PreviewPlan(c echo.Context) error {
	name := strings.TrimSpace(c.QueryParam("therapy_name"))
	if name == "" {
		name = DefaultTherapyName
	}
	if utf8.RuneCountInString(name) > maxTherapyNameLen {
		return echo.NewHTTPError(http.StatusBadRequest, "therapy_name is too long")
	}
	var start *time.Time
	if raw := c.QueryParam("start_date"); raw != "" {
		t, err := parseDate(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "start_date must be YYYY-MM-DD")
		}
		start = &t
	}
	stages := h.svc.PreviewPlan(name, ParseTotalDays(c.QueryParam("total_days")), start)
	return c.JSON(http.StatusOK, planPreview{TherapyName: name, TotalDays: len(stages), Stages: stages})
}

func parseDate(raw string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func pathID(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// httpError maps service errors onto HTTP status codes. Anything unexpected
// becomes a 500 whose detail stays in the logs.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrActiveCycleExists):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidReference):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
}
