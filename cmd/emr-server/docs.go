package main

import (
	"net/http"

	"github.com/ayurcare/emr/internal/domain/identity"
	"github.com/ayurcare/emr/internal/domain/therapy"
	"github.com/ayurcare/emr/internal/platform/auth"
	"github.com/ayurcare/emr/internal/platform/openapi"
	"github.com/ayurcare/emr/internal/platform/sandbox"
	"github.com/ayurcare/emr/pkg/pagination"
)

// Request and list shapes as they appear on the wire.
type (
	userBody struct {
		Name      string `json:"name"`
		Email     string `json:"email"`
		Role      string `json:"role"`
		BirthDate string `json:"birth_date"`
	}
	cycleBody struct {
		PatientID   int64  `json:"patient_id"`
		TherapyName string `json:"therapy_name"`
		TotalDays   int    `json:"total_days"`
		StartDate   string `json:"start_date"`
		DoctorID    *int64 `json:"doctor_id"`
	}
	planPreviewDoc struct {
		TherapyName string          `json:"therapy_name"`
		TotalDays   int             `json:"total_days"`
		Stages      []therapy.Stage `json:"stages"`
	}
	pageDoc struct {
		Total   int               `json:"total"`
		Limit   int               `json:"limit"`
		Offset  int               `json:"offset"`
		HasMore bool              `json:"has_more"`
		Links   *pagination.Links `json:"links,omitempty"`
	}
	userPage struct {
		Data []identity.User `json:"data"`
		pageDoc
	}
	cyclePage struct {
		Data []therapy.CycleView `json:"data"`
		pageDoc
	}
)

var pageQuery = []openapi.Param{
	{Name: "limit", Type: "integer", Description: "Page size, at most 100"},
	{Name: "offset", Type: "integer", Description: "Items to skip"},
}

// apiDocs describes every /api/v1 route.
func apiDocs(baseURL string, withSandbox bool) *openapi.Generator {
	g := openapi.NewGenerator("AyurCare EMR API", version, baseURL)

	g.AddSchema("User", identity.User{})
	g.AddSchema("CreateUser", userBody{})
	g.AddSchema("UserPage", userPage{})
	g.AddSchema("CycleRequest", cycleBody{})
	g.AddSchema("Cycle", therapy.CycleView{})
	g.AddSchema("CyclePage", cyclePage{})
	g.AddSchema("StageCompletion", therapy.StageCompletion{})
	g.AddSchema("PlanPreview", planPreviewDoc{})

	patient, doctor, intern, admin := auth.RolePatient, auth.RoleDoctor, auth.RoleIntern, auth.RoleAdmin
	unauth := []int{http.StatusUnauthorized, http.StatusForbidden}

	// Users
	g.AddOperation(openapi.Operation{
		Method: http.MethodPost, Path: "/users", Tag: "users",
		Summary:  "Register a user",
		Roles:    []string{admin},
		Request:  "CreateUser",
		Response: "User",
		Status:   http.StatusCreated,
		Errors:   append([]int{http.StatusBadRequest, http.StatusConflict}, unauth...),
	})
	g.AddOperation(openapi.Operation{
		Method: http.MethodGet, Path: "/users", Tag: "users",
		Summary:  "List users",
		Roles:    []string{doctor, intern},
		Query:    append([]openapi.Param{{Name: "role", Type: "string", Description: "patient, doctor, intern or admin"}}, pageQuery...),
		Response: "UserPage",
		Errors:   append([]int{http.StatusBadRequest}, unauth...),
	})
	g.AddOperation(openapi.Operation{
		Method: http.MethodGet, Path: "/users/:id", Tag: "users",
		Summary:  "Get a user",
		Roles:    []string{patient, doctor, intern},
		Response: "User",
		Errors:   append([]int{http.StatusNotFound}, unauth...),
	})

	// Therapy cycles
	g.AddOperation(openapi.Operation{
		Method: http.MethodPost, Path: "/therapy/cycles", Tag: "therapy",
		Summary:     "Request a therapy cycle",
		Description: "Creates the patient's single active cycle with its full stage plan. Patients may omit patient_id.",
		Roles:       []string{patient, doctor},
		Request:     "CycleRequest",
		Response:    "Cycle",
		Status:      http.StatusCreated,
		Errors:      append([]int{http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity}, unauth...),
	})
	g.AddOperation(openapi.Operation{
		Method: http.MethodGet, Path: "/therapy/cycles", Tag: "therapy",
		Summary:  "List active cycles",
		Roles:    []string{doctor, intern},
		Query:    pageQuery,
		Response: "CyclePage",
		Errors:   unauth,
	})
	g.AddOperation(openapi.Operation{
		Method: http.MethodGet, Path: "/therapy/cycles/:id", Tag: "therapy",
		Summary:  "Get a cycle with its stages",
		Roles:    []string{doctor, intern},
		Response: "Cycle",
		Errors:   append([]int{http.StatusNotFound}, unauth...),
	})
	g.AddOperation(openapi.Operation{
		Method: http.MethodGet, Path: "/therapy/patients/:patient_id/cycle", Tag: "therapy",
		Summary:     "Get a patient's active cycle",
		Description: "Returns null when the patient has no active cycle.",
		Roles:       []string{patient, doctor, intern},
		Response:    "Cycle",
		Errors:      unauth,
	})
	g.AddOperation(openapi.Operation{
		Method: http.MethodDelete, Path: "/therapy/patients/:patient_id/cycle", Tag: "therapy",
		Summary: "Cancel a patient's active cycle",
		Roles:   []string{patient, doctor},
		Status:  http.StatusNoContent,
		Errors:  append([]int{http.StatusNotFound}, unauth...),
	})
	g.AddOperation(openapi.Operation{
		Method: http.MethodPost, Path: "/therapy/stages/:id/complete", Tag: "therapy",
		Summary:     "Mark a stage complete",
		Description: "Completing an already completed stage reports changed=false.",
		Roles:       []string{patient, doctor, intern},
		Response:    "StageCompletion",
		Errors:      append([]int{http.StatusNotFound, http.StatusConflict}, unauth...),
	})
	g.AddOperation(openapi.Operation{
		Method: http.MethodGet, Path: "/therapy/plans/preview", Tag: "therapy",
		Summary: "Preview a stage plan",
		Roles:   []string{patient, doctor, intern},
		Query: []openapi.Param{
			{Name: "therapy_name", Type: "string"},
			{Name: "total_days", Type: "string", Description: "Day count, lenient (\"14 days\")"},
			{Name: "start_date", Type: "string", Format: "date"},
		},
		Response: "PlanPreview",
		Errors:   append([]int{http.StatusBadRequest}, unauth...),
	})

	// Live updates
	g.AddOperation(openapi.Operation{
		Method: http.MethodGet, Path: "/ws", Tag: "events",
		Summary:     "Subscribe to cycle progress",
		Description: "WebSocket upgrade. Send {\"action\":\"subscribe\",\"topics\":[\"patient/7\"]} to follow a patient.",
		Query:       []openapi.Param{{Name: "topics", Type: "string", Description: "Comma separated topics to follow on connect"}},
		Status:      http.StatusSwitchingProtocols,
		Errors:      []int{http.StatusUnauthorized},
	})

	if withSandbox {
		g.AddSchema("SeedConfig", sandbox.SeedConfig{})
		g.AddSchema("SeedResult", sandbox.SeedResult{})
		g.AddOperation(openapi.Operation{
			Method: http.MethodPost, Path: "/sandbox/seed", Tag: "sandbox",
			Summary:  "Fill the clinic with demo data",
			Roles:    []string{admin},
			Request:  "SeedConfig",
			Response: "SeedResult",
			Status:   http.StatusCreated,
			Errors:   append([]int{http.StatusBadRequest}, unauth...),
		})
	}
	return g
}
