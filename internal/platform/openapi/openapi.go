package openapi

import (
	"net/http"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// Param documents a query parameter. Path parameters are derived from the
// route path.
type Param struct {
	Name        string
	Type        string
	Format      string
	Description string
	Required    bool
}

// Operation documents one route. Path uses echo syntax ("/cycles/:id").
type Operation struct {
	Method      string
	Path        string
	Tag         string
	Summary     string
	Description string
	Roles       []string
	Query       []Param
	// Request and Response name component schemas; empty means no body.
	Request  string
	Response string
	// Status is the success status, 200 when zero.
	Status int
	Errors []int
}

// Generator builds an OpenAPI 3.0 document from registered operations and
// schemas.
type Generator struct {
	mu      sync.RWMutex
	title   string
	version string
	baseURL string
	ops     []Operation
	schemas map[string]interface{}
}

// NewGenerator creates a generator for the API served at baseURL.
func NewGenerator(title, version, baseURL string) *Generator {
	return &Generator{
		title:   title,
		version: version,
		baseURL: baseURL,
		schemas: map[string]interface{}{"Error": errorSchema()},
	}
}

func (g *Generator) AddOperation(op Operation) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ops = append(g.ops, op)
}

// AddSchema registers the JSON shape of v under name.
func (g *Generator) AddSchema(name string, v interface{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.schemas[name] = SchemaOf(v)
}

// GenerateSpec produces the OpenAPI 3.0 document as a map.
func (g *Generator) GenerateSpec() map[string]interface{} {
	g.mu.RLock()
	defer g.mu.RUnlock()

	paths := make(map[string]map[string]interface{})
	for _, op := range g.ops {
		path, pathParams := openAPIPath(op.Path)
		if paths[path] == nil {
			paths[path] = make(map[string]interface{})
		}
		paths[path][strings.ToLower(op.Method)] = g.buildOperation(op, pathParams)
	}

	schemas := make(map[string]interface{}, len(g.schemas))
	for k, v := range g.schemas {
		schemas[k] = v
	}

	return map[string]interface{}{
		"openapi": "3.0.3",
		"info": map[string]interface{}{
			"title":   g.title,
			"version": g.version,
		},
		"servers": []map[string]string{
			{"url": g.baseURL},
		},
		"paths": paths,
		"components": map[string]interface{}{
			"schemas": schemas,
			"securitySchemes": map[string]interface{}{
				"bearerAuth": map[string]interface{}{
					"type":         "http",
					"scheme":       "bearer",
					"bearerFormat": "JWT",
				},
			},
		},
		"security": []map[string][]string{{"bearerAuth": {}}},
	}
}

func (g *Generator) buildOperation(op Operation, pathParams []string) map[string]interface{} {
	params := make([]map[string]interface{}, 0, len(pathParams)+len(op.Query))
	for _, name := range pathParams {
		params = append(params, map[string]interface{}{
			"name":     name,
			"in":       "path",
			"required": true,
			"schema":   map[string]interface{}{"type": "integer", "format": "int64"},
		})
	}
	for _, q := range op.Query {
		schema := map[string]interface{}{"type": q.Type}
		if q.Format != "" {
			schema["format"] = q.Format
		}
		p := map[string]interface{}{"name": q.Name, "in": "query", "schema": schema}
		if q.Description != "" {
			p["description"] = q.Description
		}
		if q.Required {
			p["required"] = true
		}
		params = append(params, p)
	}

	description := op.Description
	if len(op.Roles) > 0 {
		if description != "" {
			description += "\n\n"
		}
		description += "Roles: " + strings.Join(op.Roles, ", ") + "."
	}

	status := op.Status
	if status == 0 {
		status = http.StatusOK
	}
	responses := map[string]interface{}{}
	if op.Response != "" {
		responses[strconv.Itoa(status)] = jsonResponse(http.StatusText(status), "#/components/schemas/"+op.Response)
	} else {
		responses[strconv.Itoa(status)] = map[string]interface{}{"description": http.StatusText(status)}
	}
	for _, code := range op.Errors {
		responses[strconv.Itoa(code)] = jsonResponse(http.StatusText(code), "#/components/schemas/Error")
	}

	out := map[string]interface{}{
		"summary":     op.Summary,
		"operationId": operationID(op),
		"responses":   responses,
	}
	if op.Tag != "" {
		out["tags"] = []string{op.Tag}
	}
	if description != "" {
		out["description"] = description
	}
	if len(params) > 0 {
		out["parameters"] = params
	}
	if op.Request != "" {
		out["requestBody"] = map[string]interface{}{
			"required": true,
			"content": map[string]interface{}{
				"application/json": map[string]interface{}{
					"schema": map[string]interface{}{"$ref": "#/components/schemas/" + op.Request},
				},
			},
		}
	}
	return out
}

func jsonResponse(description, ref string) map[string]interface{} {
	return map[string]interface{}{
		"description": description,
		"content": map[string]interface{}{
			"application/json": map[string]interface{}{
				"schema": map[string]interface{}{"$ref": ref},
			},
		},
	}
}

// openAPIPath converts "/users/:id" to "/users/{id}" and lists the path
// parameter names.
func openAPIPath(echoPath string) (string, []string) {
	segments := strings.Split(echoPath, "/")
	var params []string
	for i, s := range segments {
		if strings.HasPrefix(s, ":") {
			params = append(params, s[1:])
			segments[i] = "{" + s[1:] + "}"
		}
	}
	return strings.Join(segments, "/"), params
}

// operationID derives a stable camelCase id such as "postTherapyCycles".
func operationID(op Operation) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(op.Method))
	for _, s := range strings.Split(op.Path, "/") {
		s = strings.TrimPrefix(s, ":")
		for _, part := range strings.Split(s, "_") {
			if part == "" {
				continue
			}
			b.WriteString(strings.ToUpper(part[:1]) + part[1:])
		}
	}
	return b.String()
}

func errorSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"message": map[string]interface{}{"type": "string"},
		},
	}
}

var timeType = reflect.TypeOf(time.Time{})

// SchemaOf describes the JSON encoding of v using its json struct tags.
// Pointer fields are nullable and embedded structs are flattened.
func SchemaOf(v interface{}) map[string]interface{} {
	return schemaOfType(reflect.TypeOf(v))
}

func schemaOfType(t reflect.Type) map[string]interface{} {
	nullable := false
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
		nullable = true
	}

	var s map[string]interface{}
	switch {
	case t == timeType:
		s = map[string]interface{}{"type": "string", "format": "date-time"}
	case t.Kind() == reflect.Struct:
		props := map[string]interface{}{}
		collectProperties(t, props)
		s = map[string]interface{}{"type": "object", "properties": props}
	case t.Kind() == reflect.Slice || t.Kind() == reflect.Array:
		s = map[string]interface{}{"type": "array", "items": schemaOfType(t.Elem())}
	case t.Kind() == reflect.Map:
		s = map[string]interface{}{"type": "object", "additionalProperties": schemaOfType(t.Elem())}
	case t.Kind() == reflect.Bool:
		s = map[string]interface{}{"type": "boolean"}
	case t.Kind() == reflect.Int64 || t.Kind() == reflect.Uint64:
		s = map[string]interface{}{"type": "integer", "format": "int64"}
	case t.Kind() >= reflect.Int && t.Kind() <= reflect.Uint32:
		s = map[string]interface{}{"type": "integer"}
	case t.Kind() == reflect.Float32 || t.Kind() == reflect.Float64:
		s = map[string]interface{}{"type": "number"}
	case t.Kind() == reflect.String:
		s = map[string]interface{}{"type": "string"}
	default:
		s = map[string]interface{}{}
	}
	if nullable {
		s["nullable"] = true
	}
	return s
}

func collectProperties(t reflect.Type, props map[string]interface{}) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name := strings.Split(tag, ",")[0]
		if f.Anonymous && name == "" && f.Type.Kind() == reflect.Struct {
			collectProperties(f.Type, props)
			continue
		}
		if !f.IsExported() {
			continue
		}
		if name == "" {
			name = f.Name
		}
		props[name] = schemaOfType(f.Type)
	}
}

// Paths lists the documented paths in OpenAPI syntax, sorted.
func (g *Generator) Paths() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for _, op := range g.ops {
		p, _ := openAPIPath(op.Path)
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// ── Swagger UI ──────────────────────────────────────────────────────────

const swaggerUIHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>AyurCare EMR API - Swagger UI</title>
  <link rel="stylesheet" type="text/css" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" >
  <style>
    html { box-sizing: border-box; overflow-y: scroll; }
    *, *:before, *:after { box-sizing: inherit; }
    body { margin: 0; background: #fafafa; }
  </style>
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" charset="UTF-8"></script>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-standalone-preset.js" charset="UTF-8"></script>
  <script>
    window.onload = function() {
      window.ui = SwaggerUIBundle({
        url: "openapi.json",
        dom_id: '#swagger-ui',
        deepLinking: true,
        presets: [
          SwaggerUIBundle.presets.apis,
          SwaggerUIBundle.SwaggerUIStandalonePreset
        ],
        layout: "BaseLayout"
      })
    }
  </script>
</body>
</html>`

// RegisterRoutes registers the OpenAPI endpoints.
func (g *Generator) RegisterRoutes(group *echo.Group) {
	group.GET("/openapi.json", func(c echo.Context) error {
		return c.JSON(http.StatusOK, g.GenerateSpec())
	})
	group.GET("/docs", func(c echo.Context) error {
		return c.HTML(http.StatusOK, swaggerUIHTML)
	})
}
