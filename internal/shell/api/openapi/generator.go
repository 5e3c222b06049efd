// Package openapi builds an OpenAPI 3.0 document for the previewctl API by
// reflecting on the response types of registered endpoints.
package openapi

import (
	"encoding/json"
	"net/http"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
)

// =============================================================================
// Generator
// =============================================================================

const bearerScheme = "bearerAuth"

// Generator produces OpenAPI 3.0 documents from registered endpoints.
type Generator struct {
	title       string
	version     string
	description string
	servers     []string
	endpoints   []Endpoint
	mu          sync.RWMutex
	cachedSpec  *openapi3.T
}

// Endpoint describes one GET route.
type Endpoint struct {
	Path    string // chi-style pattern, e.g. /api/v1/runs/{id}
	Summary string
	Tag     string
	// Response is a zero value of the JSON body type. Nil means the body is
	// not JSON and ContentType names it.
	Response    any
	ContentType string
	Query       []QueryParam
	Secured     bool
}

// QueryParam is an optional query string parameter.
type QueryParam struct {
	Name        string
	Type        string // integer, boolean or string
	Description string
}

// Option configures the generator.
type Option func(*Generator)

// WithTitle sets the API title.
func WithTitle(title string) Option {
	return func(g *Generator) {
		g.title = title
	}
}

// WithVersion sets the API version.
func WithVersion(version string) Option {
	return func(g *Generator) {
		g.version = version
	}
}

// WithDescription sets the API description.
func WithDescription(description string) Option {
	return func(g *Generator) {
		g.description = description
	}
}

// WithServer adds a server URL.
func WithServer(url string) Option {
	return func(g *Generator) {
		g.servers = append(g.servers, url)
	}
}

// NewGenerator creates a new OpenAPI generator.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		title:       "previewctl API",
		version:     "dev",
		description: "Run history, preview URLs and metrics for preview deployments",
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Register adds an endpoint to the document.
func (g *Generator) Register(e Endpoint) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.endpoints = append(g.endpoints, e)
	g.cachedSpec = nil
}

// Generate produces the document. The result is cached until the next
// Register.
func (g *Generator) Generate() *openapi3.T {
	g.mu.RLock()
	if g.cachedSpec != nil {
		spec := g.cachedSpec
		g.mu.RUnlock()
		return spec
	}
	g.mu.RUnlock()

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cachedSpec != nil {
		return g.cachedSpec
	}

	spec := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       g.title,
			Version:     g.version,
			Description: g.description,
		},
		Paths: openapi3.NewPaths(),
		Components: &openapi3.Components{
			Schemas: make(openapi3.Schemas),
			SecuritySchemes: openapi3.SecuritySchemes{
				bearerScheme: &openapi3.SecuritySchemeRef{
					Value: &openapi3.SecurityScheme{Type: "http", Scheme: "bearer"},
				},
			},
		},
	}
	for _, url := range g.servers {
		spec.Servers = append(spec.Servers, &openapi3.Server{URL: url})
	}

	for _, e := range g.endpoints {
		spec.Paths.Set(e.Path, &openapi3.PathItem{Get: g.operation(spec, e)})
	}

	g.cachedSpec = spec
	return spec
}

// Handler returns an HTTP handler that serves the document as JSON.
func (g *Generator) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		spec := g.Generate()

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(spec); err != nil {
			http.Error(w, "failed to encode OpenAPI document", http.StatusInternalServerError)
		}
	}
}

// =============================================================================
// Operation Generation
// =============================================================================

var pathParam = regexp.MustCompile(`\{([^}]+)\}`)

func (g *Generator) operation(spec *openapi3.T, e Endpoint) *openapi3.Operation {
	op := &openapi3.Operation{
		OperationID: operationID(e.Path),
		Summary:     e.Summary,
		Responses:   &openapi3.Responses{},
	}
	if e.Tag != "" {
		op.Tags = []string{e.Tag}
	}

	for _, m := range pathParam.FindAllStringSubmatch(e.Path, -1) {
		op.Parameters = append(op.Parameters, &openapi3.ParameterRef{
			Value: &openapi3.Parameter{
				Name:     m[1],
				In:       openapi3.ParameterInPath,
				Required: true,
				Schema:   scalar("string", ""),
			},
		})
	}
	for _, q := range e.Query {
		op.Parameters = append(op.Parameters, &openapi3.ParameterRef{
			Value: &openapi3.Parameter{
				Name:        q.Name,
				In:          openapi3.ParameterInQuery,
				Description: q.Description,
				Schema:      scalar(q.Type, ""),
			},
		})
	}

	ok := openapi3.NewResponse().WithDescription("OK")
	if e.Response != nil {
		ok.WithJSONSchemaRef(g.schemaRef(spec, reflect.TypeOf(e.Response)))
	} else if e.ContentType != "" {
		ok.WithContent(openapi3.Content{
			e.ContentType: openapi3.NewMediaType().WithSchema(openapi3.NewStringSchema()),
		})
	}
	op.Responses.Set("200", &openapi3.ResponseRef{Value: ok})

	if e.Secured {
		op.Security = &openapi3.SecurityRequirements{{bearerScheme: []string{}}}
		op.Responses.Set("401", &openapi3.ResponseRef{
			Value: openapi3.NewResponse().WithDescription("Missing or invalid bearer token"),
		})
	}
	return op
}

// operationID turns /api/v1/runs/{id} into getApiV1RunsById.
func operationID(path string) string {
	var b strings.Builder
	b.WriteString("get")
	for _, part := range strings.Split(path, "/") {
		if part == "" {
			continue
		}
		if m := pathParam.FindStringSubmatch(part); m != nil {
			b.WriteString("By")
			part = m[1]
		}
		for _, word := range strings.FieldsFunc(part, func(r rune) bool { return r == '-' || r == '_' || r == '.' }) {
			b.WriteString(capitalize(word))
		}
	}
	return b.String()
}

// =============================================================================
// Schema Generation
// =============================================================================

var (
	timeType       = reflect.TypeOf(time.Time{})
	rawMessageType = reflect.TypeOf(json.RawMessage{})
)

// schemaRef returns a $ref for named structs, registering them under
// components, and an inline schema for everything else.
func (g *Generator) schemaRef(spec *openapi3.T, t reflect.Type) *openapi3.SchemaRef {
	switch t {
	case timeType:
		return scalar("string", "date-time")
	case rawMessageType:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"object"}}}
	}

	switch t.Kind() {
	case reflect.String:
		return scalar("string", "")

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32:
		return scalar("integer", "int32")

	case reflect.Int64:
		return scalar("integer", "int64")

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return scalar("integer", "")

	case reflect.Float32:
		return scalar("number", "float")

	case reflect.Float64:
		return scalar("number", "double")

	case reflect.Bool:
		return scalar("boolean", "")

	case reflect.Slice, reflect.Array:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{
			Type:  &openapi3.Types{"array"},
			Items: g.schemaRef(spec, t.Elem()),
		}}

	case reflect.Map:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{
			Type:                 &openapi3.Types{"object"},
			AdditionalProperties: openapi3.AdditionalProperties{Schema: g.schemaRef(spec, t.Elem())},
		}}

	case reflect.Ptr:
		ref := g.schemaRef(spec, t.Elem())
		if ref.Value != nil {
			ref.Value.Nullable = true
		}
		return ref

	case reflect.Struct:
		if t.Name() == "" {
			return &openapi3.SchemaRef{Value: g.structSchema(spec, t)}
		}
		name := t.Name()
		if _, ok := spec.Components.Schemas[name]; !ok {
			// Placeholder first so self-referencing types terminate.
			spec.Components.Schemas[name] = &openapi3.SchemaRef{Value: &openapi3.Schema{}}
			spec.Components.Schemas[name] = &openapi3.SchemaRef{Value: g.structSchema(spec, t)}
		}
		return openapi3.NewSchemaRef("#/components/schemas/"+name, nil)

	default:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"object"}}}
	}
}

// structSchema flattens embedded structs the way encoding/json does.
func (g *Generator) structSchema(spec *openapi3.T, t reflect.Type) *openapi3.Schema {
	schema := &openapi3.Schema{
		Type:       &openapi3.Types{"object"},
		Properties: make(openapi3.Schemas),
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		jsonTag := field.Tag.Get("json")
		if jsonTag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(jsonTag, ",")

		if field.Anonymous && name == "" && field.Type.Kind() == reflect.Struct {
			embedded := g.structSchema(spec, field.Type)
			for k, v := range embedded.Properties {
				schema.Properties[k] = v
			}
			schema.Required = append(schema.Required, embedded.Required...)
			continue
		}
		if !field.IsExported() {
			continue
		}

		if name == "" {
			name = field.Name
		}
		schema.Properties[name] = g.schemaRef(spec, field.Type)
		if !strings.Contains(opts, "omitempty") && field.Type.Kind() != reflect.Ptr {
			schema.Required = append(schema.Required, name)
		}
	}

	return schema
}

// =============================================================================
// Helpers
// =============================================================================

func scalar(typ, format string) *openapi3.SchemaRef {
	if typ == "" {
		typ = "string"
	}
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{typ}, Format: format}}
}

// capitalize returns the string with the first letter capitalized.
func capitalize(s string) string {
	if s == "" {
		return ""
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
