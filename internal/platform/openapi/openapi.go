// Package openapi describes the entity REST API as an OpenAPI 3.0 document
// built from the entity registry.
package openapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/morshed/dietics/internal/entity"
)

// Generator builds an OpenAPI 3.0 document from the registry.
type Generator struct {
	reg     *entity.Registry
	version string
	baseURL string
}

func NewGenerator(reg *entity.Registry, version, baseURL string) *Generator {
	return &Generator{reg: reg, version: version, baseURL: baseURL}
}

// GenerateSpec produces the OpenAPI document as a map.
func (g *Generator) GenerateSpec() map[string]interface{} {
	paths := make(map[string]interface{})
	schemas := map[string]interface{}{
		"Ref":   refSchema(),
		"Error": errorSchema(),
	}

	for _, s := range g.reg.Schemas() {
		name := componentName(s.Name)
		schemas[name] = recordSchema(s)

		tag := s.Title
		if tag == "" {
			tag = name
		}
		collection := "/" + s.Path
		item := collection + "/{id}"
		body := requestBody(name)

		paths[collection] = map[string]interface{}{
			"get": map[string]interface{}{
				"summary":     "List " + s.Name,
				"operationId": "list" + name,
				"tags":        []string{tag},
				"parameters":  listParameters(),
				"responses": map[string]interface{}{
					"200": pageResponse(name),
					"400": errorResponse("Unknown sort property"),
				},
			},
			"post": map[string]interface{}{
				"summary":     "Create " + s.Name,
				"operationId": "create" + name,
				"tags":        []string{tag},
				"requestBody": body,
				"responses": map[string]interface{}{
					"201": response("Created", name),
					"400": errorResponse("Invalid record or id already set"),
				},
			},
		}

		paths[item] = map[string]interface{}{
			"get": map[string]interface{}{
				"summary":     "Get " + s.Name,
				"operationId": "get" + name,
				"tags":        []string{tag},
				"parameters":  []map[string]interface{}{idParameter()},
				"responses": map[string]interface{}{
					"200": response("Success", name),
					"404": errorResponse("Not found"),
				},
			},
			"put": map[string]interface{}{
				"summary":     "Update " + s.Name,
				"operationId": "update" + name,
				"tags":        []string{tag},
				"parameters":  []map[string]interface{}{idParameter()},
				"requestBody": body,
				"responses": map[string]interface{}{
					"200": response("Updated", name),
					"400": errorResponse("Invalid record or id"),
				},
			},
			"patch": map[string]interface{}{
				"summary":     "Partially update " + s.Name,
				"operationId": "patch" + name,
				"tags":        []string{tag},
				"parameters":  []map[string]interface{}{idParameter()},
				"requestBody": body,
				"responses": map[string]interface{}{
					"200": response("Updated", name),
					"400": errorResponse("Invalid record or id"),
				},
			},
			"delete": map[string]interface{}{
				"summary":     "Delete " + s.Name,
				"operationId": "delete" + name,
				"tags":        []string{tag},
				"parameters":  []map[string]interface{}{idParameter()},
				"responses": map[string]interface{}{
					"204": map[string]interface{}{"description": "Deleted"},
				},
			},
		}

		paths[collection+"/form"] = map[string]interface{}{
			"get": map[string]interface{}{
				"summary":     "Open a blank " + s.Name + " form",
				"operationId": "newForm" + name,
				"tags":        []string{tag},
				"responses": map[string]interface{}{
					"200": formResponse(name),
				},
			},
			"post": map[string]interface{}{
				"summary":     "Save a " + s.Name + " form",
				"operationId": "saveForm" + name,
				"tags":        []string{tag},
				"requestBody": body,
				"responses": map[string]interface{}{
					"200": formResponse(name),
					"201": formResponse(name),
					"400": errorResponse("Invalid record"),
				},
			},
		}
		paths[item+"/form"] = map[string]interface{}{
			"get": map[string]interface{}{
				"summary":     "Open the edit form of a " + s.Name,
				"operationId": "editForm" + name,
				"tags":        []string{tag},
				"parameters":  []map[string]interface{}{idParameter()},
				"responses": map[string]interface{}{
					"200": formResponse(name),
					"404": errorResponse("Not found"),
				},
			},
		}
	}

	return map[string]interface{}{
		"openapi": "3.0.3",
		"info": map[string]interface{}{
			"title":       "Dietics API",
			"version":     g.version,
			"description": "Nutrition records of hospital patients",
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

// componentName turns "patient-biochemical-test" into "PatientBiochemicalTest".
func componentName(entityName string) string {
	var b strings.Builder
	for _, part := range strings.Split(entityName, "-") {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	return b.String()
}

func recordSchema(s *entity.Schema) map[string]interface{} {
	props := map[string]interface{}{
		"id":        map[string]interface{}{"type": "string", "readOnly": true},
		"createdAt": map[string]interface{}{"type": "string", "format": "date-time", "readOnly": true},
		"updatedAt": map[string]interface{}{"type": "string", "format": "date-time", "readOnly": true},
	}
	var required []string

	for _, f := range s.Fields {
		p := fieldSchema(f)
		if f.Label != "" {
			p["title"] = f.Label
		}
		if f.Default != nil {
			p["default"] = f.Default
		}
		props[f.Name] = p
		if f.Required {
			required = append(required, f.Name)
		}
	}
	for _, rel := range s.Relationships {
		ref := map[string]interface{}{"$ref": "#/components/schemas/Ref"}
		if rel.ToMany() {
			props[rel.Name] = map[string]interface{}{"type": "array", "items": ref}
		} else {
			props[rel.Name] = map[string]interface{}{
				"allOf":    []interface{}{ref},
				"nullable": true,
			}
		}
		if rel.Required {
			required = append(required, rel.Name)
		}
	}

	out := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

// fieldSchema maps a field type to an OpenAPI schema. Absent values are
// rendered as null.
func fieldSchema(f entity.Field) map[string]interface{} {
	var p map[string]interface{}
	switch f.Type {
	case entity.TypeInteger:
		p = map[string]interface{}{"type": "integer", "format": "int64"}
	case entity.TypeDouble:
		p = map[string]interface{}{"type": "number", "format": "double"}
	case entity.TypeBoolean:
		p = map[string]interface{}{"type": "boolean"}
	case entity.TypeDate:
		p = map[string]interface{}{"type": "string", "format": "date"}
	case entity.TypeEnum:
		p = map[string]interface{}{"type": "string", "enum": f.Values}
	default:
		p = map[string]interface{}{"type": "string"}
	}
	p["nullable"] = true
	return p
}

func refSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"id":      map[string]interface{}{"type": "string"},
			"display": map[string]interface{}{"type": "string"},
		},
		"required": []string{"id"},
	}
}

func errorSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"message": map[string]interface{}{"type": "string"},
			"error":   map[string]interface{}{"type": "string"},
			"issues": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"field":   map[string]interface{}{"type": "string"},
						"message": map[string]interface{}{"type": "string"},
					},
				},
			},
		},
	}
}

func listParameters() []map[string]interface{} {
	return []map[string]interface{}{
		{"name": "page", "in": "query", "description": "Zero-based page number", "schema": map[string]interface{}{"type": "integer", "minimum": 0}},
		{"name": "size", "in": "query", "description": "Page size", "schema": map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 100}},
		{"name": "sort", "in": "query", "description": "property[,asc|desc], repeatable", "schema": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}}, "explode": true},
	}
}

func idParameter() map[string]interface{} {
	return map[string]interface{}{"name": "id", "in": "path", "required": true, "schema": map[string]string{"type": "string"}}
}

func requestBody(name string) map[string]interface{} {
	return map[string]interface{}{
		"required": true,
		"content": map[string]interface{}{
			echo.MIMEApplicationJSON: map[string]interface{}{
				"schema": map[string]interface{}{"$ref": "#/components/schemas/" + name},
			},
		},
	}
}

func response(description, name string) map[string]interface{} {
	return jsonResponse(description, map[string]interface{}{"$ref": "#/components/schemas/" + name})
}

func errorResponse(description string) map[string]interface{} {
	return jsonResponse(description, map[string]interface{}{"$ref": "#/components/schemas/Error"})
}

func pageResponse(name string) map[string]interface{} {
	r := jsonResponse("One page of records", map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"data":     map[string]interface{}{"type": "array", "items": map[string]interface{}{"$ref": "#/components/schemas/" + name}},
			"total":    map[string]interface{}{"type": "integer"},
			"limit":    map[string]interface{}{"type": "integer"},
			"offset":   map[string]interface{}{"type": "integer"},
			"has_more": map[string]interface{}{"type": "boolean"},
		},
	})
	r["headers"] = map[string]interface{}{
		"X-Total-Count": map[string]interface{}{"schema": map[string]string{"type": "integer"}},
		"Link":          map[string]interface{}{"schema": map[string]string{"type": "string"}},
	}
	return r
}

func formResponse(name string) map[string]interface{} {
	return jsonResponse("Form session", map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"entity": map[string]interface{}{"type": "string"},
			"record": map[string]interface{}{"$ref": "#/components/schemas/" + name},
			"options": map[string]interface{}{
				"type": "object",
				"additionalProperties": map[string]interface{}{
					"type":  "array",
					"items": map[string]interface{}{"$ref": "#/components/schemas/Ref"},
				},
			},
		},
	})
}

func jsonResponse(description string, schema map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"description": description,
		"content": map[string]interface{}{
			echo.MIMEApplicationJSON: map[string]interface{}{"schema": schema},
		},
	}
}

const swaggerUIHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>Dietics API - Swagger UI</title>
  <link rel="stylesheet" type="text/css" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" >
  <style>
    html { box-sizing: border-box; overflow-y: scroll; }
    *, *:before, *:after { box-sizing: inherit; }
    body { margin: 0; background: #fafafa; }
  </style>
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    SwaggerUIBundle({
      url: "/api/openapi.json",
      dom_id: '#swagger-ui',
      deepLinking: true,
      presets: [
        SwaggerUIBundle.presets.apis,
        SwaggerUIBundle.SwaggerUIStandalonePreset
      ],
      layout: "BaseLayout"
    })
  </script>
</body>
</html>`

// RegisterRoutes registers the document and the Swagger UI page.
func (g *Generator) RegisterRoutes(apiGroup *echo.Group) {
	apiGroup.GET("/openapi.json", func(c echo.Context) error {
		return c.JSON(http.StatusOK, g.GenerateSpec())
	})
	apiGroup.GET("/docs", func(c echo.Context) error {
		return c.HTML(http.StatusOK, swaggerUIHTML)
	})
}
