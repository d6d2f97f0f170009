package api

import (
	"net/http"
	"regexp"
	"sort"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

var versionPattern = regexp.MustCompile(`^/\{version:\(([^)]*)\)\}`)

type openAPIOperation struct {
	Security  []map[string][]string  `yaml:"security"`
	Responses map[string]interface{} `yaml:"responses"`
}

type openAPIDoc struct {
	Components struct {
		Parameters map[string]struct {
			Schema struct {
				Enum []string `yaml:"enum"`
			} `yaml:"schema"`
		} `yaml:"parameters"`
	} `yaml:"components"`
	Paths map[string]map[string]yaml.Node `yaml:"paths"`
}

func loadOpenAPI(t *testing.T) (openAPIDoc, map[string]openAPIOperation) {
	t.Helper()
	var doc openAPIDoc
	require.NoError(t, yaml.Unmarshal(openapiSpec, &doc))

	ops := make(map[string]openAPIOperation)
	for path, items := range doc.Paths {
		for method, node := range items {
			if method == "parameters" || strings.HasPrefix(method, "x-") {
				continue
			}
			var op openAPIOperation
			require.NoError(t, node.Decode(&op), "%s %s", method, path)
			ops[strings.ToUpper(method)+" "+path] = op
		}
	}
	return doc, ops
}

// routerRoutes lists the client API routes with the version pattern
// collapsed, plus the alternatives the pattern accepts.
func routerRoutes(t *testing.T) ([]string, []string) {
	t.Helper()
	// Router only registers handlers, so a zero API is enough.
	var routes []string
	var versions []string
	err := chi.Walk((&API{}).Router(), func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		route = strings.TrimSuffix(route, "/")
		m := versionPattern.FindStringSubmatch(route)
		if m == nil {
			// openapi.yaml, Swagger UI and Redoc.
			return nil
		}
		if versions == nil {
			versions = strings.Split(m[1], "|")
		}
		routes = append(routes, method+" "+versionPattern.ReplaceAllString(route, "/{version}"))
		return nil
	})
	require.NoError(t, err)
	sort.Strings(routes)
	return routes, versions
}

func TestOpenAPIMatchesRouter(t *testing.T) {
	_, ops := loadOpenAPI(t)
	routes, _ := routerRoutes(t)

	documented := make([]string, 0, len(ops))
	for route := range ops {
		documented = append(documented, route)
	}
	assert.ElementsMatch(t, routes, documented)
}

func TestOpenAPIVersionsMatchRouter(t *testing.T) {
	doc, _ := loadOpenAPI(t)
	_, versions := routerRoutes(t)
	require.NotEmpty(t, versions)
	assert.ElementsMatch(t, versions, doc.Components.Parameters["version"].Schema.Enum)
}

func TestOpenAPIDocumentsTokenAuth(t *testing.T) {
	_, ops := loadOpenAPI(t)

	// Routes behind AuthMiddleware.
	guarded := map[string]bool{
		"POST /{version}/account/password":   true,
		"POST /{version}/account/deactivate": true,
		"GET /{version}/account/whoami":      true,
		"GET /{version}/account/3pid":        true,
	}
	for route, op := range ops {
		if guarded[route] {
			assert.NotEmpty(t, op.Security, "%s takes an access token", route)
			assert.Contains(t, op.Responses, "401", route)
		} else {
			assert.Empty(t, op.Security, "%s is public", route)
		}
	}
}

func TestOpenAPIInteractiveAuthRoutes(t *testing.T) {
	_, ops := loadOpenAPI(t)

	// Operations gated by user-interactive authentication answer 401 with
	// a challenge body, not a plain error.
	for _, route := range []string{
		"POST /{version}/register",
		"POST /{version}/account/password",
		"POST /{version}/account/deactivate",
	} {
		op, ok := ops[route]
		require.True(t, ok, route)
		ref, ok := op.Responses["401"].(map[string]interface{})
		require.True(t, ok, route)
		assert.Equal(t, "#/components/responses/Challenge", ref["$ref"], route)
	}
}
