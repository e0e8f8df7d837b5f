package validator

import (
	"context"
	"fmt"
	"sync"

	"kawan-hiking/backend/pkg/errors"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/gin-gonic/gin"
)

// OpenAPIValidator validates requests against an OpenAPI document
type OpenAPIValidator struct {
	swagger    *openapi3.T
	router     routers.Router
	schemaPath string
	mutex      sync.RWMutex
}

// NewOpenAPIValidator loads and validates the document at schemaPath
func NewOpenAPIValidator(schemaPath string) (*OpenAPIValidator, error) {
	swagger, router, err := load(func(l *openapi3.Loader) (*openapi3.T, error) {
		return l.LoadFromFile(schemaPath)
	})
	if err != nil {
		return nil, fmt.Errorf("load OpenAPI schema %s: %w", schemaPath, err)
	}
	return &OpenAPIValidator{swagger: swagger, router: router, schemaPath: schemaPath}, nil
}

// NewOpenAPIValidatorFromData builds a validator from an in-memory document
func NewOpenAPIValidatorFromData(data []byte) (*OpenAPIValidator, error) {
	swagger, router, err := load(func(l *openapi3.Loader) (*openapi3.T, error) {
		return l.LoadFromData(data)
	})
	if err != nil {
		return nil, err
	}
	return &OpenAPIValidator{swagger: swagger, router: router}, nil
}

func load(read func(*openapi3.Loader) (*openapi3.T, error)) (*openapi3.T, routers.Router, error) {
	loader := openapi3.NewLoader()
	swagger, err := read(loader)
	if err != nil {
		return nil, nil, err
	}
	if err := swagger.Validate(context.Background()); err != nil {
		return nil, nil, fmt.Errorf("invalid OpenAPI schema: %w", err)
	}
	router, err := gorillamux.NewRouter(swagger)
	if err != nil {
		return nil, nil, fmt.Errorf("create OpenAPI router: %w", err)
	}
	return swagger, router, nil
}

// ReloadSchema reloads the document from disk
func (v *OpenAPIValidator) ReloadSchema() error {
	if v.schemaPath == "" {
		return nil
	}
	fresh, err := NewOpenAPIValidator(v.schemaPath)
	if err != nil {
		return err
	}

	v.mutex.Lock()
	defer v.mutex.Unlock()
	v.swagger = fresh.swagger
	v.router = fresh.router
	return nil
}

// Middleware rejects requests that do not match their documented operation.
// Routes missing from the document pass through untouched.
func (v *OpenAPIValidator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		v.mutex.RLock()
		router := v.router
		v.mutex.RUnlock()

		route, pathParams, err := router.FindRoute(c.Request)
		if err != nil {
			c.Next()
			return
		}

		input := &openapi3filter.RequestValidationInput{
			Request:    c.Request,
			PathParams: pathParams,
			Route:      route,
			Options: &openapi3filter.Options{
				AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
				MultiError:         false,
			},
		}

		if err := openapi3filter.ValidateRequest(c.Request.Context(), input); err != nil {
			_ = c.Error(errors.NewBadRequestError(errors.CodeInvalidInput, "Invalid request").
				WithDetails(describe(err)).
				WithCause(err))
			c.Abort()
			return
		}

		c.Next()
	}
}

// describe keeps the client-facing part of a validation error
func describe(err error) string {
	switch e := err.(type) {
	case *openapi3filter.RequestError:
		if e.Parameter != nil {
			return fmt.Sprintf("parameter %q: %s", e.Parameter.Name, e.Reason)
		}
		if e.RequestBody != nil {
			if e.Reason != "" {
				return "request body: " + e.Reason
			}
			return "request body does not match schema"
		}
		return e.Reason
	case *openapi3filter.SecurityRequirementsError:
		return "security requirements not met"
	}
	return "request does not match schema"
}
