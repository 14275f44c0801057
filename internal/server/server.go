package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"poiledger/internal/domain"
	"poiledger/internal/engine"
	"poiledger/internal/engine/auth"
	"poiledger/internal/inventory"
	"poiledger/internal/ledger"
	"poiledger/internal/metrics"
	"poiledger/internal/repo"
	"poiledger/internal/workflow"
)

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	Directory auth.Directory
	BasePath  string
	Auth      AuthConfig
	// Metrics, when set, is served on /metrics.
	Metrics *metrics.Prometheus
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid construction transition planned -> completed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"current_version\":4}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type server struct {
	engine engine.Engine
	dir    auth.Directory
}

// New returns an HTTP handler exposing the registry API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema validation failures are client errors, not domain rejections.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	dir := cfg.Directory
	if dir.DB == nil {
		dir = auth.Directory{DB: cfg.Engine.DB, Dialect: cfg.Engine.Dialect}
	}
	s := server{engine: cfg.Engine, dir: dir}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(cfg.Auth))
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics.Handler())
	}
	hcfg := huma.DefaultConfig("POI Registry API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	s.registerPOIs(group)
	s.registerMutations(group)
	s.registerInventory(group)
	s.registerEvents(group)
	s.registerMe(group)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var conflict domain.ConflictError
	if errors.As(err, &conflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{
			"current_version":  conflict.Current,
			"expected_version": conflict.Expected,
		})
	}
	var transition domain.InvalidTransitionError
	if errors.As(err, &transition) {
		details := map[string]any{"kind": transition.Kind, "from": transition.From, "to": transition.To}
		if transition.Reason != "" {
			details["reason"] = transition.Reason
		}
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), details)
	}
	var stock domain.InsufficientStockError
	if errors.As(err, &stock) {
		return newAPIError(http.StatusUnprocessableEntity, "insufficient_stock", err.Error(), map[string]any{
			"part_id":   stock.PartID,
			"requested": stock.Requested,
			"available": stock.Available,
		})
	}
	var unauthorized domain.UnauthorizedError
	if errors.As(err, &unauthorized) {
		details := map[string]any{"action": unauthorized.Action}
		if unauthorized.Department != "" {
			details["department"] = unauthorized.Department
		}
		return newAPIError(http.StatusForbidden, "unauthorized_department", err.Error(), details)
	}
	var invalid domain.ValidationError
	if errors.As(err, &invalid) {
		var details map[string]any
		if invalid.Field != "" {
			details = map[string]any{"field": invalid.Field}
		}
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), details)
	}
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, workflow.ErrStepNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

// applyAuthSecurity marks mutating operations as requiring a bearer token or API key.
func applyAuthSecurity(oas *huma.OpenAPI) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Put, item.Post, item.Delete, item.Patch} {
			if op != nil {
				op.Security = security
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>POI Registry API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate writes with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

type poiOutput struct {
	Body POIResponse `json:"body"`
}

func respondPOI(p domain.POI) (*poiOutput, error) {
	body, err := poiResponse(p)
	if err != nil {
		return nil, handleError(err)
	}
	return &poiOutput{Body: body}, nil
}

func retryOptions(n int) []engine.MutateOption {
	if n <= 0 {
		return nil
	}
	return []engine.MutateOption{engine.WithRetry(n)}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func (s server) registerPOIs(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-poi",
		Method:        http.MethodPost,
		Path:          "/pois",
		Summary:       "Create POI",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreatePOIRequest `json:"body"`
	}) (*poiOutput, error) {
		actor, authErr := actorFromContext(ctx, s.dir)
		if authErr != nil {
			return nil, authErr
		}
		kind := domain.Kind(input.Body.Kind)
		if !kind.Valid() {
			return nil, handleError(domain.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", kind)})
		}
		details, err := detailsOf(kind, input.Body.Details)
		if err != nil {
			return nil, handleError(err)
		}
		opts := engine.CreateOptions{
			ID:       input.Body.ID,
			Kind:     kind,
			Position: positionOf(input.Body.Position),
			Polygon:  positionsOf(input.Body.Polygon),
			Polyline: positionsOf(input.Body.Polyline),
			Status:   domain.Status(input.Body.Status),
			Priority: domain.Priority(input.Body.Priority),
			Details:  details,
			AuthorID: actor.ID,
		}
		if input.Body.Report != nil {
			opts.Update = input.Body.Report.update(actor.ID)
		}
		p, err := s.engine.CreatePOI(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return respondPOI(p)
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pois",
		Method:      http.MethodGet,
		Path:        "/pois",
		Summary:     "List POIs",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Kind     string `query:"kind"`
		Status   string `query:"status"`
		AuthorID string `query:"author_id"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedPOIs `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		ts, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := s.engine.List(ctx, repo.POIFilters{
			Kind:            input.Kind,
			Status:          input.Status,
			AuthorID:        input.AuthorID,
			Limit:           limit + 1,
			CursorCreatedAt: ts,
			CursorID:        id,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedPOIs{Items: []POIResponse{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		for _, p := range items {
			body, err := poiResponse(p)
			if err != nil {
				return nil, handleError(err)
			}
			resp.Items = append(resp.Items, body)
		}
		return &struct {
			Body paginatedPOIs `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-poi",
		Method:      http.MethodGet,
		Path:        "/pois/{id}",
		Summary:     "Get POI with ledger and workflow steps",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*poiOutput, error) {
		p, err := s.engine.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respondPOI(p)
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-updates",
		Method:      http.MethodGet,
		Path:        "/pois/{id}/updates",
		Summary:     "List ledger entries",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Order string `query:"order" enum:"asc,desc" default:"asc"`
	}) (*struct {
		Body updatesResponse `json:"body"`
	}, error) {
		order, err := ledger.ParseOrder(input.Order)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := s.engine.Updates(ctx, input.ID, order)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body updatesResponse `json:"body"`
		}{Body: updatesResponse{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-derived-state",
		Method:      http.MethodGet,
		Path:        "/pois/{id}/derived",
		Summary:     "Derived state recomputed from the ledger",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body engine.DerivedState `json:"body"`
	}, error) {
		d, err := s.engine.GetDerivedState(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.DerivedState `json:"body"`
		}{Body: d}, nil
	})
}

func (s server) registerMutations(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "append-update",
		Method:      http.MethodPost,
		Path:        "/pois/{id}/updates",
		Summary:     "Append a report to the ledger",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body AppendUpdateRequest `json:"body"`
	}) (*poiOutput, error) {
		actor, authErr := actorFromContext(ctx, s.dir)
		if authErr != nil {
			return nil, authErr
		}
		m := engine.AppendUpdate{Update: input.Body.update(actor.ID)}
		p, err := s.engine.ApplyMutation(ctx, input.ID, input.Body.ExpectedVersion, m, retryOptions(input.Body.Retry)...)
		if err != nil {
			return nil, handleError(err)
		}
		return respondPOI(p)
	})

	huma.Register(api, huma.Operation{
		OperationID: "change-status",
		Method:      http.MethodPost,
		Path:        "/pois/{id}/status",
		Summary:     "Transition a POI to a new status",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body ChangeStatusRequest `json:"body"`
	}) (*poiOutput, error) {
		actor, authErr := actorFromContext(ctx, s.dir)
		if authErr != nil {
			return nil, authErr
		}
		p, err := s.engine.ChangeStatus(ctx, input.ID, input.Body.ExpectedVersion, domain.Status(input.Body.To), actor.ID, input.Body.Note, retryOptions(input.Body.Retry)...)
		if err != nil {
			return nil, handleError(err)
		}
		return respondPOI(p)
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-priority",
		Method:      http.MethodPost,
		Path:        "/pois/{id}/priority",
		Summary:     "Override or clear the priority of a POI",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body SetPriorityRequest `json:"body"`
	}) (*poiOutput, error) {
		actor, authErr := actorFromContext(ctx, s.dir)
		if authErr != nil {
			return nil, authErr
		}
		p, err := s.engine.SetPriority(ctx, input.ID, input.Body.ExpectedVersion, domain.Priority(input.Body.Priority), actor.ID, retryOptions(input.Body.Retry)...)
		if err != nil {
			return nil, handleError(err)
		}
		return respondPOI(p)
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-workflow-step",
		Method:      http.MethodPost,
		Path:        "/pois/{id}/workflow/steps/{step_id}/resolve",
		Summary:     "Approve or reject a workflow step",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID     string             `path:"id"`
		StepID string             `path:"step_id"`
		Body   ResolveStepRequest `json:"body"`
	}) (*poiOutput, error) {
		actor, authErr := actorFromContext(ctx, s.dir)
		if authErr != nil {
			return nil, authErr
		}
		p, err := s.engine.ResolveWorkflowStep(ctx, input.ID, input.Body.ExpectedVersion, input.StepID,
			domain.StepStatus(input.Body.Outcome), actor, input.Body.Reason, retryOptions(input.Body.Retry)...)
		if err != nil {
			return nil, handleError(err)
		}
		return respondPOI(p)
	})

	huma.Register(api, huma.Operation{
		OperationID: "reopen-workflow-step",
		Method:      http.MethodPost,
		Path:        "/pois/{id}/workflow/steps/{step_id}/reopen",
		Summary:     "Reopen a rejected workflow step",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID     string            `path:"id"`
		StepID string            `path:"step_id"`
		Body   ReopenStepRequest `json:"body"`
	}) (*poiOutput, error) {
		actor, authErr := actorFromContext(ctx, s.dir)
		if authErr != nil {
			return nil, authErr
		}
		p, err := s.engine.ReopenWorkflowStep(ctx, input.ID, input.Body.ExpectedVersion, input.StepID, actor, input.Body.Note, retryOptions(input.Body.Retry)...)
		if err != nil {
			return nil, handleError(err)
		}
		return respondPOI(p)
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-maintenance-order",
		Method:      http.MethodPut,
		Path:        "/pois/{id}/maintenance",
		Summary:     "Replace the parts and costs of a maintenance order",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body EditMaintenanceRequest `json:"body"`
	}) (*poiOutput, error) {
		actor, authErr := actorFromContext(ctx, s.dir)
		if authErr != nil {
			return nil, authErr
		}
		labor, err := parseMoney("labor_cost", input.Body.LaborCost)
		if err != nil {
			return nil, handleError(err)
		}
		partsCost, err := parseMoney("parts_cost", input.Body.PartsCost)
		if err != nil {
			return nil, handleError(err)
		}
		edit := engine.EditMaintenanceOrder{
			Parts:     partsOf(input.Body.Parts),
			ActorID:   actor.ID,
			Note:      input.Body.Note,
			LaborCost: labor,
			PartsCost: partsCost,
		}
		p, err := s.engine.EditMaintenanceOrder(ctx, input.ID, input.Body.ExpectedVersion, edit, retryOptions(input.Body.Retry)...)
		if err != nil {
			return nil, handleError(err)
		}
		return respondPOI(p)
	})
}

type itemOutput struct {
	Body ItemResponse `json:"body"`
}

func (s server) registerInventory(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-inventory-item",
		Method:        http.MethodPost,
		Path:          "/inventory",
		Summary:       "Create inventory item",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateItemRequest `json:"body"`
	}) (*itemOutput, error) {
		actor, authErr := actorFromContext(ctx, s.dir)
		if authErr != nil {
			return nil, authErr
		}
		item := domain.InventoryItem{ID: input.Body.ID, Name: input.Body.Name, Stock: input.Body.Stock}
		if input.Body.UnitCost != "" {
			unit, err := parseMoney("unit_cost", &input.Body.UnitCost)
			if err != nil {
				return nil, handleError(err)
			}
			item.UnitCost = *unit
		}
		out, err := s.engine.CreateItem(ctx, item, actor.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &itemOutput{Body: itemResponse(out)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-inventory-items",
		Method:      http.MethodGet,
		Path:        "/inventory",
		Summary:     "List inventory items",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body itemsResponse `json:"body"`
	}, error) {
		items, err := s.engine.ListItems(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := itemsResponse{Items: []ItemResponse{}}
		for _, item := range items {
			resp.Items = append(resp.Items, itemResponse(item))
		}
		return &struct {
			Body itemsResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-inventory-item",
		Method:      http.MethodGet,
		Path:        "/inventory/{id}",
		Summary:     "Get inventory item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*itemOutput, error) {
		item, err := s.engine.GetItem(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &itemOutput{Body: itemResponse(item)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "restock-inventory-item",
		Method:      http.MethodPost,
		Path:        "/inventory/{id}/restock",
		Summary:     "Add stock to an item",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body RestockRequest `json:"body"`
	}) (*itemOutput, error) {
		actor, authErr := actorFromContext(ctx, s.dir)
		if authErr != nil {
			return nil, authErr
		}
		item, err := s.engine.Restock(ctx, input.ID, input.Body.Quantity, actor.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &itemOutput{Body: itemResponse(item)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-inventory-movements",
		Method:      http.MethodGet,
		Path:        "/inventory/{id}/movements",
		Summary:     "Stock movements of an item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		OrderID string `query:"order_id"`
		Limit   int    `query:"limit"`
	}) (*struct {
		Body movementsResponse `json:"body"`
	}, error) {
		if _, err := s.engine.GetItem(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := s.engine.Movements(ctx, inventory.MovementFilters{ItemID: input.ID, OrderID: input.OrderID, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body movementsResponse `json:"body"`
		}{Body: movementsResponse{Items: nonNilSlice(items)}}, nil
	})
}

func (s server) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"poi,inventory_item"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := s.engine.Repo.LatestEvents(ctx, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Cursor:     cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func (s server) registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current actor with directory memberships",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx, s.dir)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     actor.ID,
			Departments: nonNilSlice(actor.Departments),
			Roles:       nonNilSlice(actor.Roles),
		}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
