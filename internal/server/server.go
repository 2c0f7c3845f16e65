package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"artifactvc/internal/conflict"
	"artifactvc/internal/db"
	"artifactvc/internal/domain"
	"artifactvc/internal/engine"
	"artifactvc/internal/engine/auth"
	"artifactvc/internal/registry"
	"artifactvc/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"lock_conflict"`
	Message string         `json:"message" example:"application#12 is locked by alice"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"locked_by\":\"alice\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type body[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *body[T] {
	return &body[T]{Body: v}
}

// New returns an HTTP handler exposing the artifact version-control API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are 400; 422 is kept for closed initiatives.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle("/metrics", promhttp.Handler())
	hcfg := huma.DefaultConfig("Artifact Version Control API", "0.3.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Engine)
	registerCheckout(group, cfg.Engine)
	registerLocks(group, cfg.Engine)
	registerAdmin(group, cfg.Engine)
	registerArtifacts(group, cfg.Engine)
	registerInitiatives(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	if cfg.Auth.AllowDevHeaders {
		registerDevAuth(group, cfg.Auth)
	}
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
	var (
		lce *engine.LockConflictError
		aco *engine.AlreadyCheckedOutError
		ce  *engine.ConflictError
		noe *engine.NotOwnerError
		die *engine.DataIntegrityError
		nae *engine.InitiativeNotActiveError
		ve  *engine.ValidationError
		fe  auth.ForbiddenError
	)
	switch {
	case errors.As(err, &lce):
		return newAPIError(http.StatusConflict, "lock_conflict", err.Error(), map[string]any{
			"lock_id":        lce.Lock.ID,
			"locked_by":      lce.Lock.LockedBy,
			"locked_by_user": lce.HolderName,
			"expires_at":     db.FormatTime(lce.Lock.LockExpiry),
			"initiative_id":  lce.Lock.InitiativeID,
		})
	case errors.As(err, &aco):
		return newAPIError(http.StatusConflict, "already_checked_out", err.Error(), map[string]any{
			"artifact":      aco.Ref.String(),
			"initiative_id": aco.InitiativeID,
		})
	case errors.As(err, &ce):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{
			"conflicting_fields": ce.Fields(),
			"based_on_version":   ce.Result.BasedOnVersion,
			"current_version":    ce.Result.CurrentVersion,
			"details":            ce.Result.Details,
		})
	case errors.As(err, &noe):
		details := map[string]any{"artifact": noe.Ref.String(), "initiative_id": noe.InitiativeID}
		if noe.Lock.ID != "" {
			details["locked_by"] = noe.Lock.LockedBy
		}
		return newAPIError(http.StatusForbidden, "not_owner", err.Error(), details)
	case errors.As(err, &fe):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	case errors.As(err, &die):
		if die.Missing {
			return newAPIError(http.StatusNotFound, "no_baseline", err.Error(), map[string]any{"artifact": die.Ref.String()})
		}
		slog.Error("data integrity violation", "artifact", die.Ref.String(), "detail", die.Detail)
		return newAPIError(http.StatusInternalServerError, "data_integrity", "data integrity violation", map[string]any{"artifact": die.Ref.String()})
	case errors.As(err, &nae):
		return newAPIError(http.StatusUnprocessableEntity, "initiative_not_active", err.Error(), map[string]any{
			"initiative_id": nae.ID,
			"status":        nae.Status,
		})
	case errors.As(err, &ve):
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field}
		}
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), details)
	case errors.Is(err, registry.ErrUnknownType):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, engine.ErrBaselineExists):
		return newAPIError(http.StatusConflict, "baseline_exists", err.Error(), nil)
	case errors.Is(err, engine.ErrDraftNotFound):
		return newAPIError(http.StatusNotFound, "draft_not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	default:
		slog.Error("request failed", "error", err)
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
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
		doc  []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
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

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
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
    <title>Artifact Version Control API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*body[map[string]string], error) {
		if err := e.DB.PingContext(ctx); err != nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "unavailable", "database unreachable", map[string]any{"error": err.Error()})
		}
		return reply(map[string]string{"status": "ok"}), nil
	})
}

var checkoutErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
}

func registerCheckout(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "checkout",
		Method:      http.MethodPost,
		Path:        "/checkout",
		Summary:     "Lock an artifact and open a draft in an initiative",
		Errors:      checkoutErrors,
	}, func(ctx context.Context, input *struct {
		Body CheckoutRequest `json:"body"`
	}) (*body[CheckoutResponse], error) {
		p, err := principalFromRequest(ctx)
		if err != nil {
			return nil, err
		}
		res, cerr := e.Checkout(ctx, engine.CheckoutRequest{
			Ref:          input.Body.Ref(),
			InitiativeID: input.Body.InitiativeID,
			UserID:       p.ActorID,
			TTL:          seconds(input.Body.TTLSeconds),
		})
		if cerr != nil {
			return nil, handleError(cerr)
		}
		return reply(checkoutResponse(res)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "checkin",
		Method:      http.MethodPost,
		Path:        "/checkin",
		Summary:     "Save the final draft payload and release the lock",
		Errors:      checkoutErrors,
	}, func(ctx context.Context, input *struct {
		Body CheckinRequest `json:"body"`
	}) (*body[CheckinResponse], error) {
		p, err := principalFromRequest(ctx)
		if err != nil {
			return nil, err
		}
		payload, perr := encodePayload(input.Body.Payload)
		if perr != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", perr.Error(), nil)
		}
		res, cerr := e.Checkin(ctx, engine.CheckinRequest{
			Ref:          input.Body.Ref(),
			InitiativeID: input.Body.InitiativeID,
			UserID:       p.ActorID,
			Payload:      payload,
			Reason:       input.Body.ChangeReason,
		})
		if cerr != nil {
			return nil, handleError(cerr)
		}
		return reply(CheckinResponse{Version: versionResponse(res.Draft), Conflict: res.Conflict}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-checkout",
		Method:      http.MethodPost,
		Path:        "/cancel-checkout",
		Summary:     "Discard the draft and release the lock",
		Errors:      checkoutErrors,
	}, func(ctx context.Context, input *struct {
		Body ArtifactTarget `json:"body"`
	}) (*body[map[string]bool], error) {
		p, err := principalFromRequest(ctx)
		if err != nil {
			return nil, err
		}
		if cerr := e.CancelCheckout(ctx, input.Body.Ref(), input.Body.InitiativeID, p.ActorID); cerr != nil {
			return nil, handleError(cerr)
		}
		return reply(map[string]bool{"discarded": true}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-draft",
		Method:      http.MethodPut,
		Path:        "/drafts",
		Summary:     "Replace the draft payload while holding the lock",
		Errors:      checkoutErrors,
	}, func(ctx context.Context, input *struct {
		Body DraftUpdateRequest `json:"body"`
	}) (*body[VersionEnvelope], error) {
		p, err := principalFromRequest(ctx)
		if err != nil {
			return nil, err
		}
		payload, perr := encodePayload(input.Body.Payload)
		if perr != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", perr.Error(), nil)
		}
		v, uerr := e.UpdateDraft(ctx, engine.DraftUpdate{
			Ref:          input.Body.Ref(),
			InitiativeID: input.Body.InitiativeID,
			UserID:       p.ActorID,
			Payload:      payload,
			Reason:       input.Body.ChangeReason,
		})
		if uerr != nil {
			return nil, handleError(uerr)
		}
		return reply(VersionEnvelope{Version: versionResponse(v)}), nil
	})
}

func registerLocks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "acquire-lock",
		Method:      http.MethodPost,
		Path:        "/locks",
		Summary:     "Acquire or refresh a lock",
		Errors:      checkoutErrors,
	}, func(ctx context.Context, input *struct {
		Body AcquireLockRequest `json:"body"`
	}) (*body[LockResponse], error) {
		p, err := principalFromRequest(ctx)
		if err != nil {
			return nil, err
		}
		l, lerr := e.AcquireLock(ctx, engine.LockRequest{
			Ref:          input.Body.Ref(),
			InitiativeID: input.Body.InitiativeID,
			UserID:       p.ActorID,
			TTL:          seconds(input.Body.TTLSeconds),
			Reason:       input.Body.Reason,
		})
		if lerr != nil {
			return nil, handleError(lerr)
		}
		return reply(lockResponse(l)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-lock",
		Method:      http.MethodPost,
		Path:        "/locks/release",
		Summary:     "Release the caller's lock",
		Errors:      checkoutErrors,
	}, func(ctx context.Context, input *struct {
		Body ArtifactTarget `json:"body"`
	}) (*body[map[string]bool], error) {
		p, err := principalFromRequest(ctx)
		if err != nil {
			return nil, err
		}
		if rerr := e.ReleaseLock(ctx, input.Body.Ref(), input.Body.InitiativeID, p.ActorID); rerr != nil {
			return nil, handleError(rerr)
		}
		return reply(map[string]bool{"released": true}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-locks",
		Method:      http.MethodGet,
		Path:        "/locks",
		Summary:     "List live locks",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		InitiativeID string `query:"initiative_id"`
		LockedBy     string `query:"locked_by"`
	}) (*body[[]LockResponse], error) {
		if _, err := principalFromRequest(ctx); err != nil {
			return nil, err
		}
		locks, err := e.ListActiveLocks(ctx, repo.LockFilters{InitiativeID: input.InitiativeID, LockedBy: input.LockedBy})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(mapLocks(locks)), nil
	})
}

func registerAdmin(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "override-lock",
		Method:      http.MethodPost,
		Path:        "/admin/override-lock",
		Summary:     "Force-release another user's lock",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body OverrideLockRequest `json:"body"`
	}) (*body[map[string]LockResponse], error) {
		p, err := principalFromRequest(ctx)
		if err != nil {
			return nil, err
		}
		released, oerr := e.AdminOverrideLock(ctx, input.Body.LockID, p.actor(), input.Body.Reason)
		if oerr != nil {
			return nil, handleError(oerr)
		}
		return reply(map[string]LockResponse{"released": lockResponse(released)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-locks",
		Method:      http.MethodPost,
		Path:        "/admin/sweep-locks",
		Summary:     "Delete expired and orphaned locks now",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*body[engine.SweepResult], error) {
		p, err := principalFromRequest(ctx)
		if err != nil {
			return nil, err
		}
		if aerr := e.Auth.Require(p.actor(), auth.PermLockSweep); aerr != nil {
			return nil, handleError(aerr)
		}
		res, serr := e.SweepExpiredLocks(ctx, p.ActorID)
		if serr != nil {
			return nil, handleError(serr)
		}
		return reply(res), nil
	})
}

type ArtifactPath struct {
	Type registry.Type `path:"type" enum:"application,interface,business_process,technical_process,internal_activity"`
	ID   int64         `path:"id" minimum:"1"`
}

func (p ArtifactPath) Ref() registry.Ref {
	return registry.Ref{Type: p.Type, ID: p.ID}
}

func registerArtifacts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "artifact-state",
		Method:      http.MethodGet,
		Path:        "/artifacts/{type}/{id}/state",
		Summary:     "Resolve the display state of an artifact for the caller",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ArtifactPath
		InitiativeID    string `query:"initiative_id"`
		Pending         bool   `query:"pending"`
		Decommissioning bool   `query:"decommissioning"`
	}) (*body[StateResponse], error) {
		p, err := principalFromRequest(ctx)
		if err != nil {
			return nil, err
		}
		report, serr := e.ResolveState(ctx, engine.StateQuery{
			Ref:             input.Ref(),
			InitiativeID:    input.InitiativeID,
			Viewer:          p.ActorID,
			Pending:         input.Pending,
			Decommissioning: input.Decommissioning,
		})
		if serr != nil {
			return nil, handleError(serr)
		}
		return reply(stateResponse(report)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-baseline",
		Method:      http.MethodGet,
		Path:        "/artifacts/{type}/{id}/baseline",
		Summary:     "Current production version",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *ArtifactPath) (*body[VersionResponse], error) {
		if _, err := principalFromRequest(ctx); err != nil {
			return nil, err
		}
		v, err := e.GetBaseline(ctx, input.Ref())
		if err != nil {
			return nil, handleError(err)
		}
		return reply(versionResponse(v)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "register-baseline",
		Method:        http.MethodPost,
		Path:          "/artifacts/{type}/{id}/baseline",
		Summary:       "Register version 1 of an existing artifact",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ArtifactPath
		Body BaselineRequest `json:"body"`
	}) (*body[VersionResponse], error) {
		p, err := principalFromRequest(ctx)
		if err != nil {
			return nil, err
		}
		payload, perr := encodePayload(input.Body.Payload)
		if perr != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", perr.Error(), nil)
		}
		v, rerr := e.RegisterBaseline(ctx, input.Ref(), payload, p.ActorID)
		if rerr != nil {
			return nil, handleError(rerr)
		}
		return reply(versionResponse(v)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-versions",
		Method:      http.MethodGet,
		Path:        "/artifacts/{type}/{id}/versions",
		Summary:     "Numbered version history, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *ArtifactPath) (*body[[]VersionResponse], error) {
		if _, err := principalFromRequest(ctx); err != nil {
			return nil, err
		}
		items, err := e.History(ctx, input.Ref())
		if err != nil {
			return nil, handleError(err)
		}
		return reply(mapVersions(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "detect-conflicts",
		Method:      http.MethodGet,
		Path:        "/artifacts/{type}/{id}/conflicts",
		Summary:     "Compare an initiative draft with the current baseline",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ArtifactPath
		InitiativeID string `query:"initiative_id" required:"true"`
	}) (*body[conflict.Result], error) {
		if _, err := principalFromRequest(ctx); err != nil {
			return nil, err
		}
		res, err := e.DetectConflicts(ctx, input.Ref(), input.InitiativeID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "promote",
		Method:      http.MethodPost,
		Path:        "/artifacts/{type}/{id}/promote",
		Summary:     "Promote an initiative draft to the production baseline",
		Errors:      checkoutErrors,
	}, func(ctx context.Context, input *struct {
		ArtifactPath
		Body InitiativeRequest `json:"body"`
	}) (*body[VersionEnvelope], error) {
		p, err := principalFromRequest(ctx)
		if err != nil {
			return nil, err
		}
		v, perr := e.Promote(ctx, input.Ref(), input.Body.InitiativeID, p.ActorID)
		if perr != nil {
			return nil, handleError(perr)
		}
		return reply(VersionEnvelope{Version: versionResponse(v)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-conflict",
		Method:      http.MethodPost,
		Path:        "/artifacts/{type}/{id}/resolve",
		Summary:     "Rebase a conflicting draft onto the current baseline",
		Errors:      checkoutErrors,
	}, func(ctx context.Context, input *struct {
		ArtifactPath
		Body ResolveRequest `json:"body"`
	}) (*body[VersionEnvelope], error) {
		p, err := principalFromRequest(ctx)
		if err != nil {
			return nil, err
		}
		v, rerr := e.ResolveConflict(ctx, engine.ResolveRequest{
			Ref:          input.Ref(),
			InitiativeID: input.Body.InitiativeID,
			UserID:       p.ActorID,
			Strategy:     input.Body.Strategy,
		})
		if rerr != nil {
			return nil, handleError(rerr)
		}
		return reply(VersionEnvelope{Version: versionResponse(v)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-in-initiative",
		Method:        http.MethodPost,
		Path:          "/artifacts/{type}/{id}/create",
		Summary:       "Start a new artifact inside an initiative",
		DefaultStatus: http.StatusCreated,
		Errors:        checkoutErrors,
	}, func(ctx context.Context, input *struct {
		ArtifactPath
		Body CreateArtifactRequest `json:"body"`
	}) (*body[CheckoutResponse], error) {
		p, err := principalFromRequest(ctx)
		if err != nil {
			return nil, err
		}
		payload, perr := encodePayload(input.Body.Payload)
		if perr != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", perr.Error(), nil)
		}
		res, cerr := e.CreateInInitiative(ctx, engine.DraftUpdate{
			Ref:          input.Ref(),
			InitiativeID: input.Body.InitiativeID,
			UserID:       p.ActorID,
			Payload:      payload,
			Reason:       input.Body.ChangeReason,
		})
		if cerr != nil {
			return nil, handleError(cerr)
		}
		return reply(checkoutResponse(res)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decommission",
		Method:      http.MethodPost,
		Path:        "/artifacts/{type}/{id}/decommission",
		Summary:     "Schedule removal of an artifact inside an initiative",
		Errors:      checkoutErrors,
	}, func(ctx context.Context, input *struct {
		ArtifactPath
		Body DecommissionRequest `json:"body"`
	}) (*body[CheckoutResponse], error) {
		p, err := principalFromRequest(ctx)
		if err != nil {
			return nil, err
		}
		res, derr := e.Decommission(ctx, input.Ref(), input.Body.InitiativeID, p.ActorID, input.Body.Reason)
		if derr != nil {
			return nil, handleError(derr)
		}
		return reply(checkoutResponse(res)), nil
	})
}

func registerInitiatives(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-initiative",
		Method:        http.MethodPost,
		Path:          "/initiatives",
		Summary:       "Create initiative",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateInitiativeRequest `json:"body"`
	}) (*body[InitiativeResponse], error) {
		p, err := principalFromRequest(ctx)
		if err != nil {
			return nil, err
		}
		if input.Body.ID != "" {
			if _, gerr := e.GetInitiative(ctx, input.Body.ID); gerr == nil {
				return nil, newAPIError(http.StatusConflict, "conflict", "initiative already exists", map[string]any{"id": input.Body.ID})
			}
		}
		it, cerr := e.CreateInitiative(ctx, engine.InitiativeCreate{
			ID:          input.Body.ID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Priority:    input.Body.Priority,
			ActorID:     p.ActorID,
		})
		if cerr != nil {
			return nil, handleError(cerr)
		}
		return reply(initiativeResponse(it)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-initiatives",
		Method:      http.MethodGet,
		Path:        "/initiatives",
		Summary:     "List initiatives",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"active,completed,cancelled"`
	}) (*body[[]InitiativeResponse], error) {
		if _, err := principalFromRequest(ctx); err != nil {
			return nil, err
		}
		items, err := e.ListInitiatives(ctx, domain.InitiativeStatus(input.Status))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(mapInitiatives(items)), nil
	})

	type initiativePath struct {
		ID string `path:"id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-initiative",
		Method:      http.MethodGet,
		Path:        "/initiatives/{id}",
		Summary:     "Get initiative",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *initiativePath) (*body[InitiativeResponse], error) {
		if _, err := principalFromRequest(ctx); err != nil {
			return nil, err
		}
		it, err := e.GetInitiative(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(initiativeResponse(it)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "initiative-changes",
		Method:      http.MethodGet,
		Path:        "/initiatives/{id}/changes",
		Summary:     "Drafts of an initiative with their state",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *initiativePath) (*body[[]ChangeResponse], error) {
		p, err := principalFromRequest(ctx)
		if err != nil {
			return nil, err
		}
		changes, cerr := e.InitiativeChanges(ctx, input.ID, p.ActorID)
		if cerr != nil {
			return nil, handleError(cerr)
		}
		out := make([]ChangeResponse, 0, len(changes))
		for _, c := range changes {
			out = append(out, ChangeResponse{Version: versionResponse(c.Version), State: c.State.String()})
		}
		return reply(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-initiative",
		Method:      http.MethodPost,
		Path:        "/initiatives/{id}/complete",
		Summary:     "Promote every draft and close the initiative",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *initiativePath) (*body[CompletionResponse], error) {
		p, err := principalFromRequest(ctx)
		if err != nil {
			return nil, err
		}
		res, cerr := e.CompleteInitiative(ctx, input.ID, p.ActorID)
		if cerr != nil {
			return nil, handleError(cerr)
		}
		return reply(completionResponse(res)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-initiative",
		Method:      http.MethodPost,
		Path:        "/initiatives/{id}/cancel",
		Summary:     "Discard every draft and lock of the initiative",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *initiativePath) (*body[CancelResponse], error) {
		p, err := principalFromRequest(ctx)
		if err != nil {
			return nil, err
		}
		res, cerr := e.CancelInitiative(ctx, input.ID, p.ActorID)
		if cerr != nil {
			return nil, handleError(cerr)
		}
		return reply(CancelResponse(res)), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		InitiativeID string `query:"initiative_id"`
		Type         string `query:"type"`
		EntityKind   string `query:"entity_kind" enum:"lock,version,initiative"`
		EntityID     string `query:"entity_id"`
		Limit        int    `query:"limit" default:"50"`
		Cursor       string `query:"cursor"`
	}) (*body[paginatedEvents], error) {
		if _, err := principalFromRequest(ctx); err != nil {
			return nil, err
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.ListEvents(ctx, limit+1, cursorID, repo.EventFilters{
			InitiativeID: input.InitiativeID,
			Type:         input.Type,
			EntityKind:   input.EntityKind,
			EntityID:     input.EntityID,
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
		return reply(resp), nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*body[WhoAmIResponse], error) {
		p, err := principalFromRequest(ctx)
		if err != nil {
			return nil, err
		}
		return reply(WhoAmIResponse{
			ActorID: p.ActorID,
			Roles:   nonNilSlice(p.Roles),
			Admin:   e.Auth.IsAdmin(p.Roles),
		}), nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*body[DevLoginResponse], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles, time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return reply(DevLoginResponse{Token: token}), nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
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

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
