package server

import (
	"bytes"
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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"payline/internal/domain"
	"payline/internal/engine"
	"payline/internal/money"
	"payline/internal/observability"
	"payline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Obs supplies the logger and metrics registry. A discarding one is
	// used when nil.
	Obs *observability.Observability
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"insufficient_funds"`
	Message string         `json:"message" example:"insufficient mission funds: requested $30.00, available $12.00"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"available\":\"12.00\"}"`
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

// ledgerAPI bundles what the route handlers share.
type ledgerAPI struct {
	engine  engine.Engine
	metrics *observability.LedgerMetrics
	log     logrus.FieldLogger
	auth    AuthConfig
}

// New returns an HTTP handler exposing the Payline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	obs := cfg.Obs
	if obs == nil {
		obs = observability.MakeWithOutput("info", "text", io.Discard)
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = obs.Log()
	}
	keys, err := newAPIKeyAuthenticator(cfg.Engine.Repo, cfg.Auth.APIKeyCacheSize)
	if err != nil {
		return nil, fmt.Errorf("api key cache: %w", err)
	}
	a := &ledgerAPI{
		engine:  cfg.Engine,
		metrics: observability.MakeLedgerMetrics(obs),
		log:     obs.Log(),
		auth:    cfg.Auth,
	}

	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newRequestLogger(a.log, a.metrics))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, keys))
	router.Handle("/metrics", promhttp.HandlerFor(obs.Metrics(), promhttp.HandlerOpts{}))

	hcfg := huma.DefaultConfig("Payline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	hapi := humachi.New(router, hcfg)
	group := huma.NewGroup(hapi, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCompensationHealth(group, a)
	registerFund(group, a)
	registerJobs(group, a)
	registerInteractions(group, a)
	registerSettlement(group, a)
	registerEarnings(group, a)
	registerMissions(group, a)
	registerEvents(group, a)
	registerRBAC(group, a)
	registerMe(group, a)
	registerAPIKeys(group, a)
	registerDevAuth(group, a)
	registerOpenAPI(router, hapi, basePath)

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

// handleError maps ledger errors onto the API envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var (
		se  huma.StatusError
		ve  domain.ValidationError
		ife domain.InsufficientFundsError
		ite domain.InvalidTransitionError
		jap domain.JobAlreadyPaidError
		jas domain.JobAlreadySettledError
		pe  domain.PermissionError
		ee  domain.EligibilityError
		ue  domain.UpstreamUnavailableError
	)
	switch {
	case errors.As(err, &se):
		return se
	case errors.As(err, &pe):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": pe.Permission})
	case errors.As(err, &ee):
		return newAPIError(http.StatusForbidden, "not_eligible", err.Error(), map[string]any{
			"interactions": ee.Interactions,
			"required":     ee.Required,
		})
	case errors.As(err, &ve):
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field}
		}
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), details)
	case errors.As(err, &ife):
		return newAPIError(http.StatusConflict, "insufficient_funds", err.Error(), map[string]any{
			"requested": money.String(ife.Requested),
			"available": money.String(ife.Available),
		})
	case errors.As(err, &ite):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"from": ite.From,
			"to":   ite.To,
		})
	case errors.As(err, &jap):
		return newAPIError(http.StatusConflict, "job_already_paid", err.Error(), map[string]any{
			"paid_at": jap.PaidAt,
			"paid_by": jap.PaidBy,
		})
	case errors.As(err, &jas):
		return newAPIError(http.StatusConflict, "job_already_settled", err.Error(), nil)
	case errors.As(err, &ue):
		return newAPIError(http.StatusServiceUnavailable, "upstream_unavailable", err.Error(), map[string]any{"service": ue.Service})
	case repo.IsNotFound(err):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
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

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func newRequestLogger(log logrus.FieldLogger, m *observability.LedgerMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			m.Requests.WithLabelValues(strconv.Itoa(rec.status)).Inc()
			entry := log.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   rec.status,
				"duration": time.Since(start).String(),
			})
			if rec.status >= http.StatusInternalServerError {
				entry.Warn("request failed")
				return
			}
			entry.Debug("request")
		})
	}
}

// observeFund refreshes the fund gauge after an operation moved money.
func (a *ledgerAPI) observeFund(ctx context.Context) {
	balance, err := a.engine.FundBalance(ctx)
	if err != nil {
		a.log.WithError(err).Warn("read fund balance for metrics")
		return
	}
	a.metrics.FundBalance.Set(balance.InexactFloat64())
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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
    <title>Payline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
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

func registerCompensationHealth(api huma.API, a *ledgerAPI) {
	huma.Register(api, huma.Operation{
		OperationID: "compensation-health",
		Method:      http.MethodGet,
		Path:        "/compensation/health",
		Summary:     "Ledger health",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		h, err := a.engine.CompensationHealth(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: healthResponse(h)}, nil
	})
}

func registerFund(api huma.API, a *ledgerAPI) {
	huma.Register(api, huma.Operation{
		OperationID: "fund-status",
		Method:      http.MethodGet,
		Path:        "/fund",
		Summary:     "Mission fund status",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body FundResponse `json:"body"`
	}, error) {
		st, err := a.engine.FundStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FundResponse `json:"body"`
		}{Body: fundResponse(st)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fund-sources",
		Method:      http.MethodGet,
		Path:        "/fund/sources",
		Summary:     "Jobs that contributed to the mission fund",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body paginatedFundSources `json:"body"`
	}, error) {
		items, err := a.engine.FundSources(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedFundSources `json:"body"`
		}{Body: paginatedFundSources{Items: fundSourcesResponse(items)}}, nil
	})
}

func registerJobs(api huma.API, a *ledgerAPI) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Create job",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateJobRequest `json:"body"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		value, err := money.Parse(input.Body.Value)
		if err != nil {
			return nil, handleError(domain.ValidationError{Field: "value", Reason: err.Error()})
		}
		job, err := a.engine.CreateJob(ctx, engine.JobCreateOptions{
			ID:      input.Body.ID,
			Title:   input.Body.Title,
			Value:   value,
			ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		a.observeFund(ctx)
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(job)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"active,completed,paid"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body paginatedJobs `json:"body"`
	}, error) {
		items, err := a.engine.ListJobs(ctx, input.Status, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedJobs `json:"body"`
		}{Body: paginatedJobs{Items: mapJobs(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Get job",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		job, err := a.engine.GetJob(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(job)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/complete",
		Summary:     "Mark job delivered",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		job, err := a.engine.CompleteJob(ctx, input.JobID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(job)}, nil
	})
}

func registerInteractions(api huma.API, a *ledgerAPI) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-interaction",
		Method:        http.MethodPost,
		Path:          "/jobs/{job_id}/interactions",
		Summary:       "Record an interaction",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		JobID string                   `path:"job_id"`
		Body  RecordInteractionRequest `json:"body"`
	}) (*struct {
		Body InteractionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		memberID := strings.TrimSpace(input.Body.MemberID)
		if memberID == "" {
			memberID = actorID
		}
		res, err := a.engine.RecordInteraction(ctx, engine.InteractionInput{
			JobID:     input.JobID,
			MemberID:  memberID,
			Content:   input.Body.Content,
			Recipient: input.Body.Recipient,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if !res.Duplicate {
			a.metrics.Interactions.Inc()
		}
		return &struct {
			Body InteractionResponse `json:"body"`
		}{Body: interactionResponse(res)}, nil
	})
}

func registerSettlement(api huma.API, a *ledgerAPI) {
	huma.Register(api, huma.Operation{
		OperationID: "settle-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/settle",
		Summary:     "Pay out a job's team pool",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		JobID string           `path:"job_id"`
		Body  SettleJobRequest `json:"body"`
	}) (*struct {
		Body SettlementResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := a.engine.TriggerPayment(ctx, engine.SettleOptions{
			JobID:        input.JobID,
			ActorID:      actorID,
			CashReceived: input.Body.CashReceived,
		})
		if err != nil {
			return nil, handleError(err)
		}
		a.metrics.Settlements.Inc()
		a.log.WithFields(logrus.Fields{
			"job_id":     s.JobID,
			"paid_by":    s.PaidBy,
			"total_paid": money.String(s.TotalPaid),
		}).Info("job settled")
		return &struct {
			Body SettlementResponse `json:"body"`
		}{Body: settlementResponse(s)}, nil
	})
}

func registerEarnings(api huma.API, a *ledgerAPI) {
	huma.Register(api, huma.Operation{
		OperationID: "job-earnings",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/earnings",
		Summary:     "Per-member breakdown of a job's team pool",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body JobEarningsResponse `json:"body"`
	}, error) {
		je, err := a.engine.JobEarnings(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobEarningsResponse `json:"body"`
		}{Body: jobEarningsResponse(je)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "member-earnings",
		Method:      http.MethodGet,
		Path:        "/members/{member_id}/earnings",
		Summary:     "Member earnings summary",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		MemberID string `path:"member_id"`
	}) (*struct {
		Body MemberEarningsResponse `json:"body"`
	}, error) {
		me, err := a.engine.MemberEarnings(ctx, input.MemberID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MemberEarningsResponse `json:"body"`
		}{Body: memberEarningsResponse(me)}, nil
	})
}

type missionPath struct {
	MissionID string `path:"mission_id"`
}

type missionOutput struct {
	Body MissionResponse `json:"body"`
}

func registerMissions(api huma.API, a *ledgerAPI) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-mission",
		Method:        http.MethodPost,
		Path:          "/missions",
		Summary:       "Create mission priced from the current fund tier",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateMissionRequest `json:"body"`
	}) (*missionOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := a.engine.CreateMission(ctx, engine.MissionCreateOptions{
			ID:          input.Body.ID,
			Type:        input.Body.Type,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		a.metrics.Missions.WithLabelValues("created").Inc()
		return &missionOutput{Body: missionResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status" enum:"available,claimed,pending_approval,completed"`
		Type      string `query:"type" enum:"proposal,social,recruitment,other"`
		ClaimedBy string `query:"claimed_by"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body paginatedMissions `json:"body"`
	}, error) {
		items, err := a.engine.ListMissions(ctx, repo.MissionFilters{
			Status:    input.Status,
			Type:      input.Type,
			ClaimedBy: input.ClaimedBy,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedMissions `json:"body"`
		}{Body: paginatedMissions{Items: mapMissions(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}",
		Summary:     "Get mission",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *missionPath) (*missionOutput, error) {
		m, err := a.engine.GetMission(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &missionOutput{Body: missionResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/claim",
		Summary:     "Claim mission for the caller",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *missionPath) (*missionOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := a.engine.ClaimMission(ctx, input.MissionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		a.metrics.Missions.WithLabelValues("claimed").Inc()
		return &missionOutput{Body: missionResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/complete",
		Summary:     "Submit proof for a claimed mission",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		MissionID string                 `path:"mission_id"`
		Body      CompleteMissionRequest `json:"body"`
	}) (*missionOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := a.engine.CompleteMission(ctx, engine.MissionCompleteOptions{
			MissionID: input.MissionID,
			MemberID:  actorID,
			ProofURL:  input.Body.ProofURL,
			Notes:     input.Body.Notes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		a.metrics.Missions.WithLabelValues("completed").Inc()
		return &missionOutput{Body: missionResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/approve",
		Summary:     "Approve a submitted mission and pay it from the fund",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *missionPath) (*missionOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := a.engine.ApproveMission(ctx, input.MissionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		a.metrics.Missions.WithLabelValues("approved").Inc()
		a.observeFund(ctx)
		return &missionOutput{Body: missionResponse(m)}, nil
	})
}

func registerEvents(api huma.API, a *ledgerAPI) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit log, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Cursor     string `query:"cursor"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var before int64
		if input.Cursor != "" {
			v, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || v <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
			}
			before = v
		}
		limit := normalizeLimit(input.Limit)
		items, err := a.engine.ListEvents(ctx, actorID, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     before,
			Limit:      limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: make([]EventResponse, 0, len(items))}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		if len(items) == limit {
			resp.NextCursor = strconv.FormatInt(items[len(items)-1].ID, 10)
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerRBAC(api huma.API, a *ledgerAPI) {
	for _, op := range []struct {
		id, path, summary string
		apply             func(ctx context.Context, actorID, target, roleID string) error
	}{
		{"grant-role", "/rbac/grant", "Grant role", a.engine.GrantRole},
		{"revoke-role", "/rbac/revoke", "Revoke role", a.engine.RevokeRole},
	} {
		apply := op.apply
		huma.Register(api, huma.Operation{
			OperationID:   op.id,
			Method:        http.MethodPost,
			Path:          op.path,
			Summary:       op.summary,
			DefaultStatus: http.StatusNoContent,
			Errors:        writeErrors,
		}, func(ctx context.Context, input *struct {
			Body RoleChangeRequest `json:"body"`
		}) (*struct{}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			if err := apply(ctx, actorID, input.Body.ActorID, input.Body.RoleID); err != nil {
				return nil, handleError(err)
			}
			return &struct{}{}, nil
		})
	}
}

func registerMe(api huma.API, a *ledgerAPI) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		who, err := a.engine.WhoAmI(ctx, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     who.ActorID,
			Roles:       sortedRoles(who.Roles),
			Permissions: nonNilSlice(who.Permissions),
			Source:      principal.Source,
		}}, nil
	})
}

func registerAPIKeys(api huma.API, a *ledgerAPI) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Issue an API key for the caller",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		plain, key, err := a.engine.CreateAPIKey(ctx, actorID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        key.ID,
			ActorID:   key.ActorID,
			Name:      key.Name,
			Key:       plain,
			CreatedAt: key.CreatedAt,
		}}, nil
	})
	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List the caller's API keys",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct{}) (*struct {
		Body apiKeyList `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := a.engine.ListAPIKeys(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body apiKeyList `json:"body"`
		}{Body: apiKeysResponse(keys)}, nil
	})
}

func registerDevAuth(api huma.API, a *ledgerAPI) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		if strings.TrimSpace(a.auth.JWTSecret) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "jwt secret not configured", nil)
		}
		token, err := signDevToken(a.auth.JWTSecret, actor, input.Body.Roles, time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
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
