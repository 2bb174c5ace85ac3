package webapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/mailcredit/internal/stripegateway"
	"github.com/MarkoPoloResearchLab/mailcredit/pkg/credits"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const maxWebhookBodyBytes = 1 << 20

// Server is the HTTP façade over the credits service, the reconciler, and
// the payment-gateway webhook.
type Server struct {
	cfg        Config
	logger     *zap.Logger
	service    *credits.Service
	reconciler *credits.Reconciler
	webhook    *stripegateway.Webhook
	router     *gin.Engine
}

// NewServer wires the router. The configuration is validated first.
func NewServer(cfg Config, logger *zap.Logger, service *credits.Service, reconciler *credits.Reconciler, webhook *stripegateway.Webhook) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if service == nil || reconciler == nil || webhook == nil {
		return nil, fmt.Errorf("service, reconciler, and webhook are required")
	}
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}

	server := &Server{
		cfg:        cfg,
		logger:     logger,
		service:    service,
		reconciler: reconciler,
		webhook:    webhook,
	}
	server.router = setupRouter(cfg, server, sessionValidator)
	return server, nil
}

// Router exposes the gin engine, mainly for tests.
func (server *Server) Router() *gin.Engine {
	return server.router
}

// Run serves HTTP until the context is canceled.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.router,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("webapi listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, server *Server, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Webhook deliveries authenticate with the gateway signature, not a
	// session cookie.
	router.POST("/api/webhook/stripe", server.handleStripeWebhook)

	api := router.Group("/api")
	api.Use(validator.GinMiddleware("auth_claims"))

	api.GET("/credits/balance", server.handleBalance)
	api.GET("/credits/topup-quote", server.handleTopupQuote)
	api.POST("/stripe/create-credit-topup-checkout", server.handleTopupCheckout)
	api.POST("/validate/jobs", server.handleCreateJob)
	api.PATCH("/validate/jobs/:job_id", server.handleUpdateJob)
	api.GET("/validate/jobs/:job_id", server.handleJobReport)
	api.POST("/validate/email-tasks", server.handleEmailTasks)

	return router
}

func (server *Server) handleBalance(ctx *gin.Context) {
	tenantID, ok := server.tenantFromSession(ctx)
	if !ok {
		return
	}
	balance, err := server.service.Balance(ctx.Request.Context(), tenantID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, balancePayload{
		TotalCredit:        balance.TotalCredit,
		UsedCredit:         balance.UsedCredit,
		AvailableCredit:    balance.Available(),
		PeriodStartUnixUTC: balance.PeriodStartUnixUTC,
		ExpiresAtUnixUTC:   balance.ExpiresAtUnixUTC,
		PriceID:            balance.PriceID,
	})
}

func (server *Server) handleTopupQuote(ctx *gin.Context) {
	tenantID, ok := server.tenantFromSession(ctx)
	if !ok {
		return
	}
	var query topupQuoteQuery
	if err := ctx.ShouldBindQuery(&query); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_query", "requiredCredits must be an integer"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.GatewayTimeout)
	defer cancel()
	quote, err := server.service.Quote(requestCtx, tenantID, query.RequiredCredits)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, topupQuotePayload{
		RequiredCredits: quote.RequiredCredits,
		AvailableCredit: quote.AvailableCredit,
		Shortage:        quote.Shortage,
		Currency:        quote.Currency,
		UnitPrice:       quote.UnitPrice,
		TotalPrice:      quote.TotalPrice,
	})
}

func (server *Server) handleTopupCheckout(ctx *gin.Context) {
	tenantID, ok := server.tenantFromSession(ctx)
	if !ok {
		return
	}
	var request topupCheckoutRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.GatewayTimeout)
	defer cancel()
	result, err := server.service.Checkout(requestCtx, tenantID, request.RequiredCredits, request.SuccessURL, request.CancelURL)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"url":      result.URL,
		"shortage": result.Shortage,
	})
}

func (server *Server) handleCreateJob(ctx *gin.Context) {
	tenantID, ok := server.tenantFromSession(ctx)
	if !ok {
		return
	}
	var request createJobRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	jobID, err := credits.NewJobID(request.JobID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	if err := server.service.CreateJob(ctx.Request.Context(), tenantID, jobID, request.Name, request.SourceFilename, request.SourceStoragePath); err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"job_id": jobID.String(), "status": string(credits.JobStatusQueue)})
}

func (server *Server) handleUpdateJob(ctx *gin.Context) {
	tenantID, ok := server.tenantFromSession(ctx)
	if !ok {
		return
	}
	jobID, err := credits.NewJobID(ctx.Param("job_id"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	var request updateJobRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if err := server.service.SetJobUniqueEmails(ctx.Request.Context(), tenantID, jobID, request.UniqueEmails); err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"job_id": jobID.String()})
}

func (server *Server) handleJobReport(ctx *gin.Context) {
	tenantID, ok := server.tenantFromSession(ctx)
	if !ok {
		return
	}
	jobID, err := credits.NewJobID(ctx.Param("job_id"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	report, err := server.service.JobReport(ctx.Request.Context(), tenantID, jobID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	counts := make(map[string]int64, len(report.TaskCounts))
	for status, total := range report.TaskCounts {
		counts[string(status)] = total
	}
	ctx.JSON(http.StatusOK, jobReportPayload{
		JobID:          report.Job.JobID.String(),
		Name:           report.Job.Name,
		Status:         string(report.Job.Status),
		UniqueEmails:   report.Job.UniqueEmails,
		TaskCounts:     counts,
		CreatedUnixUTC: report.Job.CreatedUnixUTC,
		UpdatedUnixUTC: report.Job.UpdatedUnixUTC,
	})
}

func (server *Server) handleEmailTasks(ctx *gin.Context) {
	tenantID, ok := server.tenantFromSession(ctx)
	if !ok {
		return
	}
	var request emailTasksRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	jobID, err := credits.NewJobID(request.JobID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	result, err := server.service.Consume(ctx.Request.Context(), tenantID, jobID, request.Emails)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"inserted_count":  result.InsertedCount,
		"available_after": result.AvailableAfter,
	})
}

// handleStripeWebhook acknowledges ignored, duplicate, and structurally
// broken events with 200 so the gateway stops redelivering them; store and
// unknown-plan failures return 500 to force a retry.
func (server *Server) handleStripeWebhook(ctx *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	if err := server.webhook.Verify(payload, ctx.GetHeader("Stripe-Signature")); err != nil {
		server.logger.Warn("webhook signature rejected", zap.Error(err))
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_signature", "signature verification failed"))
		return
	}

	event, err := server.webhook.ParseEvent(ctx.Request.Context(), payload)
	switch {
	case errors.Is(err, stripegateway.ErrEventIgnored):
		ctx.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	case errors.Is(err, stripegateway.ErrInvalidEvent):
		server.logger.Warn("webhook event discarded", zap.Error(err))
		ctx.JSON(http.StatusOK, gin.H{"status": "discarded"})
		return
	case err != nil:
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "malformed event"))
		return
	}

	switch {
	case event.InvoicePaid != nil:
		err = server.reconciler.ApplyInvoicePaid(ctx.Request.Context(), *event.InvoicePaid)
	case event.Topup != nil:
		err = server.reconciler.ApplyTopupCompleted(ctx.Request.Context(), *event.Topup)
	default:
		ctx.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	if err != nil {
		server.logger.Error("webhook event apply failed", zap.String("type", event.Type), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("apply_failed", "event was not applied"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "processed"})
}

func (server *Server) tenantFromSession(ctx *gin.Context) (credits.TenantID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return credits.TenantID{}, false
	}
	tenantID, err := credits.NewTenantID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "session has no user id"))
		return credits.TenantID{}, false
	}
	return tenantID, true
}

func (server *Server) respondError(ctx *gin.Context, err error) {
	var insufficient *credits.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		ctx.JSON(http.StatusPaymentRequired, gin.H{
			"error":            gin.H{"code": "insufficient_credits", "message": "not enough credits"},
			"available_credit": insufficient.Available,
			"required_credit":  insufficient.Required,
		})
		return
	}

	status, code := statusForError(err)
	if status >= http.StatusInternalServerError {
		server.logger.Error("request failed", zap.Error(err))
	}
	ctx.JSON(status, errorResponse(code, err.Error()))
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, credits.ErrSubscriptionRequired):
		return http.StatusForbidden, "subscription_required"
	case errors.Is(err, credits.ErrJobExists):
		return http.StatusConflict, "job_exists"
	case errors.Is(err, credits.ErrUnknownJob):
		return http.StatusNotFound, "unknown_job"
	case errors.Is(err, credits.ErrNoCreditsNeeded):
		return http.StatusBadRequest, "no_credits_needed"
	case errors.Is(err, credits.ErrBatchTooLarge):
		return http.StatusBadRequest, "batch_too_large"
	case errors.Is(err, credits.ErrInvalidEmailBatch),
		errors.Is(err, credits.ErrInvalidCreditAmount),
		errors.Is(err, credits.ErrInvalidCheckoutRequest),
		errors.Is(err, credits.ErrInvalidTenantID),
		errors.Is(err, credits.ErrInvalidJobID),
		errors.Is(err, credits.ErrInvalidJobName):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, stripegateway.ErrGatewayRequest):
		return http.StatusBadGateway, "gateway_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get("auth_claims")
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type balancePayload struct {
	TotalCredit        int64  `json:"total_credit"`
	UsedCredit         int64  `json:"used_credit"`
	AvailableCredit    int64  `json:"available_credit"`
	PeriodStartUnixUTC int64  `json:"period_start_unix_utc"`
	ExpiresAtUnixUTC   int64  `json:"expires_at_unix_utc"`
	PriceID            string `json:"price_id"`
}

type topupQuoteQuery struct {
	RequiredCredits int64 `form:"requiredCredits"`
}

type topupQuotePayload struct {
	RequiredCredits int64  `json:"required_credits"`
	AvailableCredit int64  `json:"available_credit"`
	Shortage        int64  `json:"shortage"`
	Currency        string `json:"currency"`
	UnitPrice       string `json:"unit_price"`
	TotalPrice      string `json:"total_price"`
}

type topupCheckoutRequest struct {
	RequiredCredits int64  `json:"requiredCredits"`
	SuccessURL      string `json:"success_url"`
	CancelURL       string `json:"cancel_url"`
}

type createJobRequest struct {
	JobID             string `json:"job_id"`
	Name              string `json:"name"`
	SourceFilename    string `json:"source_filename"`
	SourceStoragePath string `json:"source_storage_path"`
}

type updateJobRequest struct {
	UniqueEmails int64 `json:"unique_emails"`
}

type emailTasksRequest struct {
	JobID  string   `json:"job_id"`
	Emails []string `json:"emails"`
}

type jobReportPayload struct {
	JobID          string           `json:"job_id"`
	Name           string           `json:"name"`
	Status         string           `json:"status"`
	UniqueEmails   int64            `json:"unique_emails"`
	TaskCounts     map[string]int64 `json:"task_counts"`
	CreatedUnixUTC int64            `json:"created_unix_utc"`
	UpdatedUnixUTC int64            `json:"updated_unix_utc"`
}
