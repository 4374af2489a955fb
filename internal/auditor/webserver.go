package auditor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mongodb-labs/orphan-auditor/internal/logger"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// RequestInProgressErrorDescription is the error description for a
// request that arrives while another operational request is in progress.
const RequestInProgressErrorDescription = "Another request is currently in progress"

const shutdownTimeout = 10 * time.Second

// AuditorAPI is what the operator API needs from an Auditor.
type AuditorAPI interface {
	GetProgress() Progress
	Abort(cause error) bool
}

var _ AuditorAPI = &Auditor{}

// WebServer serves the operator API.
type WebServer struct {
	port               int
	api                AuditorAPI
	logger             *logger.Logger
	operationalAPILock *semaphore.Weighted
}

// APIResponse is the schema for operational API responses.
type APIResponse struct {
	Success          bool    `json:"success"`
	Error            *string `json:"error,omitempty"`
	ErrorDescription *string `json:"errorDescription,omitempty"`
}

// NewWebServer creates a WebServer object
func NewWebServer(port int, api AuditorAPI, logger *logger.Logger) *WebServer {
	return &WebServer{
		port:               port,
		api:                api,
		logger:             logger,
		operationalAPILock: semaphore.NewWeighted(1),
	}
}

func (server *WebServer) operationalAPILockMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !server.operationalAPILock.TryAcquire(1) {
			errorResponse(c, "RequestInProgress", RequestInProgressErrorDescription)
			c.Abort()
			return
		}
		defer server.operationalAPILock.Release(1)
		c.Next()
	}
}

// A wrapper around gin.ResponseWriter with its own buffer.
// This lets us capture the response body and log it separately.
type responseBodyWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

// Write stores the provided bytes before calling (gin.ResponseWriter).Write.
func (rbw responseBodyWriter) Write(b []byte) (int, error) {
	rbw.body.Write(b)
	return rbw.ResponseWriter.Write(b)
}

// RequestAndResponseLogger is the middleware for logging the request and response.
func (server *WebServer) RequestAndResponseLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		t := time.Now()

		// A UUID to correlate each request with a response in the logs.
		traceID := uuid.New().String()

		var buf []byte
		if c.Request.Body != nil {
			// The request body can only be read once.
			buf, _ = io.ReadAll(c.Request.Body)
		}
		server.logger.Info().Str("uri", c.Request.RequestURI).
			Str("method", c.Request.Method).
			Str("body", string(buf)).
			Str("clientIP", c.ClientIP()).
			Str("traceID", traceID).
			Msg("received request")

		// Reinstate the request body.
		c.Request.Body = io.NopCloser(bytes.NewBuffer(buf))

		c.Header("Trace-Id", traceID)

		rbw := &responseBodyWriter{ResponseWriter: c.Writer, body: bytes.NewBufferString("")}
		c.Writer = rbw

		c.Next()

		server.logger.Info().Int("status", c.Writer.Status()).
			Str("body", rbw.body.String()).
			Str("traceID", traceID).
			Str("latency", time.Since(t).String()).
			Msg("sent response")
	}
}

func (server *WebServer) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(server.RequestAndResponseLogger(), gin.Recovery())

	api := router.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			v1.GET("/progress", server.progressEndpoint)
			v1.POST("/abort", server.operationalAPILockMiddleware(), server.abortEndpoint)
		}
	}

	router.HandleMethodNotAllowed = true
	return router
}

// Run serves requests until the context is canceled. This is a blocking
// call.
func (server *WebServer) Run(ctx context.Context) error {
	addrStr := fmt.Sprintf("0.0.0.0:%d", server.port)
	server.logger.Info().
		Str("address", addrStr).
		Msg("Starting web server.")

	listener, err := net.Listen("tcp", addrStr)
	if err != nil {
		return errors.Wrapf(err, "failed to bind to %s", addrStr)
	}

	boundPort := listener.Addr().(*net.TCPAddr).Port
	server.logger.Info().
		Int("port", boundPort).
		Msg("Web server started.")

	srv := &http.Server{
		Handler: server.setupRouter(),
	}

	serveErr := make(chan error, 1)
	go func() {
		// Serve always returns a non-nil error.
		serveErr <- srv.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		return errors.Wrap(err, "web server failed")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		server.logger.Error().Err(err).Msg("Web server forced to shutdown")
	}

	return nil
}

// EmptyRequest is for request with empty body
type EmptyRequest struct{}

// progressEndpoint implements the gin handle for the progress endpoint.
func (server *WebServer) progressEndpoint(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"progress": server.api.GetProgress(),
	})
}

func (server *WebServer) abortEndpoint(c *gin.Context) {
	var json EmptyRequest

	if err := c.ShouldBindJSON(&json); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !server.api.Abort(errors.New("aborted via operator API")) {
		errorResponse(c, "NotRunning", "No scan is in progress.")
		return
	}

	successResponse(c)
}

func successResponse(c *gin.Context) {
	c.JSON(http.StatusOK, APIResponse{true, nil, nil})
}

func errorResponse(c *gin.Context, errorName, errorDescription string) {
	c.JSON(http.StatusOK, APIResponse{false, &errorName, &errorDescription})
}
