package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/kbmigrate/internal/models"
	"github.com/zulandar/kbmigrate/internal/store"
)

// ServeOpts holds configuration for the report server.
type ServeOpts struct {
	Store *store.Store
	Addr  string
	Out   io.Writer
}

// Serve runs the report API. It blocks until ctx is cancelled, then shuts
// down gracefully.
func Serve(ctx context.Context, opts ServeOpts) error {
	if opts.Store == nil {
		return fmt.Errorf("report: store is required")
	}
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}

	srv := &http.Server{
		Addr:    opts.Addr,
		Handler: newRouter(opts.Store),
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Report server listening on %s\n", opts.Addr)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("report: %w", err)
	}
	return nil
}

func newRouter(s *store.Store) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	api := router.Group("/api")
	api.GET("/runs", handleRuns(s))
	api.GET("/runs/:id", handleRun(s))
	api.GET("/runs/:id/documents", handleDocuments(s))
	return router
}

func runID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return 0, false
	}
	return uint(id), true
}

func storeError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func handleRuns(s *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		runs, err := s.ListRuns(0)
		if err != nil {
			storeError(c, err)
			return
		}
		out := make([]Run, 0, len(runs))
		for i := range runs {
			out = append(out, runView(&runs[i]))
		}
		c.JSON(http.StatusOK, out)
	}
}

func handleRun(s *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := runID(c)
		if !ok {
			return
		}
		rep, err := Build(s, id)
		if err != nil {
			storeError(c, err)
			return
		}
		c.JSON(http.StatusOK, rep)
	}
}

// document is the JSON view of a document record.
type document struct {
	Locator      string `json:"locator"`
	Title        string `json:"title"`
	Organization string `json:"organization"`
	Status       string `json:"status"`
	RemoteID     string `json:"remote_id,omitempty"`
	Error        string `json:"error,omitempty"`
}

var documentStatuses = map[string]bool{
	models.DocPending: true, models.DocInProgress: true, models.DocCompleted: true,
	models.DocFailed: true, models.DocSkipped: true,
}

func handleDocuments(s *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := runID(c)
		if !ok {
			return
		}
		if _, err := s.GetRun(id); err != nil {
			storeError(c, err)
			return
		}

		var (
			docs []models.Document
			err  error
		)
		if status := c.Query("status"); status != "" {
			if !documentStatuses[status] {
				c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown status %q", status)})
				return
			}
			docs, err = s.GetDocumentsByStatus(id, status)
		} else {
			docs, err = s.ListDocuments(id)
		}
		if err != nil {
			storeError(c, err)
			return
		}

		out := make([]document, 0, len(docs))
		for _, d := range docs {
			out = append(out, document{
				Locator:      d.Locator,
				Title:        d.Title,
				Organization: d.Organization,
				Status:       d.Status,
				RemoteID:     d.RemoteID,
				Error:        d.ErrorMessage,
			})
		}
		c.JSON(http.StatusOK, out)
	}
}
