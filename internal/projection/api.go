package projection

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"tidecaster/internal/executor"
	"tidecaster/internal/store"
	"tidecaster/pkg/logging"
)

const maxListLimit = 200

// Reader is the subset of the store the API reads from.
type Reader interface {
	ListByPhase(ctx context.Context, phase store.Phase, limit int) ([]store.Item, error)
	RecentItems(ctx context.Context, limit int) ([]store.Item, error)
	RecentPosts(ctx context.Context, limit int) ([]store.PostLogEntry, error)
	PhaseCounts(ctx context.Context) (map[store.Phase]int, error)
	ErrorClassCounts(ctx context.Context) (map[string]int, error)
}

// API serves the read-only pipeline projection. Provider entries expose
// whether credentials are configured, never the credentials themselves.
type API struct {
	reader     Reader
	exec       *executor.Executor
	configured map[string]bool
	calls      *CallLog
	logs       *LogBuffer
	logger     logging.Logger
	started    time.Time
}

// NewAPI wires the projection handlers. calls and logs may be nil, in
// which case their endpoints serve empty lists.
func NewAPI(reader Reader, exec *executor.Executor, configured map[string]bool, calls *CallLog, logs *LogBuffer, logger logging.Logger) (*API, error) {
	if reader == nil {
		return nil, errors.New("reader is required")
	}
	if exec == nil {
		return nil, errors.New("executor is required")
	}
	return &API{
		reader:     reader,
		exec:       exec,
		configured: configured,
		calls:      calls,
		logs:       logs,
		logger:     logger,
		started:    time.Now(),
	}, nil
}

// RegisterRoutes mounts the projection endpoints under /api/v1.
func (a *API) RegisterRoutes(router *gin.Engine) {
	group := router.Group("/api/v1")
	group.GET("/status", a.handleStatus)
	group.GET("/items", a.handleItems)
	group.GET("/posts", a.handlePosts)
	group.GET("/calls", a.handleCalls)
	group.GET("/logs", a.handleLogs)
	group.GET("/providers", a.handleProviders)
}

type statusResponse struct {
	Phases map[string]int `json:"phases"`
	Errors map[string]int `json:"errors"`
	Uptime string         `json:"uptime"`
}

func (a *API) handleStatus(c *gin.Context) {
	ctx := c.Request.Context()
	phases, err := a.reader.PhaseCounts(ctx)
	if err != nil {
		a.logger.WithError(err).Error("Could not read phase counts")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not read phase counts"})
		return
	}
	classes, err := a.reader.ErrorClassCounts(ctx)
	if err != nil {
		a.logger.WithError(err).Error("Could not read error class counts")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not read error counts"})
		return
	}
	resp := statusResponse{
		Phases: make(map[string]int, len(phases)),
		Errors: classes,
		Uptime: time.Since(a.started).Round(time.Second).String(),
	}
	for phase, n := range phases {
		resp.Phases[string(phase)] = n
	}
	c.JSON(http.StatusOK, resp)
}

type itemResponse struct {
	ID         string         `json:"id"`
	SourceRef  string         `json:"source_ref"`
	Phase      string         `json:"phase"`
	Payload    map[string]any `json:"payload,omitempty"`
	Attempts   map[string]int `json:"attempts,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	ErrorClass string         `json:"error_class,omitempty"`
	FailedFrom string         `json:"failed_from,omitempty"`
	ClaimedBy  string         `json:"claimed_by,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func itemView(it store.Item, now time.Time) itemResponse {
	resp := itemResponse{
		ID:        it.ID,
		SourceRef: it.SourceRef,
		Phase:     string(it.EffectivePhase(now)),
		Payload:   it.Payload,
		CreatedAt: it.CreatedAt,
		UpdatedAt: it.UpdatedAt,
	}
	if len(it.Attempts) > 0 {
		resp.Attempts = it.Attempts
	}
	resp.LastError = it.LastError.String
	resp.ErrorClass = it.ErrorClass.String
	resp.FailedFrom = it.FailedFrom.String
	if it.Claimed(now) {
		resp.ClaimedBy = it.ClaimedBy.String
	}
	return resp
}

func (a *API) handleItems(c *gin.Context) {
	limit := parseLimit(c.DefaultQuery("limit", "20"))
	ctx := c.Request.Context()

	var (
		items []store.Item
		err   error
	)
	if phaseParam := c.Query("phase"); phaseParam != "" {
		phase, perr := store.ParsePhase(phaseParam)
		if perr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": perr.Error()})
			return
		}
		if !phase.Rest() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "phase " + phaseParam + " is transient; query the phase it claims from"})
			return
		}
		items, err = a.reader.ListByPhase(ctx, phase, limit)
	} else {
		items, err = a.reader.RecentItems(ctx, limit)
	}
	if err != nil {
		a.logger.WithError(err).Error("Could not list items")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list items"})
		return
	}

	now := time.Now()
	resp := make([]itemResponse, 0, len(items))
	for _, it := range items {
		resp = append(resp, itemView(it, now))
	}
	c.JSON(http.StatusOK, resp)
}

type postResponse struct {
	ID             string    `json:"id"`
	ItemID         string    `json:"item_id"`
	SourceRef      string    `json:"source_ref"`
	Platform       string    `json:"platform"`
	ScheduledTime  time.Time `json:"scheduled_time"`
	Status         string    `json:"status"`
	ExternalPostID string    `json:"external_post_id,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (a *API) handlePosts(c *gin.Context) {
	limit := parseLimit(c.DefaultQuery("limit", "20"))
	entries, err := a.reader.RecentPosts(c.Request.Context(), limit)
	if err != nil {
		a.logger.WithError(err).Error("Could not list posts")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list posts"})
		return
	}
	resp := make([]postResponse, 0, len(entries))
	for _, entry := range entries {
		resp = append(resp, postResponse{
			ID:             entry.ID,
			ItemID:         entry.ItemID,
			SourceRef:      entry.SourceRef,
			Platform:       entry.Platform,
			ScheduledTime:  entry.ScheduledTime,
			Status:         string(entry.Status),
			ExternalPostID: entry.ExternalPostID.String,
			LastError:      entry.LastError.String,
			UpdatedAt:      entry.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) handleCalls(c *gin.Context) {
	entries := []CallEntry{}
	if a.calls != nil {
		entries = a.calls.Snapshot()
	}
	c.JSON(http.StatusOK, entries)
}

func (a *API) handleLogs(c *gin.Context) {
	entries := []LogEntry{}
	if a.logs != nil {
		entries = a.logs.Snapshot()
	}
	c.JSON(http.StatusOK, entries)
}

type providerResponse struct {
	Name           string `json:"name"`
	Configured     bool   `json:"configured"`
	MaxConcurrent  int    `json:"max_concurrent"`
	CallsPerMinute int    `json:"calls_per_minute"`
	MaxRetries     int    `json:"max_retries"`
}

func (a *API) handleProviders(c *gin.Context) {
	names := a.exec.Providers()
	resp := make([]providerResponse, 0, len(names))
	for _, name := range names {
		limits, _ := a.exec.Limits(name)
		resp = append(resp, providerResponse{
			Name:           name,
			Configured:     a.configured[name],
			MaxConcurrent:  limits.MaxConcurrent,
			CallsPerMinute: limits.CallsPerMinute,
			MaxRetries:     limits.MaxRetries,
		})
	}
	c.JSON(http.StatusOK, resp)
}

func parseLimit(raw string) int {
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 20
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
