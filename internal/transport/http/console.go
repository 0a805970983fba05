package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/richardliu001/courier/internal/codec"
	"github.com/richardliu001/courier/internal/model"
	"github.com/richardliu001/courier/internal/repo"
	"github.com/richardliu001/courier/internal/retry"
	"github.com/richardliu001/courier/internal/snowflake"
)

// Searcher pages through one record table.
type Searcher[T any] interface {
	Search(ctx context.Context, f repo.Filter) (repo.Page[T], error)
}

// EventRetrier force-publishes a stored event.
type EventRetrier interface {
	Retry(ctx context.Context, uuid string) error
}

// Retrier re-runs a stored request or saga and returns its result.
type Retrier interface {
	Retry(ctx context.Context, uuid string) (any, error)
}

type Leases interface {
	Leases(ctx context.Context, active bool) ([]model.WorkerLease, error)
	InUse(ctx context.Context) ([]int64, error)
	Unlock(ctx context.Context, datacenterID, workerID int64) (bool, error)
}

type Unlocker interface {
	Unlock(ctx context.Context, key string) (bool, error)
}

// Console is the operator surface. Nil parts leave their routes unregistered.
type Console struct {
	Events       Searcher[model.Event]
	EventRetry   EventRetrier
	Requests     Searcher[model.Request]
	RequestRetry Retrier
	Sagas        Searcher[model.Saga]
	SagaRetry    Retrier
	Leases       Leases
	Lockers      Unlocker
}

func RegisterConsole(r gin.IRouter, c *Console) {
	g := r.Group("/console")
	if c.Events != nil {
		g.GET("/events", searchHandler(c.Events))
	}
	if c.EventRetry != nil {
		g.POST("/events/:uuid/retry", func(ctx *gin.Context) {
			if err := c.EventRetry.Retry(ctx, ctx.Param("uuid")); err != nil {
				fail(ctx, err)
				return
			}
			ok(ctx, nil)
		})
	}
	if c.Requests != nil {
		g.GET("/requests", searchHandler(c.Requests))
	}
	if c.RequestRetry != nil {
		g.POST("/requests/:uuid/retry", retryHandler(c.RequestRetry))
	}
	if c.Sagas != nil {
		g.GET("/sagas", searchHandler(c.Sagas))
	}
	if c.SagaRetry != nil {
		g.POST("/sagas/:uuid/retry", retryHandler(c.SagaRetry))
	}
	if c.Leases != nil {
		g.GET("/snowflake/leases", leasesHandler(c.Leases))
		g.POST("/snowflake/leases/:dc/:worker/unlock", unlockLeaseHandler(c.Leases))
		g.GET("/snowflake/workers", func(ctx *gin.Context) {
			ids, err := c.Leases.InUse(ctx)
			if err != nil {
				fail(ctx, err)
				return
			}
			ok(ctx, ids)
		})
	}
	if c.Lockers != nil {
		g.POST("/lockers/:key/unlock", func(ctx *gin.Context) {
			released, err := c.Lockers.Unlock(ctx, ctx.Param("key"))
			if err != nil {
				fail(ctx, err)
				return
			}
			ok(ctx, released)
		})
	}
}

func searchHandler[T any](s Searcher[T]) gin.HandlerFunc {
	return func(c *gin.Context) {
		f, err := parseFilter(c)
		if err != nil {
			fail(c, err)
			return
		}
		page, err := s.Search(c, f)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, page)
	}
}

func retryHandler(r Retrier) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := r.Retry(c, c.Param("uuid"))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, res)
	}
}

func leasesHandler(l Leases) gin.HandlerFunc {
	return func(c *gin.Context) {
		active, _ := strconv.ParseBool(c.DefaultQuery("active", "false"))
		rows, err := l.Leases(c, active)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, rows)
	}
}

func unlockLeaseHandler(l Leases) gin.HandlerFunc {
	return func(c *gin.Context) {
		dc, err := strconv.ParseInt(c.Param("dc"), 10, 64)
		if err != nil || dc < 0 || dc > snowflake.MaxDatacenterID {
			fail(c, badRequest("invalid datacenter id %q", c.Param("dc")))
			return
		}
		w, err := strconv.ParseInt(c.Param("worker"), 10, 64)
		if err != nil || w < 0 || w > snowflake.MaxWorkerID {
			fail(c, badRequest("invalid worker id %q", c.Param("worker")))
			return
		}
		released, err := l.Unlock(c, dc, w)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, released)
	}
}

// parseFilter reads uuid, type, state (csv of names or codes), scheduleFrom,
// scheduleTo (RFC 3339), page and size.
func parseFilter(c *gin.Context) (repo.Filter, error) {
	f := repo.Filter{UUID: c.Query("uuid"), Type: c.Query("type")}
	if v := c.Query("state"); v != "" {
		for _, part := range strings.Split(v, ",") {
			st, found := retry.ParseState(strings.TrimSpace(part))
			if !found {
				return f, badRequest("invalid state %q", part)
			}
			f.States = append(f.States, st)
		}
	}
	var err error
	if f.ScheduleFrom, err = parseTime(c, "scheduleFrom"); err != nil {
		return f, err
	}
	if f.ScheduleTo, err = parseTime(c, "scheduleTo"); err != nil {
		return f, err
	}
	if f.Page, err = parseInt(c, "page"); err != nil {
		return f, err
	}
	if f.Size, err = parseInt(c, "size"); err != nil {
		return f, err
	}
	return f, nil
}

func parseTime(c *gin.Context, name string) (time.Time, error) {
	v := c.Query(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, badRequest("invalid %s %q", name, v)
	}
	return t.UTC(), nil
}

func parseInt(c *gin.Context, name string) (int, error) {
	v := c.Query(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, badRequest("invalid %s %q", name, v)
	}
	return n, nil
}

type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, envelope{Success: true, Message: "ok", Data: data})
}

// fail maps err to a status. Only the error text is returned.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var re *requestError
	switch {
	case errors.As(err, &re):
		status = http.StatusBadRequest
	case errors.Is(err, repo.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, codec.ErrUnknownType):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, repo.ErrOptimisticLock):
		status = http.StatusConflict
	}
	c.JSON(status, envelope{Success: false, Message: err.Error()})
}
