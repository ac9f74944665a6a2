package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"acs/pkg/callback"
	"acs/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// waitSlack is added to the operation timeout when a caller waits for the result.
const waitSlack = 5 * time.Second

// Operations accepts and cancels device operations.
type Operations interface {
	Submit(ctx context.Context, rec *models.OperationRecord) error
	Cancel(ctx context.Context, correlationID string) (bool, error)
}

// Waiter hands out in-process callback addresses.
type Waiter interface {
	Register(addr string, buffer int) (<-chan callback.Delivery, func())
}

// RegisterOperationRoutes creates the operation submission routes.
func RegisterOperationRoutes(g *gin.RouterGroup, ops Operations, waiter Waiter, defaultTimeout time.Duration, reqCh chan<- models.Request) {
	r := g.Group("/operations")
	r.POST("", submitHandler(ops, waiter, defaultTimeout))
	r.GET("/:correlation_id", operationHandler(reqCh))
	r.DELETE("/:correlation_id", cancelHandler(ops))
}

// submitHandler validates and submits an operation. With ?wait=true the
// result is returned in the response instead of on the callback address.
func submitHandler(ops Operations, waiter Waiter, defaultTimeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.OperationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, err.Error())
			return
		}
		rec, err := req.Record()
		if err != nil {
			respondError(c, http.StatusBadRequest, err.Error())
			return
		}

		wait, _ := strconv.ParseBool(c.DefaultQuery("wait", "false"))
		var (
			deliveries <-chan callback.Delivery
			unregister func()
		)
		if wait {
			rec.CallbackAddress = "api-wait-" + uuid.NewString()
			deliveries, unregister = waiter.Register(rec.CallbackAddress, 1)
			defer unregister()
		}

		if err := ops.Submit(c.Request.Context(), rec); err != nil {
			respondError(c, statusFor(err), err.Error())
			return
		}
		if !wait {
			c.JSON(http.StatusAccepted, gin.H{
				"internalCorrelationId": rec.CorrelationID,
				"state":                 rec.State,
			})
			return
		}

		timeout := rec.Policy.Timeout()
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		timeout = timeout*time.Duration(rec.Policy.MaxRetries+1) +
			rec.Policy.RetryInterval()*time.Duration(rec.Policy.MaxRetries) + waitSlack
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case d := <-deliveries:
			d.Ack(nil)
			c.JSON(http.StatusOK, d.Payload)
		case <-timer.C:
			// The operation keeps running; its record can still be read.
			c.JSON(http.StatusAccepted, gin.H{
				"internalCorrelationId": rec.CorrelationID,
				"state":                 models.OpStatePending,
			})
		case <-c.Request.Context().Done():
		}
	}
}

// operationHandler returns the stored record of an operation
func operationHandler(reqCh chan<- models.Request) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := ask(c.Request.Context(), reqCh, models.Request{
			Operation:  models.OpGetByKey,
			EntityType: "OperationRecord",
			Key:        c.Param("correlation_id"),
		})
		if resp.Error != nil {
			respondError(c, statusFor(resp.Error), resp.Error.Error())
			return
		}
		c.JSON(http.StatusOK, resp.Data)
	}
}

// cancelHandler fails a pending or running operation
func cancelHandler(ops Operations) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("correlation_id")
		cancelled, err := ops.Cancel(c.Request.Context(), id)
		if err != nil {
			respondError(c, statusFor(err), err.Error())
			return
		}
		if !cancelled {
			respondError(c, http.StatusConflict, "operation already finished")
			return
		}
		c.JSON(http.StatusOK, gin.H{"internalCorrelationId": id, "state": models.OpStateFailed, "errorKind": models.ErrCancelled})
	}
}

