package api

import (
	"context"
	"net/http"
	"strconv"

	"acs/pkg/database"
	"acs/pkg/models"
	"acs/pkg/persistence"

	"github.com/gin-gonic/gin"
)

// RegisterEntityRoutes creates CRUD routes for any entity type
func RegisterEntityRoutes[T any](
	g *gin.RouterGroup,
	path string,
	entityType string,
	encryptionKey string,
	reqCh chan<- models.Request,
) {
	r := g.Group(path)
	r.GET("", listHandler(entityType, reqCh))
	r.GET("/:id", getHandler(entityType, reqCh))
	r.GET("/key/:key", getByKeyHandler(entityType, reqCh))
	r.POST("", createHandler[T](entityType, encryptionKey, reqCh))
	r.PUT("/:id", updateHandler[T](entityType, encryptionKey, reqCh))
	r.DELETE("/:id", deleteHandler(entityType, reqCh))
}

// RegisterCommLogRoute creates the communication log query route
func RegisterCommLogRoute(g *gin.RouterGroup, reqCh chan<- models.Request) {
	g.GET("/comm-logs/:device_key", commLogHandler(reqCh))
}

// ask sends a request to a service and waits for its reply or for the client to go away.
func ask(ctx context.Context, reqCh chan<- models.Request, req models.Request) models.Response {
	req.ReplyCh = make(chan models.Response, 1)
	select {
	case reqCh <- req:
	case <-ctx.Done():
		return models.Response{Error: ctx.Err()}
	}
	select {
	case resp := <-req.ReplyCh:
		return resp
	case <-ctx.Done():
		return models.Response{Error: ctx.Err()}
	}
}

// listHandler returns entities in id order, optionally paged with ?limit&offset
func listHandler(entityType string, reqCh chan<- models.Request) gin.HandlerFunc {
	return func(c *gin.Context) {
		var page models.Page
		var err error
		if page.Limit, err = strconv.Atoi(c.DefaultQuery("limit", "0")); err != nil || page.Limit < 0 {
			respondError(c, http.StatusBadRequest, "invalid limit")
			return
		}
		if page.Offset, err = strconv.Atoi(c.DefaultQuery("offset", "0")); err != nil || page.Offset < 0 {
			respondError(c, http.StatusBadRequest, "invalid offset")
			return
		}

		resp := ask(c.Request.Context(), reqCh, models.Request{
			Operation:  models.OpList,
			EntityType: entityType,
			Payload:    &page,
		})
		if resp.Error != nil {
			respondError(c, statusFor(resp.Error), resp.Error.Error())
			return
		}
		c.JSON(http.StatusOK, resp.Data)
	}
}

// getHandler returns a single entity by ID
func getHandler(entityType string, reqCh chan<- models.Request) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid id")
			return
		}

		resp := ask(c.Request.Context(), reqCh, models.Request{
			Operation:  models.OpGet,
			EntityType: entityType,
			ID:         id,
		})
		if resp.Error != nil {
			respondError(c, statusFor(resp.Error), "record not found")
			return
		}
		c.JSON(http.StatusOK, resp.Data)
	}
}

// getByKeyHandler returns a single entity by its natural key
func getByKeyHandler(entityType string, reqCh chan<- models.Request) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := ask(c.Request.Context(), reqCh, models.Request{
			Operation:  models.OpGetByKey,
			EntityType: entityType,
			Key:        c.Param("key"),
		})
		if resp.Error != nil {
			respondError(c, statusFor(resp.Error), resp.Error.Error())
			return
		}
		c.JSON(http.StatusOK, resp.Data)
	}
}

// createHandler creates a new entity
func createHandler[T any](entityType string, encryptionKey string, reqCh chan<- models.Request) gin.HandlerFunc {
	return func(c *gin.Context) {
		var entity T
		if err := c.ShouldBindJSON(&entity); err != nil {
			respondError(c, http.StatusBadRequest, err.Error())
			return
		}

		// Encrypt sensitive fields if present
		encryptedEntity, err := database.EncryptStruct(entity, encryptionKey)
		if err != nil {
			respondError(c, http.StatusInternalServerError, "encryption failed: "+err.Error())
			return
		}

		resp := ask(c.Request.Context(), reqCh, models.Request{
			Operation:  models.OpCreate,
			EntityType: entityType,
			Payload:    &encryptedEntity,
		})
		if resp.Error != nil {
			respondError(c, statusFor(resp.Error), resp.Error.Error())
			return
		}
		c.JSON(http.StatusCreated, resp.Data)
	}
}

// updateHandler updates an existing entity
func updateHandler[T any](entityType string, encryptionKey string, reqCh chan<- models.Request) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid id")
			return
		}

		var entity T
		if err := c.ShouldBindJSON(&entity); err != nil {
			respondError(c, http.StatusBadRequest, err.Error())
			return
		}

		encryptedEntity, err := database.EncryptStruct(entity, encryptionKey)
		if err != nil {
			respondError(c, http.StatusInternalServerError, "encryption failed: "+err.Error())
			return
		}

		resp := ask(c.Request.Context(), reqCh, models.Request{
			Operation:  models.OpUpdate,
			EntityType: entityType,
			ID:         id,
			Payload:    &encryptedEntity,
		})
		if resp.Error != nil {
			respondError(c, statusFor(resp.Error), resp.Error.Error())
			return
		}
		c.JSON(http.StatusOK, resp.Data)
	}
}

// deleteHandler removes an entity
func deleteHandler(entityType string, reqCh chan<- models.Request) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid id")
			return
		}

		resp := ask(c.Request.Context(), reqCh, models.Request{
			Operation:  models.OpDelete,
			EntityType: entityType,
			ID:         id,
		})
		if resp.Error != nil {
			respondError(c, statusFor(resp.Error), resp.Error.Error())
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "deleted"})
	}
}

// commLogHandler returns the most recent communication log rows of a device
func commLogHandler(reqCh chan<- models.Request) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
		if err != nil || limit < 0 {
			respondError(c, http.StatusBadRequest, "invalid limit")
			return
		}

		resp := ask(c.Request.Context(), reqCh, models.Request{
			Operation:  models.OpList,
			EntityType: "CommLog",
			Payload:    &persistence.CommLogQuery{DeviceKey: c.Param("device_key"), Limit: limit},
		})
		if resp.Error != nil {
			respondError(c, statusFor(resp.Error), resp.Error.Error())
			return
		}
		c.JSON(http.StatusOK, resp.Data)
	}
}
