package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"acs/pkg/cwmp"
	"acs/pkg/models"
	"acs/pkg/session"

	"github.com/gin-gonic/gin"
)

const (
	cookieName   = "ACSSESSIONID"
	maxCwmpBody  = 1 << 20
	cwmpRealm    = `Basic realm="acs"`
	cwmpMimeType = "text/xml; charset=utf-8"
)

// Sessions is the session engine as seen by the HTTP layer.
type Sessions interface {
	Handle(ctx context.Context, ex session.Exchange) session.Reply
	Snapshot() []models.SessionInfo
}

// RegisterCwmpRoutes mounts the device-facing endpoint. It sits outside the
// JWT group: devices authenticate with HTTP Basic inside the session engine.
func RegisterCwmpRoutes(r *gin.Engine, sessions Sessions, codec cwmp.Codec) {
	h := cwmpHandler(sessions, codec)
	r.POST("/cwmp", h)
	r.POST("/cwmp/:org", h)
}

func cwmpHandler(sessions Sessions, codec cwmp.Codec) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxCwmpBody))
		if err != nil {
			c.String(http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		msg, err := codec.Decode(body)
		if err != nil {
			slog.Warn("Rejected cwmp body", "component", "CwmpEndpoint", "remote", c.ClientIP(), "error", err)
			status := http.StatusInternalServerError
			if errors.Is(err, cwmp.ErrMalformed) {
				status = http.StatusBadRequest
			}
			c.String(status, err.Error())
			return
		}

		cookie, _ := c.Cookie(cookieName)
		username, password, hasAuth := c.Request.BasicAuth()
		reply := sessions.Handle(c.Request.Context(), session.Exchange{
			OrgID:    c.Param("org"),
			Cookie:   cookie,
			Message:  msg,
			Username: username,
			Password: password,
			HasAuth:  hasAuth,
		})
		writeReply(c, codec, reply)
	}
}

func writeReply(c *gin.Context, codec cwmp.Codec, reply session.Reply) {
	if reply.Challenge {
		c.Header("WWW-Authenticate", cwmpRealm)
	}
	if reply.Cookie != "" {
		c.SetSameSite(http.SameSiteStrictMode)
		c.SetCookie(cookieName, reply.Cookie, 0, "/", "", c.Request.TLS != nil, true)
	}
	if reply.Message == nil {
		c.Status(reply.Status)
		return
	}
	out, err := codec.Encode(reply.Message)
	if err != nil {
		slog.Error("Failed to encode cwmp reply", "component", "CwmpEndpoint", "method", reply.Message.Method, "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(reply.Status, cwmpMimeType, out)
}
