package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"acs/pkg/callback"
	"acs/pkg/config"
	"acs/pkg/cwmp"
	"acs/pkg/database"
	"acs/pkg/deviceop"
	"acs/pkg/models"
	"acs/pkg/session"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const informBody = `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/" xmlns:cwmp="urn:dslforum-org:cwmp-1-0">` +
	`<soap:Header><cwmp:ID>7</cwmp:ID></soap:Header><soap:Body>` +
	`<cwmp:Inform><DeviceId><OUI>00D09E</OUI><SerialNumber>SN1</SerialNumber></DeviceId></cwmp:Inform>` +
	`</soap:Body></soap:Envelope>`

type fakeSessions struct {
	mu    sync.Mutex
	got   []session.Exchange
	reply session.Reply
	live  []models.SessionInfo
}

func (f *fakeSessions) Handle(ctx context.Context, ex session.Exchange) session.Reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, ex)
	return f.reply
}

func (f *fakeSessions) Snapshot() []models.SessionInfo { return f.live }

func post(r http.Handler, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCwmpEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		reply      session.Reply
		wantStatus int
		check      func(t *testing.T, w *httptest.ResponseRecorder, ex session.Exchange)
	}{
		{
			name:       "inform gets an xml reply and a cookie",
			path:       "/cwmp/org1",
			body:       informBody,
			reply:      session.Reply{Status: http.StatusOK, Cookie: "c1", Message: &cwmp.Envelope{ID: "7", Method: cwmp.ResponseTo(cwmp.MethodInform), Body: &cwmp.InformResponse{MaxEnvelopes: 1}}},
			wantStatus: http.StatusOK,
			check: func(t *testing.T, w *httptest.ResponseRecorder, ex session.Exchange) {
				assert.Equal(t, "org1", ex.OrgID)
				assert.Equal(t, cwmp.MethodInform, ex.Message.Method)
				assert.Contains(t, w.Header().Get("Content-Type"), "text/xml")
				assert.Contains(t, w.Body.String(), "InformResponse")
				assert.Contains(t, w.Header().Get("Set-Cookie"), "ACSSESSIONID=c1")
			},
		},
		{
			name:       "empty post ends with 204",
			path:       "/cwmp",
			reply:      session.Reply{Status: http.StatusNoContent},
			wantStatus: http.StatusNoContent,
			check: func(t *testing.T, w *httptest.ResponseRecorder, ex session.Exchange) {
				assert.Nil(t, ex.Message)
				assert.Empty(t, ex.OrgID)
				assert.Empty(t, w.Body.String())
			},
		},
		{
			name:       "failed authentication challenges",
			path:       "/cwmp",
			body:       informBody,
			reply:      session.Reply{Status: http.StatusUnauthorized, Challenge: true},
			wantStatus: http.StatusUnauthorized,
			check: func(t *testing.T, w *httptest.ResponseRecorder, ex session.Exchange) {
				assert.Equal(t, `Basic realm="acs"`, w.Header().Get("WWW-Authenticate"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := &fakeSessions{reply: tt.reply}
			r := gin.New()
			RegisterCwmpRoutes(r, sessions, cwmp.XMLCodec{})

			w := post(r, tt.path, tt.body, nil)
			assert.Equal(t, tt.wantStatus, w.Code)
			require.Len(t, sessions.got, 1)
			tt.check(t, w, sessions.got[0])
		})
	}
}

func TestCwmpEndpointPassesCredentialsAndCookie(t *testing.T) {
	sessions := &fakeSessions{reply: session.Reply{Status: http.StatusNoContent}}
	r := gin.New()
	RegisterCwmpRoutes(r, sessions, cwmp.XMLCodec{})

	req := httptest.NewRequest(http.MethodPost, "/cwmp", nil)
	req.SetBasicAuth("cpe", "secret")
	req.AddCookie(&http.Cookie{Name: cookieName, Value: "abc"})
	r.ServeHTTP(httptest.NewRecorder(), req)

	require.Len(t, sessions.got, 1)
	ex := sessions.got[0]
	assert.Equal(t, "abc", ex.Cookie)
	assert.Equal(t, "cpe", ex.Username)
	assert.Equal(t, "secret", ex.Password)
	assert.True(t, ex.HasAuth)
}

func TestCwmpEndpointRejectsMalformedBody(t *testing.T) {
	sessions := &fakeSessions{}
	r := gin.New()
	RegisterCwmpRoutes(r, sessions, cwmp.XMLCodec{})

	w := post(r, "/cwmp", "<not-soap", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, sessions.got)
}

type fakeOps struct {
	mu        sync.Mutex
	submitted []*models.OperationRecord
	submitErr error
	onSubmit  func(rec *models.OperationRecord)
	cancelled bool
	cancelErr error
}

func (f *fakeOps) Submit(ctx context.Context, rec *models.OperationRecord) error {
	if f.submitErr != nil {
		return f.submitErr
	}
	rec.CorrelationID = "op-1"
	f.mu.Lock()
	f.submitted = append(f.submitted, rec)
	f.mu.Unlock()
	if f.onSubmit != nil {
		f.onSubmit(rec)
	}
	return nil
}

func (f *fakeOps) Cancel(ctx context.Context, correlationID string) (bool, error) {
	return f.cancelled, f.cancelErr
}

func operationsRouter(ops Operations, bus *callback.Bus) *gin.Engine {
	r := gin.New()
	RegisterOperationRoutes(r.Group("/api/v1"), ops, bus, time.Second, nil)
	return r
}

const getValues = `{"orgId":"org1","oui":"00D09E","serialNumber":"SN1","operationType":"get-values","payload":{"names":["Device.DeviceInfo."]}}`

func TestSubmitOperation(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		submitErr  error
		wantStatus int
	}{
		{"accepted", getValues, nil, http.StatusAccepted},
		{"missing org", `{"deviceKey":"k1","operationType":"reboot"}`, nil, http.StatusBadRequest},
		{"no device identity", `{"orgId":"org1","operationType":"reboot"}`, nil, http.StatusBadRequest},
		{"rejected by dispatcher", getValues, deviceop.ErrInvalidOperation, http.StatusBadRequest},
		{"store failure", getValues, assert.AnError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops := &fakeOps{submitErr: tt.submitErr}
			r := operationsRouter(ops, callback.NewBus(time.Second, nil))

			w := post(r, "/api/v1/operations", tt.body, map[string]string{"Content-Type": "application/json"})
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantStatus == http.StatusAccepted {
				require.Len(t, ops.submitted, 1)
				assert.Equal(t, "org1-00D09E-SN1", ops.submitted[0].DeviceKey)
				assert.JSONEq(t, `{"internalCorrelationId":"op-1","state":"pending"}`, w.Body.String())
			}
		})
	}
}

func TestSubmitAndWait(t *testing.T) {
	bus := callback.NewBus(time.Second, nil)
	ops := &fakeOps{}
	ops.onSubmit = func(rec *models.OperationRecord) {
		done := rec.Clone()
		require.NoError(t, done.Succeed([]models.ParameterValue{{Name: "Device.DeviceInfo.UpTime", Value: "42"}}, time.Now()))
		go func() {
			_, err := bus.Send(context.Background(), rec.CallbackAddress, done)
			assert.NoError(t, err)
		}()
	}
	r := operationsRouter(ops, bus)

	w := post(r, "/api/v1/operations?wait=true", getValues, map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var payload models.CallbackPayload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	assert.Equal(t, "op-1", payload.InternalCorrelationID)
	assert.Equal(t, models.OpStateSucceeded, payload.State)
	assert.Contains(t, string(payload.Result), "UpTime")
	assert.True(t, strings.HasPrefix(ops.submitted[0].CallbackAddress, "api-wait-"))
}

func TestCancelOperation(t *testing.T) {
	tests := []struct {
		name       string
		ops        *fakeOps
		wantStatus int
	}{
		{"cancelled", &fakeOps{cancelled: true}, http.StatusOK},
		{"already finished", &fakeOps{}, http.StatusConflict},
		{"unknown", &fakeOps{cancelErr: database.ErrNotFound}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := operationsRouter(tt.ops, callback.NewBus(time.Second, nil))
			req := httptest.NewRequest(http.MethodDelete, "/api/v1/operations/op-1", nil)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

// serveRequests answers entity requests from a canned table until the test ends.
func serveRequests(t *testing.T, answer func(req models.Request) models.Response) chan models.Request {
	t.Helper()
	reqCh := make(chan models.Request)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case req := <-reqCh:
				req.ReplyCh <- answer(req)
			}
		}
	}()
	return reqCh
}

func TestDeviceRoutes(t *testing.T) {
	const secret = "1234567890123456789012345678901212345678901234567890123456789012"
	var (
		created *models.Device
		listed  *models.Page
	)
	reqCh := serveRequests(t, func(req models.Request) models.Response {
		switch req.Operation {
		case models.OpList:
			listed = req.Payload.(*models.Page)
		case models.OpCreate:
			created = req.Payload.(*models.Device)
			return models.Response{Data: created}
		case models.OpGetByKey:
			if req.Key == "org1-00D09E-SN1" {
				return models.Response{Data: &models.Device{DeviceKey: req.Key}}
			}
			return models.Response{Error: database.ErrNotFound}
		}
		return models.Response{Data: []*models.Device{}}
	})

	r := gin.New()
	RegisterEntityRoutes[models.Device](r.Group("/api/v1"), "/devices", "Device", secret, reqCh)

	body := `{"org_id":"org1","oui":"00D09E","serial_number":"SN1","conn_req_password":"pw"}`
	w := post(r, "/api/v1/devices", body, map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.NotNil(t, created)
	assert.NotEqual(t, "pw", created.ConnReqPassword, "password is encrypted before it reaches the store")
	clear := database.DecryptDevice(created, secret)
	assert.Equal(t, "pw", clear.ConnReqPassword)

	w = post(r, "/api/v1/devices", `{"org_id":"org1"}`, map[string]string{"Content-Type": "application/json"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices/key/org1-00D09E-SN1", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/devices/key/org1-00D09E-SN9", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/devices/abc", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/devices?limit=20&offset=40", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, listed)
	assert.Equal(t, models.Page{Limit: 20, Offset: 40}, *listed)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/devices?limit=-1", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type fakeWaker struct{ got models.ConnReqRequest }

func (f *fakeWaker) Request(ctx context.Context, req models.ConnReqRequest) models.ConnReqReply {
	f.got = req
	return models.ConnReqReply{State: models.ConnReqLocked, LockedBy: models.OpTypeDownload, Error: "device is currently performing a download operation"}
}

func TestConnectionRequestAndSessions(t *testing.T) {
	waker := &fakeWaker{}
	sessions := &fakeSessions{live: []models.SessionInfo{{DeviceKey: "k1", State: "AwaitingNewOperation"}}}
	r := gin.New()
	RegisterDeviceSessionRoutes(r.Group("/api/v1"), waker, sessions)

	body := `{"orgId":"org1","deviceId":"k1","wakeEndpoint":"http://10.0.0.1:7547/cr"}`
	w := post(r, "/api/v1/connection-requests", body, map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "k1", waker.got.DeviceKey)
	assert.JSONEq(t, `{"state":"LOCKED","lockedBy":"download","error":"device is currently performing a download operation"}`, w.Body.String())

	w = post(r, "/api/v1/connection-requests", `{"orgId":"org1"}`, map[string]string{"Content-Type": "application/json"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"device_key":"k1"`)
}

func TestLoginAndMiddleware(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("admin-pw"), bcrypt.MinCost)
	require.NoError(t, err)
	auth := Auth(&config.Config{JWTSecret: "s3cret", AdminUser: "admin", AdminHash: string(hash), SessionDurationHours: 1})

	r := gin.New()
	r.POST("/login", auth.LoginHandler)
	protected := r.Group("/api/v1", auth.JWTMiddleware())
	protected.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, c.GetString("username")) })

	w := post(r, "/login", `{"username":"admin","password":"wrong"}`, map[string]string{"Content-Type": "application/json"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = post(r, "/login", `{"username":"admin","password":"admin-pw"}`, map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusOK, w.Code)
	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &login))

	foreign, _, err := (&JwtAuth{jwtSecret: []byte("other"), expiry: time.Hour}).issue("admin", time.Now())
	require.NoError(t, err)
	expired, _, err := auth.issue("admin", time.Now().Add(-2*time.Hour))
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid token", "Bearer " + login.Token, http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + login.Token, http.StatusUnauthorized},
		{"foreign signature", "Bearer " + foreign, http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, "admin", w.Body.String())
			}
		})
	}
}

func TestAskGivesUpWithClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp := ask(ctx, make(chan models.Request), models.Request{Operation: models.OpList})
	assert.ErrorIs(t, resp.Error, context.Canceled)
	assert.Equal(t, http.StatusInternalServerError, statusFor(resp.Error))
}
