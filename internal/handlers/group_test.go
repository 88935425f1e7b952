package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"canvas-chat/internal/middleware"
	"canvas-chat/internal/mocks"
	"canvas-chat/internal/models"
	"canvas-chat/internal/store/memstore"
	"canvas-chat/internal/telemetry"
)

type closerSpy struct{ closed []string }

func (s *closerSpy) CloseGroup(groupID string) { s.closed = append(s.closed, groupID) }

func setupGroupRouter(handler *GroupHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Identity())
	r.POST("/groups", handler.CreateGroup)
	r.GET("/groups", handler.ListGroups)
	r.GET("/groups/search", handler.SearchGroups)
	r.GET("/groups/recent", handler.RecentGroups)
	r.GET("/groups/:group_id", handler.GetGroup)
	r.POST("/groups/:group_id/join", handler.JoinGroup)
	r.DELETE("/groups/:group_id", handler.DeleteGroup)
	return r
}

func do(router http.Handler, method, path, uid string, body string) *httptest.ResponseRecorder {
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if uid != "" {
		req.Header.Set("X-User-ID", uid)
		req.Header.Set("X-User-Name", uid+"-name")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func auditWith(pub *mocks.PublisherMock) *telemetry.AuditEmitter {
	return telemetry.NewAuditEmitter(pub, "audit.logs", "canvas-chat", "test")
}

func auditAction(action string) interface{} {
	return mock.MatchedBy(func(e telemetry.AuditEnvelope) bool { return e.Payload.Action == action })
}

func TestCreateGroupSuccess(t *testing.T) {
	st := memstore.New()
	pub := new(mocks.PublisherMock)
	pub.On("Publish", mock.Anything, "audit.logs", auditAction("group.create")).Return(nil).Once()
	router := setupGroupRouter(NewGroupHandler(st, nil, auditWith(pub)))

	rec := do(router, http.MethodPost, "/groups", "alice", `{"name":"test","member_ids":["bob"]}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	var group models.Group
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &group))
	require.Equal(t, "test", group.Name)
	require.True(t, group.HasMember("alice"))
	require.True(t, group.HasMember("bob"))
	pub.AssertExpectations(t)
}

func TestCreateGroupInvalidBody(t *testing.T) {
	router := setupGroupRouter(NewGroupHandler(memstore.New(), nil, nil))

	rec := do(router, http.MethodPost, "/groups", "alice", `{"name":5}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateGroupRequiresIdentity(t *testing.T) {
	router := setupGroupRouter(NewGroupHandler(memstore.New(), nil, nil))

	rec := do(router, http.MethodPost, "/groups", "", `{"name":"test"}`)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListSearchAndRecentGroups(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	_, err := st.CreateGroup(ctx, models.Group{Name: "alpha", CreatedBy: "alice"})
	require.NoError(t, err)
	_, err = st.CreateGroup(ctx, models.Group{Name: "beta", CreatedBy: "bob"})
	require.NoError(t, err)
	router := setupGroupRouter(NewGroupHandler(st, nil, nil))

	var resp struct {
		Groups []models.Group `json:"groups"`
	}

	rec := do(router, http.MethodGet, "/groups", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Groups, 1)
	require.Equal(t, "alpha", resp.Groups[0].Name)

	rec = do(router, http.MethodGet, "/groups/search?name=beta", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Groups, 1)
	require.Equal(t, "beta", resp.Groups[0].Name)

	rec = do(router, http.MethodGet, "/groups/recent?limit=1", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Groups, 1)

	require.Equal(t, http.StatusBadRequest, do(router, http.MethodGet, "/groups/recent?limit=x", "alice", "").Code)
	require.Equal(t, http.StatusBadRequest, do(router, http.MethodGet, "/groups/search", "alice", "").Code)
}

func TestJoinThenGetGroup(t *testing.T) {
	st := memstore.New()
	group, err := st.CreateGroup(context.Background(), models.Group{Name: "alpha", CreatedBy: "alice"})
	require.NoError(t, err)
	router := setupGroupRouter(NewGroupHandler(st, nil, nil))

	require.Equal(t, http.StatusForbidden, do(router, http.MethodGet, "/groups/"+group.ID, "bob", "").Code)
	require.Equal(t, http.StatusNoContent, do(router, http.MethodPost, "/groups/"+group.ID+"/join", "bob", "").Code)
	require.Equal(t, http.StatusOK, do(router, http.MethodGet, "/groups/"+group.ID, "bob", "").Code)

	require.Equal(t, http.StatusNotFound, do(router, http.MethodPost, "/groups/missing/join", "bob", "").Code)
	require.Equal(t, http.StatusNotFound, do(router, http.MethodGet, "/groups/missing", "bob", "").Code)
}

func TestDeleteGroupOnlyCreator(t *testing.T) {
	st := memstore.New()
	group, err := st.CreateGroup(context.Background(), models.Group{Name: "alpha", CreatedBy: "alice", Members: []string{"bob"}})
	require.NoError(t, err)
	spy := &closerSpy{}
	router := setupGroupRouter(NewGroupHandler(st, spy, nil))

	require.Equal(t, http.StatusForbidden, do(router, http.MethodDelete, "/groups/"+group.ID, "bob", "").Code)
	require.Equal(t, http.StatusNoContent, do(router, http.MethodDelete, "/groups/"+group.ID, "alice", "").Code)
	require.Equal(t, []string{group.ID}, spy.closed)

	_, err = st.GetGroup(context.Background(), group.ID)
	require.Error(t, err)
}
