package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"canvas-chat/internal/middleware"
	"canvas-chat/internal/mocks"
	"canvas-chat/internal/models"
	"canvas-chat/internal/store/memstore"
)

func setupCanvasRouter(handler *CanvasHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Identity())
	r.GET("/groups/:group_id/canvas", handler.GetCanvas)
	r.PUT("/groups/:group_id/canvas", handler.UpdateCanvas)
	r.POST("/groups/:group_id/canvas/terminal", handler.AppendTerminal)
	return r
}

func TestUpdateAndGetCanvas(t *testing.T) {
	st := memstore.New()
	group := newTeam(t, st)
	pub := new(mocks.PublisherMock)
	pub.On("Publish", mock.Anything, "audit.logs", auditAction("canvas.edit")).Return(nil).Once()
	router := setupCanvasRouter(NewCanvasHandler(st, auditWith(pub)))

	rec := do(router, http.MethodPut, "/groups/"+group.ID+"/canvas", "alice", `{"html":"<html>hi</html>"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(router, http.MethodGet, "/groups/"+group.ID+"/canvas", "bob", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var canvas models.CanvasState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &canvas))
	require.Equal(t, "<html>hi</html>", canvas.HTML)
	pub.AssertExpectations(t)
}

func TestUpdateCanvasRejectsEmptyPatch(t *testing.T) {
	st := memstore.New()
	group := newTeam(t, st)
	router := setupCanvasRouter(NewCanvasHandler(st, nil))

	require.Equal(t, http.StatusBadRequest, do(router, http.MethodPut, "/groups/"+group.ID+"/canvas", "alice", `{}`).Code)
	require.Equal(t, http.StatusForbidden, do(router, http.MethodPut, "/groups/"+group.ID+"/canvas", "mallory", `{"html":"x"}`).Code)
}

func TestAppendTerminal(t *testing.T) {
	st := memstore.New()
	group := newTeam(t, st)
	router := setupCanvasRouter(NewCanvasHandler(st, nil))

	rec := do(router, http.MethodPost, "/groups/"+group.ID+"/canvas/terminal", "alice", `{"lines":["ready","clicked"]}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	canvas, err := st.GetCanvas(context.Background(), group.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"ready", "clicked"}, []string(canvas.TerminalOutput))

	require.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, "/groups/"+group.ID+"/canvas/terminal", "alice", `{}`).Code)
}
