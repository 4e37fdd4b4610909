package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/erilali/studybuddy/internal/errs"
	"github.com/erilali/studybuddy/internal/lobby"
	"github.com/erilali/studybuddy/internal/message"
	"github.com/gin-gonic/gin"
)

type subjectsRequest struct {
	Subjects []string `json:"subjects"`
}

type updateRequest struct {
	UserCount *int `json:"user_count"`
}

type leaveResponse struct {
	Lobby   lobby.Lobby `json:"lobby"`
	Deleted bool        `json:"deleted"`
}

// fail writes err as {"message": ...} with the status its kind maps to.
func (s *Server) fail(c *gin.Context, err error) {
	status := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Errorf("%s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.AbortWithStatusJSON(status, gin.H{"message": err.Error()})
}

func (s *Server) bindSubjects(c *gin.Context) ([]string, bool) {
	var req subjectsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, fmt.Errorf("%w: %v", errs.ErrValidation, err))
		return nil, false
	}
	subjects, err := lobby.NormalizeSubjects(req.Subjects)
	if err != nil {
		s.fail(c, err)
		return nil, false
	}
	return subjects, true
}

func (s *Server) findLobbies(c *gin.Context) {
	subjects, ok := s.bindSubjects(c)
	if !ok {
		return
	}
	found, err := s.matcher.Store().Find(c.Request.Context(), subjects)
	if err != nil {
		s.fail(c, err)
		return
	}
	if found == nil {
		found = []lobby.Lobby{}
	}
	c.JSON(http.StatusOK, found)
}

func (s *Server) createLobby(c *gin.Context) {
	subjects, ok := s.bindSubjects(c)
	if !ok {
		return
	}
	l, err := s.matcher.Create(c.Request.Context(), subjects)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, l)
}

func (s *Server) matchLobby(c *gin.Context) {
	subjects, ok := s.bindSubjects(c)
	if !ok {
		return
	}
	res, err := s.matcher.Match(c.Request.Context(), subjects)
	if err != nil {
		s.fail(c, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	c.JSON(status, res)
}

func (s *Server) getLobby(c *gin.Context) {
	l, err := s.matcher.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

// updateLobby sets user_count when given and always refreshes activity.
func (s *Server) updateLobby(c *gin.Context) {
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		s.fail(c, fmt.Errorf("%w: %v", errs.ErrValidation, err))
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	store := s.matcher.Store()

	count := 0
	if req.UserCount != nil {
		count = *req.UserCount
		if count < 0 {
			s.fail(c, fmt.Errorf("%w: user_count must not be negative", errs.ErrValidation))
			return
		}
	} else {
		current, err := store.Get(ctx, id)
		if err != nil {
			s.fail(c, err)
			return
		}
		count = current.UserCount
	}

	l, err := store.Update(ctx, id, count)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (s *Server) deleteLobby(c *gin.Context) {
	if err := s.matcher.Store().Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) joinLobby(c *gin.Context) {
	l, err := s.matcher.Join(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (s *Server) leaveLobby(c *gin.Context) {
	l, deleted, err := s.matcher.Leave(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, leaveResponse{Lobby: l, Deleted: deleted})
}

// roomMessages returns the cached history of a room, oldest first. A cache
// failure yields an empty list.
func (s *Server) roomMessages(c *gin.Context) {
	msgs := []message.Message{}
	if s.history != nil {
		recent, err := s.history.Recent(c.Request.Context(), c.Param("roomId"))
		if err != nil {
			s.logger.Warnf("history unavailable for %s: %v", c.Param("roomId"), err)
		} else if recent != nil {
			msgs = recent
		}
	}
	c.JSON(http.StatusOK, msgs)
}
