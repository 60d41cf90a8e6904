package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/popmelt/bridge/internal/common/errors"
)

// Model CRUD: paths address nested keys of model.json, e.g.
// PATCH /model/tokens/color/primary with a JSON body sets that key.

func (s *Server) handleModelGet(c *gin.Context) {
	value, err := s.models.Get(c.Param("path"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, value)
}

func (s *Server) handleModelPatch(c *gin.Context) {
	var value any
	if err := c.ShouldBindJSON(&value); err != nil {
		respondError(c, apperrors.InvalidRequestf("invalid JSON body: %v", err))
		return
	}
	result, err := s.models.Set(c.Param("path"), value)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

func (s *Server) handleModelDelete(c *gin.Context) {
	result, err := s.models.Delete(c.Param("path"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}
