// Package console serves the operator-facing HTTP surface: the pending
// human-interaction prompts and the QR/verification images the state
// machines wrote to disk, so the operator can scan them from a browser.
package console

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mpconsole/mpconsole/internal/prompt"
)

const (
	healthRoutePath      = "/healthz"
	promptsRoutePath     = "/prompts"
	promptImageRoutePath = "/prompts/:kind/image"

	healthStatusKey = "status"
	healthStatusOK  = "ok"

	errorMessageUnknownPrompt = "no prompt of that kind has been issued"

	ginModeRelease = "release"
)

// RouterConfig configures the operator console routes.
type RouterConfig struct {
	Prompts *prompt.Recorder
	Logger  *zap.Logger
}

// NewRouter constructs a Gin engine exposing health, prompt listing and
// prompt image routes.
func NewRouter(configuration RouterConfig) (*gin.Engine, error) {
	if configuration.Prompts == nil {
		return nil, errors.New("console: prompt recorder is required")
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	gin.SetMode(ginModeRelease)
	engine := gin.New()
	engine.Use(gin.Recovery())

	handler := promptHandler{prompts: configuration.Prompts, logger: logger}
	engine.GET(healthRoutePath, handler.healthStatus)
	engine.GET(promptsRoutePath, handler.listPrompts)
	engine.GET(promptImageRoutePath, handler.servePromptImage)

	return engine, nil
}

type promptHandler struct {
	prompts *prompt.Recorder
	logger  *zap.Logger
}

func (h promptHandler) healthStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{healthStatusKey: healthStatusOK})
}

func (h promptHandler) listPrompts(c *gin.Context) {
	c.JSON(http.StatusOK, h.prompts.Events())
}

func (h promptHandler) servePromptImage(c *gin.Context) {
	kind := prompt.Kind(c.Param("kind"))
	event, ok := h.prompts.Latest(kind)
	if !ok {
		h.logger.Warn("prompt image requested before prompt issued", zap.String("kind", string(kind)))
		c.JSON(http.StatusNotFound, gin.H{"error": errorMessageUnknownPrompt})
		return
	}
	c.File(event.ImagePath)
}
