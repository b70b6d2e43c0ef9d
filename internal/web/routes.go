package web

import (
	"io/fs"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/zulandar/myelo/internal/agent"
	"github.com/zulandar/myelo/internal/conversation"
)

// registerRoutes sets up every route on the gin router.
func registerRoutes(router *gin.Engine, opts StartOpts, log *zap.Logger) error {
	assets, err := fs.Sub(staticFS, "static")
	if err != nil {
		return err
	}
	index, err := fs.ReadFile(assets, "index.html")
	if err != nil {
		return err
	}
	router.StaticFS("/static", http.FS(assets))
	router.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", index)
	})
	router.Static("/result", opts.ResultDir)
	router.Static("/graph", opts.GraphDir)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := &handlers{ctl: opts.Controller, render: opts.Renderer, log: log}
	api := router.Group("/api", opts.Auth.require())
	api.POST("/login", h.login)
	api.POST("/init", h.initialize)
	api.POST("/ask", h.ask)
	api.POST("/erase", h.erase)
	api.GET("/history", h.history)
	return nil
}

type handlers struct {
	ctl    Controller
	render *Renderer
	log    *zap.Logger
}

// login starts a fresh initialization for the session. A login while an
// initialization is still running joins it.
func (h *handlers) login(c *gin.Context) {
	id := sessionOf(c)
	h.ctl.Reset(id)
	if h.ctl.StartInitialize(id) {
		h.log.Debug("initialization started", zap.String("session", id))
	}
	c.JSON(http.StatusOK, gin.H{"session": id})
}

// initialize waits for the session's initialization and returns its greeting.
func (h *handlers) initialize(c *gin.Context) {
	res, err := h.ctl.Initialize(c.Request.Context(), sessionOf(c))
	if err != nil {
		c.JSON(http.StatusRequestTimeout, gin.H{"error": err.Error()})
		return
	}
	out, err := h.render.Render(res.Text)
	if err != nil {
		out = res.Text
	}
	c.JSON(http.StatusOK, gin.H{
		"text":      res.Text,
		"html":      out,
		"recovered": res.Recovered,
		"failed":    res.Failed,
	})
}

type askRequest struct {
	Question string `json:"question" binding:"required"`
}

// chunkEvent is the SSE payload of one chunk; answers carry rendered HTML.
type chunkEvent struct {
	agent.Chunk
	HTML string `json:"html,omitempty"`
}

// ask streams one turn as server-sent events, one event per chunk, then an
// "end" event.
func (h *handlers) ask(c *gin.Context) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question is required"})
		return
	}
	id := sessionOf(c)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	for ch := range h.ctl.Ask(c.Request.Context(), id, req.Question) {
		ev := chunkEvent{Chunk: ch}
		if ch.Kind == agent.ChunkAnswer || ch.Kind == agent.ChunkRecovered {
			if out, err := h.render.Render(ch.Text); err == nil {
				ev.HTML = out
			}
		}
		if err := writeSSE(c.Writer, string(ch.Kind), ev); err != nil {
			h.log.Info("client went away", zap.String("session", id), zap.Error(err))
			return
		}
		c.Writer.Flush()
	}
	if err := writeSSE(c.Writer, "end", gin.H{"session": id}); err != nil {
		h.log.Info("client went away before end event", zap.String("session", id), zap.Error(err))
		return
	}
	c.Writer.Flush()
}

func (h *handlers) erase(c *gin.Context) {
	id := sessionOf(c)
	if err := h.ctl.Erase(c.Request.Context(), id); err != nil {
		h.log.Warn("erase failed", zap.String("session", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": id, "erased": true})
}

type historyEntry struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
	HTML    string `json:"html,omitempty"`
	Tool    string `json:"tool,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
	Step    int64  `json:"step"`
}

// history returns the user-visible part of the conversation: user questions,
// assistant text and tool activity. System messages are left out.
func (h *handlers) history(c *gin.Context) {
	msgs, err := h.ctl.History(c.Request.Context(), sessionOf(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]historyEntry, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case conversation.RoleSystem:
			continue
		case conversation.RoleAssistant:
			if m.Content != "" {
				e := historyEntry{Role: string(m.Role), Content: m.Content, Step: m.Step}
				if html, err := h.render.Render(m.Content); err == nil {
					e.HTML = html
				}
				out = append(out, e)
			}
			for _, tc := range m.ToolCalls {
				out = append(out, historyEntry{Role: "tool_call", Tool: tc.Name, Content: string(tc.Args), Step: m.Step})
			}
		default:
			out = append(out, historyEntry{Role: string(m.Role), Content: m.Content, Tool: m.ToolName, IsError: m.IsError, Step: m.Step})
		}
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}
