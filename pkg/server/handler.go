package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/41rumble/intelligent-rag-server/pkg/pipeline"
)

// MCPSession represents an MCP session
type MCPSession struct {
	ID      string
	Created int64
}

var (
	mcpSessions = make(map[string]*MCPSession)
	sessionMu   sync.RWMutex
)

// MCPRequest represents an MCP JSON-RPC request
type MCPRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// MCPResponse represents an MCP JSON-RPC response
type MCPResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *MCPError   `json:"error,omitempty"`
}

// MCPError represents an MCP error
type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type Handler struct {
	Service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{Service: s}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.POST("/mcp", h.MCPHandler)
	api := r.Group("/api")
	{
		api.POST("/query", h.createQuery)
		api.GET("/query/:id", h.getQuery)
		api.GET("/query/:id/stream", h.streamQuery)
		api.DELETE("/query/:id", h.supersedeQuery)
	}
}

type QueryRequest struct {
	ProjectID     string `json:"projectId"`
	Query         string `json:"query"`
	ThinkingDepth int    `json:"thinkingDepth"`
}

type QueryResponse struct {
	RequestID         string   `json:"requestId"`
	Answer            string   `json:"answer"`
	Confidence        float64  `json:"confidence"`
	ExpectEnhancement bool     `json:"expectEnhancement"`
	Log               []string `json:"log"`
}

// createQuery runs the synchronous pipeline phase and returns the quick
// answer. The refinement continues in the background; clients follow it via
// the stream endpoint.
func (h *Handler) createQuery(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ThinkingDepth < 1 {
		req.ThinkingDepth = 2
	}

	result, err := h.Service.Ask(c.Request.Context(), req.ProjectID, req.Query, req.ThinkingDepth)
	if err != nil {
		if errors.Is(err, pipeline.ErrOutOfDomain) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, QueryResponse{
		RequestID:         result.RequestID,
		Answer:            result.Quick.Answer,
		Confidence:        result.Quick.Confidence,
		ExpectEnhancement: result.Quick.ExpectEnhancement,
		Log:               result.Log,
	})
}

func (h *Handler) getQuery(c *gin.Context) {
	id := c.Param("id")
	status, ok := h.Service.Streams.Snapshot(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown request id"})
		return
	}
	c.JSON(http.StatusOK, status)
}

// supersedeQuery marks a request as replaced; its background refinement
// aborts at the next checkpoint.
func (h *Handler) supersedeQuery(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.Service.Streams.Snapshot(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown request id"})
		return
	}
	h.Service.Streams.Supersede(id)
	c.JSON(http.StatusAccepted, gin.H{"status": "superseded"})
}

// streamQuery replays buffered updates and then live-streams until the
// request terminates or the client goes away.
func (h *Handler) streamQuery(c *gin.Context) {
	id := c.Param("id")
	replay, updates, cancel, ok := h.Service.Streams.Subscribe(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown request id"})
		return
	}
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Transfer-Encoding", "chunked")

	// Once the terminal update has been delivered the buffered state has
	// served its purpose and the stream can be reclaimed.
	terminalSeen := false
	defer func() {
		if terminalSeen {
			h.Service.Streams.Evict(id)
		}
	}()

	writeEvent := func(u pipeline.StreamUpdate) bool {
		data, err := json.Marshal(u)
		if err != nil {
			return false
		}
		_, _ = c.Writer.Write([]byte("data: "))
		_, _ = c.Writer.Write(data)
		_, _ = c.Writer.Write([]byte("\n\n"))
		c.Writer.Flush()
		if u.Type == pipeline.UpdateFinal || u.Type == pipeline.UpdateError {
			terminalSeen = true
		}
		return true
	}

	for _, u := range replay {
		if !writeEvent(u) {
			return
		}
	}

	clientGone := c.Request.Context().Done()
	for {
		select {
		case <-clientGone:
			return
		case u, open := <-updates:
			if !open {
				return
			}
			if !writeEvent(u) {
				return
			}
		}
	}
}

// MCPHandler handles MCP protocol requests
func (h *Handler) MCPHandler(c *gin.Context) {
	sessionID := c.GetHeader("Mcp-Session-Id")

	var req MCPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, MCPResponse{
			JSONRPC: "2.0",
			ID:      nil,
			Error: &MCPError{
				Code:    -32700,
				Message: "Parse error",
			},
		})
		return
	}

	// Handle initialize request
	if req.Method == "initialize" {
		if sessionID == "" {
			sessionID = uuid.New().String()
			c.Header("Mcp-Session-Id", sessionID)

			sessionMu.Lock()
			mcpSessions[sessionID] = &MCPSession{
				ID:      sessionID,
				Created: time.Now().Unix(),
			}
			sessionMu.Unlock()
		}

		c.JSON(http.StatusOK, MCPResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: map[string]interface{}{
				"protocolVersion": "2024-11-05",
				"serverInfo": map[string]interface{}{
					"name":    "intelligent-rag-mcp",
					"version": "1.0.0",
				},
				"capabilities": map[string]interface{}{
					"tools": map[string]interface{}{},
				},
			},
		})
		return
	}

	// Validate session for other requests
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, MCPResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error: &MCPError{
				Code:    -32000,
				Message: "Bad Request: No valid session ID provided",
			},
		})
		return
	}

	sessionMu.RLock()
	_, exists := mcpSessions[sessionID]
	sessionMu.RUnlock()

	if !exists {
		c.JSON(http.StatusBadRequest, MCPResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error: &MCPError{
				Code:    -32000,
				Message: "Invalid session ID",
			},
		})
		return
	}

	switch req.Method {
	case "tools/list":
		h.handleToolsList(c, req)
	case "tools/call":
		h.handleToolsCall(c, req)
	case "ping":
		c.JSON(http.StatusOK, MCPResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  map[string]interface{}{},
		})
	default:
		c.JSON(http.StatusOK, MCPResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error: &MCPError{
				Code:    -32601,
				Message: "Method not found",
			},
		})
	}
}

func (h *Handler) handleToolsList(c *gin.Context, req MCPRequest) {
	c.JSON(http.StatusOK, MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"tools": []map[string]interface{}{
				{
					"name":        "ask_question",
					"description": "Ask a question about the book. Returns the quick answer; the refined answer follows on the request stream.",
					"inputSchema": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"query": map[string]interface{}{
								"type":        "string",
								"description": "The question to answer.",
							},
							"thinkingDepth": map[string]interface{}{
								"type":        "number",
								"description": "Refinement depth (1-4).",
								"default":     2,
							},
						},
						"required": []string{"query"},
					},
				},
				{
					"name":        "search_content",
					"description": "Search book content using semantic search.",
					"inputSchema": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"query": map[string]interface{}{
								"type":        "string",
								"description": "The search query.",
							},
							"topK": map[string]interface{}{
								"type":        "number",
								"description": "The number of top results to return.",
								"default":     5,
							},
						},
						"required": []string{"query"},
					},
				},
			},
		},
	})
}

func (h *Handler) handleToolsCall(c *gin.Context, req MCPRequest) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}

	if err := json.Unmarshal(req.Params, &params); err != nil {
		h.sendError(c, req.ID, -32602, "Invalid params")
		return
	}

	switch params.Name {
	case "ask_question":
		var args struct {
			Query         string `json:"query"`
			ThinkingDepth int    `json:"thinkingDepth"`
		}
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			h.sendError(c, req.ID, -32602, "Invalid arguments")
			return
		}
		if args.ThinkingDepth < 1 {
			args.ThinkingDepth = 2
		}
		result, err := h.Service.Ask(c.Request.Context(), "", args.Query, args.ThinkingDepth)
		if err != nil {
			h.sendError(c, req.ID, -32603, err.Error())
			return
		}
		text := fmt.Sprintf("%s\n\n(request %s, confidence %.2f; a refined answer is being prepared)",
			result.Quick.Answer, result.RequestID, result.Quick.Confidence)
		h.sendResult(c, req.ID, text)

	case "search_content":
		var args struct {
			Query string `json:"query"`
			TopK  int    `json:"topK"`
		}
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			h.sendError(c, req.ID, -32602, "Invalid arguments")
			return
		}
		hits, err := h.Service.SearchVector(c.Request.Context(), args.Query, args.TopK, "")
		if err != nil {
			h.sendError(c, req.ID, -32603, err.Error())
			return
		}
		var sb strings.Builder
		for _, hit := range hits {
			source, _ := hit.Document.Metadata["source"].(string)
			sb.WriteString(fmt.Sprintf("[Source]: %s\n[Score]: %.3f\n[Content]: %s\n\n", source, hit.Score, hit.Document.Content))
		}
		h.sendResult(c, req.ID, sb.String())

	default:
		h.sendError(c, req.ID, -32601, fmt.Sprintf("Tool not found: %s", params.Name))
	}
}

func (h *Handler) sendError(c *gin.Context, id interface{}, code int, msg string) {
	c.JSON(http.StatusOK, MCPResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &MCPError{
			Code:    code,
			Message: msg,
		},
	})
}

func (h *Handler) sendResult(c *gin.Context, id interface{}, text string) {
	c.JSON(http.StatusOK, MCPResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result: map[string]interface{}{
			"content": []map[string]interface{}{
				{
					"type": "text",
					"text": text,
				},
			},
		},
	})
}
