package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/danmuck/netron/internal/auth"
	"github.com/danmuck/netron/internal/contexts"
	"github.com/danmuck/netron/internal/peer"
	"github.com/danmuck/netron/internal/tasks"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (a *Admin) registerRoutes() {
	r := a.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(a.started).String(),
			"node":    a.node.ID(),
			"version": Version,
		})
	})
	r.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":    true,
			"node":     a.node.ID(),
			"peers":    len(a.node.Peers()),
			"contexts": a.node.Registry().Len(),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if a.wsPath != "" {
		r.GET(a.wsPath, gin.WrapH(a.node.WebSocketHandler()))
	}

	api := r.Group("/")
	if a.guard != nil {
		api.Use(auth.Middleware(a.guard))
	}
	api.GET("/contexts", a.listContexts)
	api.GET("/tasks", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"tasks": a.node.Tasks().Names()})
	})
	api.POST("/tasks/:task", func(c *gin.Context) { a.runTask(c, a.node.ID()) })

	api.GET("/peers", a.listPeers)
	api.GET("/peers/:peer", a.getPeer)
	api.DELETE("/peers/:peer", a.disconnectPeer)
	api.POST("/peers/:peer/tasks/:task", func(c *gin.Context) { a.runTask(c, c.Param("peer")) })
	api.GET("/peers/:peer/contexts/:context/:member", a.getMember)
	api.POST("/peers/:peer/contexts/:context/:member", a.callMember)
}

// PeerInfo summarizes one live link.
type PeerInfo struct {
	ID           string    `json:"id"`
	RemoteAddr   string    `json:"remote_addr"`
	Proxify      bool      `json:"proxify_contexts"`
	Contexts     []string  `json:"contexts"`
	Imported     []string  `json:"imported"`
	Forwarded    []string  `json:"forwarded"`
	Pending      int       `json:"pending"`
	FramesSent   uint64    `json:"frames_sent"`
	FramesRecv   uint64    `json:"frames_recv"`
	BytesSent    uint64    `json:"bytes_sent"`
	BytesRecv    uint64    `json:"bytes_recv"`
	OpenedAt     time.Time `json:"opened_at"`
	LastActivity time.Time `json:"last_activity"`
}

func describePeer(rp *peer.RemotePeer) PeerInfo {
	stats := rp.Stats()
	info, _ := rp.RemoteInfo()
	return PeerInfo{
		ID:           rp.ID(),
		RemoteAddr:   rp.RemoteAddr(),
		Proxify:      info.ProxifyContexts,
		Contexts:     rp.ContextNames(),
		Imported:     rp.Imported(),
		Forwarded:    rp.Forwarded(),
		Pending:      rp.PendingRequests(),
		FramesSent:   stats.FramesSent,
		FramesRecv:   stats.FramesRecv,
		BytesSent:    stats.BytesSent,
		BytesRecv:    stats.BytesRecv,
		OpenedAt:     stats.OpenedAt,
		LastActivity: stats.LastActivity,
	}
}

func (a *Admin) listContexts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"contexts": sortedDefinitions(a.node.Registry().Definitions())})
}

func sortedDefinitions(defs map[string]contexts.Definition) []contexts.Definition {
	out := make([]contexts.Definition, 0, len(defs))
	for _, d := range defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (a *Admin) listPeers(c *gin.Context) {
	peers := a.node.Peers()
	out := make([]PeerInfo, 0, len(peers))
	for _, rp := range peers {
		out = append(out, describePeer(rp))
	}
	c.JSON(http.StatusOK, gin.H{"peers": out})
}

func (a *Admin) getPeer(c *gin.Context) {
	rp, ok := a.node.RemotePeer(c.Param("peer"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "peer not connected"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"peer":        describePeer(rp),
		"definitions": sortedDefinitions(rp.Definitions()),
	})
}

func (a *Admin) disconnectPeer(c *gin.Context) {
	rp, ok := a.node.RemotePeer(c.Param("peer"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "peer not connected"})
		return
	}
	if err := rp.Close(); err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disconnected", "peer": rp.ID()})
}

type argsBody struct {
	Args []any `json:"args"`
}

func bindArgs(c *gin.Context) ([]any, error) {
	if c.Request.ContentLength == 0 {
		return nil, nil
	}
	var body argsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		return nil, err
	}
	return body.Args, nil
}

// TaskReply is the JSON shape of one task result.
type TaskReply struct {
	Value any    `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

func (a *Admin) runTask(c *gin.Context, peerID string) {
	p, ok := a.node.Peer(peerID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "peer not connected"})
		return
	}
	args, err := bindArgs(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	name := c.Param("task")
	ctx, cancel := a.requestContext(c)
	defer cancel()

	results, err := p.RunTask(ctx, tasks.Spec{Name: name, Args: args})
	if err != nil {
		a.writeError(c, err)
		return
	}
	res := results[name]
	if res.Err != nil {
		c.JSON(statusFor(res.Err), gin.H{
			"task":   name,
			"result": TaskReply{Error: res.Err.Error(), Code: peer.ErrorCode(res.Err)},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": name, "result": TaskReply{Value: res.Value}})
}

func (a *Admin) memberInterface(c *gin.Context) (*peer.Interface, context.Context, context.CancelFunc, bool) {
	p, ok := a.node.Peer(c.Param("peer"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "peer not connected"})
		return nil, nil, nil, false
	}
	ctx, cancel := a.requestContext(c)
	iface, err := p.QueryInterface(ctx, c.Param("context"))
	if err != nil {
		cancel()
		a.writeError(c, err)
		return nil, nil, nil, false
	}
	return iface, ctx, cancel, true
}

func (a *Admin) getMember(c *gin.Context) {
	iface, ctx, cancel, ok := a.memberInterface(c)
	if !ok {
		return
	}
	defer cancel()
	v, err := iface.Get(ctx, c.Param("member"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"value": v})
}

func (a *Admin) callMember(c *gin.Context) {
	args, err := bindArgs(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	iface, ctx, cancel, ok := a.memberInterface(c)
	if !ok {
		return
	}
	defer cancel()
	v, err := iface.Call(ctx, c.Param("member"), args...)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"value": v})
}

func (a *Admin) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), a.callTimeout)
}

func (a *Admin) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("admin request failed")
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": peer.ErrorCode(err)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, peer.ErrUnknownContext),
		errors.Is(err, peer.ErrUnknownMember),
		errors.Is(err, peer.ErrUnknownTask),
		errors.Is(err, peer.ErrUnknownDefinition):
		return http.StatusNotFound
	case errors.Is(err, peer.ErrBadArguments),
		errors.Is(err, peer.ErrReadOnly),
		errors.Is(err, tasks.ErrInvalidSpec):
		return http.StatusBadRequest
	case errors.Is(err, peer.ErrNotSupported):
		return http.StatusNotImplemented
	case errors.Is(err, peer.ErrPeerDisconnected):
		return http.StatusBadGateway
	case errors.Is(err, peer.ErrResponseTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
