package participant

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/danmuck/meshctl/internal/fabric"
	"github.com/danmuck/meshctl/internal/mesh"
	"github.com/danmuck/meshctl/internal/node"
	"github.com/danmuck/meshctl/internal/observability"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// DebugServer exposes a participant's live mesh state over HTTP for
// operators. It is read-only; mesh mutations happen at safepoints.
type DebugServer struct {
	ID    string
	Addr  string
	Began time.Time

	inst   *fabric.Instance
	router *gin.Engine
}

var _ node.Node = (*DebugServer)(nil)

func newDebugServer(id, addr string, inst *fabric.Instance) *DebugServer {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(id))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	return &DebugServer{
		ID:     id,
		Addr:   addr,
		Began:  time.Now(),
		inst:   inst,
		router: r,
	}
}

func (d *DebugServer) NodeID() string {
	return d.ID
}

func (d *DebugServer) Kind() string {
	return "participant"
}

func (d *DebugServer) HTTPRouter() *gin.Engine {
	return d.router
}

func (d *DebugServer) RegisterRoutes() {
	d.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(d.Began).String(),
			"service": d.ID,
			"version": "0.0.1",
		})
	})

	d.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	d.router.GET("/v1/status", func(c *gin.Context) {
		st := d.inst.Status()
		c.JSON(http.StatusOK, gin.H{
			"mesh":      st.Mesh,
			"self":      string(st.Self),
			"state":     string(st.State),
			"committed": st.Committed,
			"departed":  st.Departed,
			"staleness": st.Staleness,
		})
	})

	d.router.GET("/v1/tree", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"nodes": treeNodes(d.inst.Tree())})
	})
}

func (d *DebugServer) Serve() error {
	d.RegisterRoutes()
	return d.router.Run(d.Addr)
}

type treeNodeInfo struct {
	Path     string   `json:"path"`
	Address  string   `json:"address"`
	Members  []string `json:"members"`
	Version  uint64   `json:"version"`
	Rank     int      `json:"rank"`
	Size     int      `json:"size"`
	HasGroup bool     `json:"has_group"`
}

func treeNodes(t *mesh.Tree) []treeNodeInfo {
	visits := t.Walk()
	out := make([]treeNodeInfo, 0, len(visits))
	for _, v := range visits {
		n := v.Node
		members := make([]string, 0, n.Size())
		for _, id := range n.Members() {
			members = append(members, string(id))
		}
		lease := n.Lease()
		out = append(out, treeNodeInfo{
			Path:     n.Path(),
			Address:  meshAddress(n.Descriptor()),
			Members:  members,
			Version:  n.Version(),
			Rank:     n.Rank(),
			Size:     n.Size(),
			HasGroup: lease != nil && !lease.Revoked(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// meshAddress renders coordinates like "[0/4]/dp[1/2]": one segment per
// level, dimension name then index over size.
func meshAddress(coords []mesh.Coord) string {
	segs := make([]string, 0, len(coords))
	for _, c := range coords {
		segs = append(segs, fmt.Sprintf("%s[%d/%d]", c.Dimension, c.Index, c.Size))
	}
	return strings.Join(segs, "/")
}
