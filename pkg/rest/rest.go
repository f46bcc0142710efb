package rest

import (
	"net/http"
	"time"

	"github.com/labstack/echo"
	"github.com/labstack/gommon/log"
	"github.com/patrickmn/go-cache"

	"github.com/carlosvargasvip/proxmox-scripts/pkg/balance"
	balancer "github.com/carlosvargasvip/proxmox-scripts/pkg/balancer_const"
	"github.com/carlosvargasvip/proxmox-scripts/pkg/cluster"
)

const snapshotKey = "snapshot"

// Init serves the read-only report API. Snapshots are cached for a minute so
// dashboards polling the endpoints do not hammer the control plane.
func Init(tool balancer.Tool, collector Collector, listen string) *Echo {
	e := &Echo{
		echo.New(),
		tool,
		collector,
		cache.New(1*time.Minute, 2*time.Minute),
	}

	e.Logger.SetLevel(log.INFO)
	e.GET("/", func(c echo.Context) error {
		return c.JSON(http.StatusOK, "OK")
	})
	e.GET("/ping", ping)

	// Node methods
	e.GET("/api/nodes", e.getNodes)
	e.GET("/api/nodes/:name", e.getNode)

	// Balance report methods
	e.GET("/api/report/:mode", e.getReport)

	e.Logger.Fatal(e.Start(listen))

	return e
}

func ping(c echo.Context) error {
	return c.JSON(http.StatusOK, "pong")
}

// snapshot returns the cached cluster snapshot, collecting a fresh one when
// the cache has expired.
func (e *Echo) snapshot(c echo.Context) (*cluster.Snapshot, error) {
	if data, found := e.cache.Get(snapshotKey); found {
		return data.(*cluster.Snapshot), nil
	}
	snapshot, err := e.collector.Collect(c.Request().Context())
	if err != nil {
		return nil, err
	}
	e.cache.Set(snapshotKey, snapshot, cache.DefaultExpiration)
	return snapshot, nil
}

// Get node list with capacity and allocation
func (e *Echo) getNodes(c echo.Context) error {
	snapshot, err := e.snapshot(c)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, e.simpleMessage("", "Can't collect cluster inventory"))
	}
	nodes := make([]NodeSummary, 0, len(snapshot.Nodes))
	for _, name := range snapshot.NodeNames() {
		nodes = append(nodes, nodeSummary(snapshot.Nodes[name]))
	}
	return c.JSON(http.StatusOK, nodes)
}

// Get one node
func (e *Echo) getNode(c echo.Context) error {
	snapshot, err := e.snapshot(c)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, e.simpleMessage("", "Can't collect cluster inventory"))
	}
	node, ok := snapshot.Nodes[c.Param("name")]
	if !ok {
		return c.JSON(http.StatusNotFound, e.simpleMessage("", "Unknown node"))
	}
	return c.JSON(http.StatusOK, nodeSummary(node))
}

// Get the balance report for one mode
func (e *Echo) getReport(c echo.Context) error {
	mode, err := balance.ParseMode(c.Param("mode"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, e.simpleMessage("", err.Error()))
	}
	snapshot, err := e.snapshot(c)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, e.simpleMessage("", "Can't collect cluster inventory"))
	}

	model := balance.NewModel(snapshot)
	report := Report{
		Mode:           string(mode),
		Target:         model.Target(mode),
		Threshold:      model.Threshold(mode),
		NeedsRebalance: model.NeedsRebalance(mode),
	}
	for _, name := range snapshot.NodeNames() {
		node := snapshot.Nodes[name]
		report.Nodes = append(report.Nodes, NodeReport{
			Name:           name,
			Utilization:    model.UtilizationFixed(node, mode),
			Classification: model.Classify(node, mode).String(),
		})
	}
	return c.JSON(http.StatusOK, report)
}

func nodeSummary(node *cluster.Node) NodeSummary {
	return NodeSummary{
		Name:        node.Name,
		TotalMemory: node.TotalMemory,
		TotalCPU:    node.TotalCPU,
		AllocMemory: node.AllocMemory,
		AllocCPU:    node.AllocCPU,
		VMCount:     node.VMCount,
		Unreliable:  node.Unreliable,
	}
}

func (e *Echo) simpleMessage(message string, error string) *SimpleResponse {
	return &SimpleResponse{
		message,
		error,
	}
}
