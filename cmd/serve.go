package cmd

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sc2-sys/sc2-exp/exp"
	"github.com/sc2-sys/sc2-exp/exp/experiment"
	"github.com/sc2-sys/sc2-exp/exp/store"
)

// serveCmd exposes the Result Store read-only over HTTP
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve stored runs and records over HTTP for the aggregator",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := setup(cmd)
		if err != nil {
			return err
		}
		st, err := s.openStore()
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		logrus.Infof("serve: listening on %s (%s)", s.Listen, storeLocation(s))
		return newRouter(st).Run(s.Listen)
	},
}

type resultsHandler struct {
	store store.Store
}

// newRouter returns the results API. Records are streamed from the store on every
// request, so a run still being written is readable.
func newRouter(st store.Store) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	h := &resultsHandler{store: st}

	runs := r.Group("/runs")
	{
		runs.GET("", h.listRuns)
		runs.GET("/:id", h.getRun)
		runs.GET("/:id/records", h.listRecords)
		runs.GET("/:id/summary", h.getSummary)
	}
	return r
}

func (h *resultsHandler) listRuns(c *gin.Context) {
	ids, err := h.store.Runs(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": ids})
}

func (h *resultsHandler) loadRun(c *gin.Context) (*exp.ExperimentRun, bool) {
	run, err := h.store.LoadRun(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, exp.ErrRunNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return nil, false
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return run, true
}

func (h *resultsHandler) getRun(c *gin.Context) {
	if run, ok := h.loadRun(c); ok {
		c.JSON(http.StatusOK, run)
	}
}

func (h *resultsHandler) listRecords(c *gin.Context) {
	if _, ok := h.loadRun(c); !ok {
		return
	}
	records, err := store.Collect(h.store.Query(c.Request.Context(), c.Param("id"), c.Query("baseline")))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if records == nil {
		records = []exp.ResultRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(records), "records": records})
}

func (h *resultsHandler) getSummary(c *gin.Context) {
	run, ok := h.loadRun(c)
	if !ok {
		return
	}
	summary, err := experiment.Summarize(c.Request.Context(), h.store, run)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func init() {
	serveCmd.Flags().String("listen", defaults["listen"].(string), "Listen address")
	rootCmd.AddCommand(serveCmd)
}
