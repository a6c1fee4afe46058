package handler

import (
	"errors"
	"net/http"
	"strconv"

	"xr-compress-lab/internal/config"
	"xr-compress-lab/internal/predictor"
	"xr-compress-lab/internal/service"
	"xr-compress-lab/internal/store"

	"github.com/gin-gonic/gin"
)

type ExperimentHandler struct {
	manager   *service.Manager
	store     store.Store
	predictor predictor.Predictor
}

// st、pred 可以为 nil
func NewExperimentHandler(manager *service.Manager, st store.Store, pred predictor.Predictor) *ExperimentHandler {
	return &ExperimentHandler{manager: manager, store: st, predictor: pred}
}

// Health 服务自身与预测服务的状态
func (h *ExperimentHandler) Health(c *gin.Context) {
	resp := gin.H{"status": "ok"}
	if h.predictor == nil {
		resp["predictor"] = "not_configured"
	} else if ph, err := h.predictor.Health(c.Request.Context()); err != nil {
		resp["predictor"] = gin.H{"status": "unreachable", "error": err.Error()}
	} else {
		resp["predictor"] = ph
	}
	c.JSON(http.StatusOK, resp)
}

// RunExperiment 后台启动一次实验，立即返回 ref
func (h *ExperimentHandler) RunExperiment(c *gin.Context) {
	if h.manager == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "experiment manager not initialized"})
		return
	}

	var req service.ExperimentRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	view, err := h.manager.Start(req)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, service.ErrOutputInUse):
			status = http.StatusConflict
		case errors.Is(err, config.ErrInvalidConfig):
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, view)
}

// ListExperiments 当前进程内的实验；history=1 时返回库里的历史记录
func (h *ExperimentHandler) ListExperiments(c *gin.Context) {
	if c.Query("history") != "" {
		if h.store == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "result store not configured"})
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		runs, err := h.store.ListRuns(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"runs": runs, "total": len(runs)})
		return
	}

	views := h.manager.List()
	c.JSON(http.StatusOK, gin.H{"experiments": views, "total": len(views)})
}

// GetExperiment 先查进程内实验，找不到再查库
func (h *ExperimentHandler) GetExperiment(c *gin.Context) {
	ref := c.Param("id")
	view, err := h.manager.Get(ref)
	if err == nil {
		c.JSON(http.StatusOK, view)
		return
	}

	if h.store != nil {
		run, serr := h.store.GetRun(c.Request.Context(), ref)
		if serr == nil {
			tasks, _ := h.store.TaskRecords(c.Request.Context(), ref)
			c.JSON(http.StatusOK, gin.H{"run": run, "tasks": tasks})
			return
		}
		if !errors.Is(serr, store.ErrNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": serr.Error()})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
}

// GetSummary 汇总统计；运行中的实验从库里已写入的行现算
func (h *ExperimentHandler) GetSummary(c *gin.Context) {
	ref := c.Param("id")
	if view, err := h.manager.Get(ref); err == nil && view.Result != nil {
		c.JSON(http.StatusOK, gin.H{
			"ref":                view.Ref,
			"status":             view.Status,
			"comparison":         view.Result.Comparison,
			"summary":            view.Result.Summary,
			"level_distribution": view.Result.LevelDistribution,
			"fallback_rate":      view.Result.FallbackRate,
			"conclusion":         view.Result.Conclusion,
		})
		return
	}

	if h.store == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": service.ErrExperimentNotFound.Error()})
		return
	}
	run, err := h.store.GetRun(c.Request.Context(), ref)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	rows, err := h.store.Metrics(c.Request.Context(), ref)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{
		"ref":                ref,
		"status":             run.Status,
		"rows":               len(rows),
		"level_distribution": service.LevelDistribution(rows),
	}
	if run.Mode == string(service.ModeCompare) {
		cmp := service.Compare(rows)
		resp["comparison"] = cmp
		resp["conclusion"] = service.GenerateConclusion(cmp)
	} else {
		resp["summary"] = service.Summarize(rows, "")
	}
	c.JSON(http.StatusOK, resp)
}

func (h *ExperimentHandler) CancelExperiment(c *gin.Context) {
	ref := c.Param("id")
	if err := h.manager.Cancel(ref); err != nil {
		if errors.Is(err, service.ErrExperimentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	view, _ := h.manager.Get(ref)
	c.JSON(http.StatusOK, gin.H{"message": "cancel requested", "experiment": view})
}
