package handler

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/eidos-exchange/eidos-endpoints/internal/model"
)

// EndpointService 端点选择服务接口，由 service.EndpointService 实现
type EndpointService interface {
	CurrentEndpoints(ctx context.Context, kind model.Kind) (*model.EndpointPair, error)
	BestProtocolAPI(ctx context.Context, kind model.Kind) (string, error)
	StatusSnapshot(ctx context.Context) *model.StatusSnapshot
	ProbeNow(ctx context.Context) error
	TestConnection(ctx context.Context, kind model.Kind) (*model.ConnectionReport, error)
	History(ctx context.Context, kind model.Kind, name string, limit int) ([]*model.ProbeRecord, error)
}

// EndpointHandler 端点选择处理器
type EndpointHandler struct {
	svc EndpointService
}

// NewEndpointHandler 创建端点选择处理器
func NewEndpointHandler(svc EndpointService) *EndpointHandler {
	return &EndpointHandler{svc: svc}
}

// CurrentEndpoints 获取类别当前的主/备端点
// GET /v1/endpoints/:kind
func (h *EndpointHandler) CurrentEndpoints(c *gin.Context) {
	pair, err := h.svc.CurrentEndpoints(c.Request.Context(), model.Kind(c.Param("kind")))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, pair)
}

// Status 获取所有端点的状态快照，不触发探测
// GET /v1/status
func (h *EndpointHandler) Status(c *gin.Context) {
	Success(c, h.svc.StatusSnapshot(c.Request.Context()))
}

// BestProtocol 获取当前最佳的协议 API 名称
// GET /v1/protocols/best?kind=
func (h *EndpointHandler) BestProtocol(c *gin.Context) {
	kind := model.Kind(c.Query("kind"))
	name, err := h.svc.BestProtocolAPI(c.Request.Context(), kind)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, gin.H{"name": name})
}

// ProbeNow 立即执行一轮对账并返回新的快照
// POST /v1/probe
func (h *EndpointHandler) ProbeNow(c *gin.Context) {
	ctx := c.Request.Context()
	if err := h.svc.ProbeNow(ctx); err != nil {
		Error(c, err)
		return
	}
	Success(c, h.svc.StatusSnapshot(ctx))
}

// TestConnection 对类别当前主端点做连接测试
// GET /v1/connection/:kind
func (h *EndpointHandler) TestConnection(c *gin.Context) {
	report, err := h.svc.TestConnection(c.Request.Context(), model.Kind(c.Param("kind")))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, report)
}

// History 查询端点的探测历史
// GET /v1/endpoints/:kind/:name/history?limit=
func (h *EndpointHandler) History(c *gin.Context) {
	limit := 0
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			BadRequest(c, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	records, err := h.svc.History(c.Request.Context(), model.Kind(c.Param("kind")), c.Param("name"), limit)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, records)
}
