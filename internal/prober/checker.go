package prober

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// maxDrainBytes 读取并丢弃的响应体上限，保证连接可复用
const maxDrainBytes = 64 << 10

// Target 一次检查的目标
type Target struct {
	URL          string
	Method       string
	Service      string
	ExpectStatus int
}

// Checker 对单个入口执行一次检查，成功返回 nil
type Checker interface {
	Check(ctx context.Context, target Target) error
}

// CheckerFunc 函数适配器
type CheckerFunc func(ctx context.Context, target Target) error

func (f CheckerFunc) Check(ctx context.Context, target Target) error {
	return f(ctx, target)
}

// HTTPChecker GET 请求，状态码等于期望值即成功
type HTTPChecker struct {
	Client    *http.Client
	UserAgent string
}

func (c *HTTPChecker) Check(ctx context.Context, target Target) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	expect := target.ExpectStatus
	if expect == 0 {
		expect = http.StatusOK
	}
	if resp.StatusCode != expect {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// JSONRPCChecker 发起一次 JSON-RPC 调用，调用成功即健康
type JSONRPCChecker struct {
	DefaultMethod string
}

func (c *JSONRPCChecker) Check(ctx context.Context, target Target) error {
	method := target.Method
	if method == "" {
		method = c.DefaultMethod
	}

	client, err := rpc.DialContext(ctx, target.URL)
	if err != nil {
		return fmt.Errorf("dial rpc: %w", err)
	}
	defer client.Close()

	var result json.RawMessage
	if err := client.CallContext(ctx, &result, method); err != nil {
		return fmt.Errorf("rpc %s: %w", method, err)
	}
	return nil
}

// GRPCChecker 调用 grpc.health.v1，SERVING 即健康
type GRPCChecker struct{}

func (GRPCChecker) Check(ctx context.Context, target Target) error {
	addr := strings.TrimPrefix(target.URL, "grpc://")

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{
		Service: target.Service,
	})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("unhealthy status: %s", resp.GetStatus())
	}
	return nil
}
