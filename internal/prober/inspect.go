package prober

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/eidos-exchange/eidos-endpoints/internal/model"
	"github.com/eidos-exchange/eidos-endpoints/pkg/errors"
)

// maxStatusBytes 状态文档读取上限
const maxStatusBytes = 1 << 20

// Inspect 对端点主入口发起一次连接测试。HTTP 端点会尝试从状态文档读取最新轮次
func (p *Prober) Inspect(ctx context.Context, ep *model.Endpoint) (*model.ConnectionReport, error) {
	target := p.targets(ep)[0]
	report := &model.ConnectionReport{
		Kind: ep.Kind,
		Name: ep.Name,
		URL:  target.URL,
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeoutFor(ep))
	defer cancel()
	start := time.Now()

	if checkTypeOf(ep) != model.CheckHTTP {
		err := p.checkers[checkTypeOf(ep)].Check(ctx, target)
		report.Latency = time.Since(start)
		report.CheckedAt = p.now()
		if err != nil {
			return report, errors.WrapWithCause(errors.ErrConnectionTest, err, "endpoint %s", ep.Name)
		}
		return report, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL, nil)
	if err != nil {
		return report, errors.WrapWithCause(errors.ErrConnectionTest, err, "endpoint %s", ep.Name)
	}
	req.Header.Set("User-Agent", p.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		report.Latency = time.Since(start)
		report.CheckedAt = p.now()
		return report, errors.WrapWithCause(errors.ErrConnectionTest, err, "endpoint %s", ep.Name)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxStatusBytes))
	report.Latency = time.Since(start)
	report.CheckedAt = p.now()
	report.StatusCode = resp.StatusCode

	if resp.StatusCode != target.ExpectStatus {
		return report, errors.Wrapf(errors.ErrConnectionTest, "endpoint %s returned status %d", ep.Name, resp.StatusCode)
	}
	if readErr == nil {
		report.LastRound = lastRound(body, p.cfg.LastRoundField)
	}
	return report, nil
}

// lastRound 从 JSON 状态文档读取轮次字段，缺失或格式不符时返回 nil
func lastRound(body []byte, field string) *uint64 {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil
	}

	var raw string
	switch v := doc[field].(type) {
	case json.Number:
		raw = v.String()
	case string:
		raw = v
	default:
		return nil
	}

	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}
