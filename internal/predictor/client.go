package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrServiceStatus 预测服务返回了非 2xx
var ErrServiceStatus = errors.New("prediction service: non-success status")

// Predictor 预测服务接口，warmup 协调器只依赖它
type Predictor interface {
	Predict(ctx context.Context, participantCount int, channelQuality float64) (*PredictResponse, error)
	Health(ctx context.Context) (*HealthResponse, error)
}

type Client struct {
	BaseURL string
	Client  *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client: &http.Client{
			Timeout: timeout,
		},
	}
}

type PredictRequest struct {
	ParticipantCount  int     `json:"participant_count"`
	AvgChannelQuality float64 `json:"avg_channel_quality"`
}

type PredictResponse struct {
	OptimalParameter int     `json:"optimal_parameter"`
	RawPrediction    float64 `json:"raw_prediction"`
}

type HealthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
}

// Healthy 服务在线且模型已加载
func (h *HealthResponse) Healthy() bool {
	return h != nil && h.Status == "healthy" && h.ModelLoaded
}

// Predict 查询单个用户的最优压缩等级
func (c *Client) Predict(ctx context.Context, participantCount int, channelQuality float64) (*PredictResponse, error) {
	url := fmt.Sprintf("%s/predict", c.BaseURL)

	jsonData, err := json.Marshal(PredictRequest{
		ParticipantCount:  participantCount,
		AvgChannelQuality: channelQuality,
	})
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out PredictResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health 服务健康检查
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	url := fmt.Sprintf("%s/health", c.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}

	var out HealthResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		// 尝试解析 detail 字段
		var errResp map[string]interface{}
		if json.Unmarshal(body, &errResp) == nil {
			if msg, ok := errResp["detail"].(string); ok {
				return fmt.Errorf("%w: %d, %s", ErrServiceStatus, resp.StatusCode, msg)
			}
		}
		// 截取前500字符避免过长
		bodyStr := string(body)
		if len(bodyStr) > 500 {
			bodyStr = bodyStr[:500] + "..."
		}
		return fmt.Errorf("%w: %d, %s", ErrServiceStatus, resp.StatusCode, bodyStr)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	return nil
}
