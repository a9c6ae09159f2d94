package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"incident-console-client-golang/internal/data/segment"
)

// UploadResult 后端音频接收接口的响应
// 除 ok 外其余字段均为诊断信息，用于定位处理流水线卡在哪一步
type UploadResult struct {
	OK            bool    `json:"ok"`
	Message       string  `json:"message,omitempty"`
	EntryID       string  `json:"entry_id,omitempty"`
	SegmentID     string  `json:"segment_id,omitempty"`
	Stage         string  `json:"stage,omitempty"`
	Error         string  `json:"error,omitempty"`
	Skipped       bool    `json:"skipped,omitempty"`
	RMSDb         float64 `json:"rms_db,omitempty"`
	STTConfidence float64 `json:"stt_confidence,omitempty"`
	Category      string  `json:"category,omitempty"`
	Summary       string  `json:"summary,omitempty"`
}

// Transport 上传传输层接口，便于测试时替换
type Transport interface {
	UploadSegment(ctx context.Context, seg *segment.PendingSegment) (*UploadResult, error)
}

// HTTPTransport 基于 multipart 表单的 HTTP 上传实现
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTransport 创建 HTTP 上传传输层
func NewHTTPTransport(baseURL string, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// UploadSegment 上传单个段: multipart 包含 audio 文件、participant_id 与 ISO 时间戳
func (t *HTTPTransport) UploadSegment(ctx context.Context, seg *segment.PendingSegment) (*UploadResult, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="audio"; filename="%s"`, seg.FileName()))
	if seg.MimeType != "" {
		header.Set("Content-Type", seg.MimeType)
	} else {
		header.Set("Content-Type", "application/octet-stream")
	}
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(seg.AudioData); err != nil {
		return nil, fmt.Errorf("write audio data: %w", err)
	}

	if err := writer.WriteField("participant_id", seg.SpeakerID); err != nil {
		return nil, fmt.Errorf("write participant_id: %w", err)
	}
	if err := writer.WriteField("timestamp", seg.StartTime.UTC().Format(time.RFC3339)); err != nil {
		return nil, fmt.Errorf("write timestamp: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	url := fmt.Sprintf("%s/zoom/audio/%s", t.baseURL, seg.SessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result UploadResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}
