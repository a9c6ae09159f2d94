package client

import (
	"sync"
	"time"

	"incident-console-client-golang/internal/domain/eventbus"
)

// CapturedSegment 一段完整的录音，由采集器在语音结束时产出
type CapturedSegment struct {
	SessionID   string
	SpeakerID   string
	SpeakerName string
	AudioData   []byte
	MimeType    string
	StartTime   time.Time
	EndTime     time.Time
}

// SegmentCollector 录音段采集器
// 累积当前语音段的音频数据，语音边界由外部的 VAD/录音逻辑判定
type SegmentCollector struct {
	mu sync.Mutex

	sessionID   string
	speakerID   string
	speakerName string
	mimeType    string

	audioData []byte
	startTime time.Time
	active    bool
	enabled   bool
}

// NewSegmentCollector 创建采集器
func NewSegmentCollector(sessionID, speakerID, speakerName, mimeType string) *SegmentCollector {
	return &SegmentCollector{
		sessionID:   sessionID,
		speakerID:   speakerID,
		speakerName: speakerName,
		mimeType:    mimeType,
		enabled:     true,
	}
}

// SetEnabled 设置是否启用采集
func (c *SegmentCollector) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
}

// SetSpeaker 更新发言者归属，重新注册身份后调用
func (c *SegmentCollector) SetSpeaker(speakerID, speakerName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.speakerID = speakerID
	c.speakerName = speakerName
}

// BeginUtterance 标记一段语音开始
func (c *SegmentCollector) BeginUtterance(start time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audioData = c.audioData[:0]
	c.startTime = start
	c.active = true
}

// AddAudio 追加当前语音段的音频数据
func (c *SegmentCollector) AddAudio(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled || !c.active || len(data) == 0 {
		return
	}
	c.audioData = append(c.audioData, data...)
}

// Size 当前已累积的音频字节数
func (c *SegmentCollector) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.audioData)
}

// FinishUtterance 结束当前语音段并发布采集事件，返回产出的段
// 没有累积到数据时返回 nil，不发布事件
func (c *SegmentCollector) FinishUtterance(end time.Time) *CapturedSegment {
	c.mu.Lock()
	if !c.active || len(c.audioData) == 0 {
		c.active = false
		c.mu.Unlock()
		return nil
	}

	data := make([]byte, len(c.audioData))
	copy(data, c.audioData)
	captured := &CapturedSegment{
		SessionID:   c.sessionID,
		SpeakerID:   c.speakerID,
		SpeakerName: c.speakerName,
		AudioData:   data,
		MimeType:    c.mimeType,
		StartTime:   c.startTime,
		EndTime:     end,
	}
	c.audioData = c.audioData[:0]
	c.active = false
	c.mu.Unlock()

	eventbus.Get().Publish(eventbus.TopicSegmentCaptured, captured)
	return captured
}

// Clear 丢弃当前累积的数据
func (c *SegmentCollector) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audioData = c.audioData[:0]
	c.active = false
}
