package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"incident-console-client-golang/internal/data/segment"
	"incident-console-client-golang/internal/storage/segmentstore"
	log "incident-console-client-golang/logger"

	"github.com/google/uuid"
)

// ErrValidation 入队参数校验失败，不会写入存储
var ErrValidation = errors.New("segment validation failed")

// DefaultRetentionHours 默认保留时长，超过后无论状态一律清理
const DefaultRetentionHours = 24

// AddSpec 入队参数，由录音采集方提供
type AddSpec struct {
	SessionID   string
	SpeakerID   string
	SpeakerName string
	AudioData   []byte
	MimeType    string
	StartTime   time.Time
	EndTime     time.Time
}

// Manager 段队列管理器，封装对本地存储的增删改查与批量操作
type Manager struct {
	store *segmentstore.Store
}

// NewManager 创建队列管理器
func NewManager(store *segmentstore.Store) *Manager {
	return &Manager{store: store}
}

// AddToQueue 分配 localId 并持久化一条新段，初始状态 pending
func (m *Manager) AddToQueue(ctx context.Context, spec AddSpec) (*segment.PendingSegment, error) {
	if spec.SessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrValidation)
	}
	if spec.SpeakerID == "" {
		return nil, fmt.Errorf("%w: speaker id is required", ErrValidation)
	}
	if len(spec.AudioData) == 0 {
		return nil, fmt.Errorf("%w: audio data is empty", ErrValidation)
	}

	now := time.Now()
	seg := &segment.PendingSegment{
		LocalID:     uuid.New().String(),
		SessionID:   spec.SessionID,
		SpeakerID:   spec.SpeakerID,
		SpeakerName: spec.SpeakerName,
		AudioData:   spec.AudioData,
		MimeType:    spec.MimeType,
		StartTime:   spec.StartTime,
		EndTime:     spec.EndTime,
		DurationMs:  spec.EndTime.Sub(spec.StartTime).Milliseconds(),
		Status:      segment.StatusPending,
		RetryCount:  0,
		LastError:   nil,
		CreatedAt:   now,
		LastAttempt: now,
	}

	if err := m.store.Insert(ctx, seg); err != nil {
		return nil, err
	}

	log.Debugf("段已入队: localId=%s, session=%s, speaker=%s, size=%d",
		seg.LocalID, seg.SessionID, seg.SpeakerID, len(seg.AudioData))
	return seg, nil
}

// GetPendingSegments 获取指定会话（sessionID 为空时为全局）中状态不为 uploaded 的全部记录
func (m *Manager) GetPendingSegments(ctx context.Context, sessionID string) ([]*segment.PendingSegment, error) {
	segs, err := m.listScope(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	result := make([]*segment.PendingSegment, 0, len(segs))
	for _, seg := range segs {
		if seg.Status != segment.StatusUploaded {
			result = append(result, seg)
		}
	}
	return result, nil
}

// GetPendingCount 统计状态为 pending 或 failed 的记录数
func (m *Manager) GetPendingCount(ctx context.Context, sessionID string) (int64, error) {
	segs, err := m.listScope(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	var count int64
	for _, seg := range segs {
		if seg.Status == segment.StatusPending || seg.Status == segment.StatusFailed {
			count++
		}
	}
	return count, nil
}

// UpdateSegmentStatus 更新段状态，转入 failed 时重试计数加一
func (m *Manager) UpdateSegmentStatus(ctx context.Context, localID string, status segment.Status, errMsg *string) (*segment.PendingSegment, error) {
	seg, err := m.store.GetByID(ctx, localID)
	if err != nil {
		return nil, err
	}

	if status == segment.StatusFailed && seg.Status != segment.StatusFailed {
		seg.RetryCount++
	}
	seg.Status = status
	seg.LastAttempt = time.Now()
	if errMsg != nil {
		seg.LastError = errMsg
	}

	if err := m.store.Update(ctx, seg); err != nil {
		return nil, err
	}
	return seg, nil
}

// ResetSegmentsForRetry 将范围内所有非 pending 记录重置为初始待上传状态，返回重置条数
// 用于用户手动触发重试时跳出回退等待窗口
func (m *Manager) ResetSegmentsForRetry(ctx context.Context, sessionID string) (int, error) {
	segs, err := m.listScope(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, seg := range segs {
		if seg.Status == segment.StatusPending {
			continue
		}
		seg.Status = segment.StatusPending
		seg.RetryCount = 0
		seg.LastError = nil
		seg.LastAttempt = time.Now()
		if err := m.store.Update(ctx, seg); err != nil {
			return count, err
		}
		count++
	}

	if count > 0 {
		log.Infof("已重置 %d 个段等待重试, session=%s", count, sessionID)
	}
	return count, nil
}

// RebindSegmentsToParticipant 将会话中归属不一致的段改绑到新的参与者
// 客户端重新注册身份后调用（如页面重载），不改动段状态
func (m *Manager) RebindSegmentsToParticipant(ctx context.Context, sessionID, participantID, speakerName string) (int, error) {
	if sessionID == "" || participantID == "" {
		return 0, fmt.Errorf("%w: session id and participant id are required", ErrValidation)
	}

	segs, err := m.store.GetBySession(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, seg := range segs {
		changed := false
		if seg.SpeakerID != participantID {
			seg.SpeakerID = participantID
			changed = true
		}
		if speakerName != "" && seg.SpeakerName != speakerName {
			seg.SpeakerName = speakerName
			changed = true
		}
		if !changed {
			continue
		}
		if err := m.store.Update(ctx, seg); err != nil {
			return count, err
		}
		count++
	}

	if count > 0 {
		log.Infof("已将 %d 个段改绑到参与者 %s, session=%s", count, participantID, sessionID)
	}
	return count, nil
}

// SetSegmentAttribution 更新单条段的归属，供手动重试时覆盖过期的参与者信息
func (m *Manager) SetSegmentAttribution(ctx context.Context, localID, participantID, speakerName string) (*segment.PendingSegment, error) {
	if participantID == "" {
		return nil, fmt.Errorf("%w: participant id is required", ErrValidation)
	}
	seg, err := m.store.GetByID(ctx, localID)
	if err != nil {
		return nil, err
	}
	seg.SpeakerID = participantID
	if speakerName != "" {
		seg.SpeakerName = speakerName
	}
	if err := m.store.Update(ctx, seg); err != nil {
		return nil, err
	}
	return seg, nil
}

// RemoveFromQueue 上传成功后硬删除
func (m *Manager) RemoveFromQueue(ctx context.Context, localID string) error {
	return m.store.Delete(ctx, localID)
}

// CleanupOldSegments 删除超过保留时长的全部记录，与状态和重试次数无关
// 防止永远无法成功的段无限堆积
func (m *Manager) CleanupOldSegments(ctx context.Context, retentionHours int) (int64, error) {
	if retentionHours <= 0 {
		retentionHours = DefaultRetentionHours
	}
	cutoff := time.Now().Add(-time.Duration(retentionHours) * time.Hour)
	count, err := m.store.DeleteCreatedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		log.Infof("已清理 %d 个过期段, 保留时长 %d 小时", count, retentionHours)
	}
	return count, nil
}

// GetSegmentByID 按 localId 获取单条记录
func (m *Manager) GetSegmentByID(ctx context.Context, localID string) (*segment.PendingSegment, error) {
	return m.store.GetByID(ctx, localID)
}

// listScope sessionID 为空时取全部记录，否则取该会话的记录
func (m *Manager) listScope(ctx context.Context, sessionID string) ([]*segment.PendingSegment, error) {
	if sessionID == "" {
		return m.store.GetAll(ctx)
	}
	return m.store.GetBySession(ctx, sessionID)
}
