package uploader

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"incident-console-client-golang/internal/data/segment"
	"incident-console-client-golang/internal/domain/eventbus"
	"incident-console-client-golang/internal/domain/queue"
	log "incident-console-client-golang/logger"
)

// backoffTable 按 retryCount-1 索引的回退等待表，超出范围取最后一项
var backoffTable = []time.Duration{
	5 * time.Second,
	10 * time.Second,
	20 * time.Second,
	40 * time.Second,
	80 * time.Second,
}

// unrecoverableSignatures 后端报告的容器损坏特征，命中则直接丢弃不再重试
// 损坏的音频容器重传多少次都不会成功，留在队列里只会堵住后面的段
var unrecoverableSignatures = []string{
	"EBML header parsing failed",
	"Invalid data found when processing input",
	"not valid WAV",
}

// Config 上传调度器配置
type Config struct {
	SweepIntervalSec  int `mapstructure:"sweep_interval_sec" json:"sweep_interval_sec"`
	AttemptTimeoutSec int `mapstructure:"attempt_timeout_sec" json:"attempt_timeout_sec"`
	StuckThresholdSec int `mapstructure:"stuck_threshold_sec" json:"stuck_threshold_sec"`
	MaxRetries        int `mapstructure:"max_retries" json:"max_retries"`
	RetentionHours    int `mapstructure:"retention_hours" json:"retention_hours"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		SweepIntervalSec:  10,
		AttemptTimeoutSec: 60,
		StuckThresholdSec: 60,
		MaxRetries:        5,
		RetentionHours:    24,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.SweepIntervalSec <= 0 {
		return fmt.Errorf("sweep interval must be > 0")
	}
	if c.AttemptTimeoutSec <= 0 {
		return fmt.Errorf("attempt timeout must be > 0")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("max retries must be > 0")
	}
	return nil
}

// Attribution 手动重试时可选的归属覆盖
type Attribution struct {
	ParticipantID string
	SpeakerName   string
}

// Uploader 重试调度器，定时或按需扫描队列并串行驱动上传
type Uploader struct {
	queue     *queue.Manager
	transport Transport
	config    *Config

	// online 宿主连通性探测，离线时跳过自动扫描
	online func() bool

	sweeping atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewUploader 创建上传调度器
func NewUploader(q *queue.Manager, transport Transport, config *Config) (*Uploader, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Uploader{
		queue:     q,
		transport: transport,
		config:    config,
		online:    func() bool { return true },
	}, nil
}

// SetOnlineCheck 注入连通性探测
func (u *Uploader) SetOnlineCheck(f func() bool) {
	if f != nil {
		u.online = f
	}
}

// BackoffDelay 第 retryCount 次失败后的回退等待时长
func BackoffDelay(retryCount int) time.Duration {
	idx := retryCount - 1
	if idx < 0 {
		return 0
	}
	if idx >= len(backoffTable) {
		idx = len(backoffTable) - 1
	}
	return backoffTable[idx]
}

// Start 启动定时扫描
func (u *Uploader) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	u.cancel = cancel

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		interval := time.Duration(u.config.SweepIntervalSec) * time.Second
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		log.Infof("上传调度器已启动, 扫描间隔 %v", interval)
		for {
			select {
			case <-ticker.C:
				if _, err := u.Sweep(ctx, false); err != nil {
					log.Errorf("扫描队列失败: %v", err)
				}
			case <-ctx.Done():
				log.Infof("上传调度器已停止")
				return
			}
		}
	}()
}

// Stop 停止定时扫描并等待当前扫描结束
func (u *Uploader) Stop() {
	if u.cancel != nil {
		u.cancel()
	}
	u.wg.Wait()
}

// Sweep 执行一轮扫描，force 为真时忽略回退与卡死阈值（手动"全部重试"）
// 返回本轮尝试上传的段数。同一时间只允许一轮扫描，重入直接返回
func (u *Uploader) Sweep(ctx context.Context, force bool) (int, error) {
	if !u.sweeping.CompareAndSwap(false, true) {
		log.Debugf("上一轮扫描尚未结束, 跳过")
		return 0, nil
	}
	defer u.sweeping.Store(false)

	if !force && !u.online() {
		log.Debugf("当前离线, 跳过自动扫描")
		return 0, nil
	}

	segs, err := u.queue.GetPendingSegments(ctx, "")
	if err != nil {
		return 0, err
	}

	now := time.Now()
	attempted := 0
	for _, seg := range segs {
		if !force && !u.eligible(seg, now) {
			continue
		}
		// 逐段串行处理，单段失败不中断本轮扫描
		if err := u.attempt(ctx, seg); err != nil {
			log.Errorf("处理段 %s 失败: %v", seg.LocalID, err)
		}
		attempted++

		select {
		case <-ctx.Done():
			return attempted, ctx.Err()
		default:
		}
	}

	if attempted > 0 {
		u.publishPendingCount(ctx)
	}
	return attempted, nil
}

// eligible 非强制扫描下的单段可上传判定
func (u *Uploader) eligible(seg *segment.PendingSegment, now time.Time) bool {
	switch seg.Status {
	case segment.StatusPending:
		return true
	case segment.StatusFailed:
		if seg.RetryCount >= u.config.MaxRetries {
			return false
		}
		return now.Sub(seg.LastAttempt) >= BackoffDelay(seg.RetryCount)
	case segment.StatusUploading:
		// 上次尝试中途被打断（如页面关闭）遗留的卡死记录
		return now.Sub(seg.LastAttempt) > time.Duration(u.config.StuckThresholdSec)*time.Second
	default:
		return false
	}
}

// attempt 单段上传尝试: 标记 uploading -> 限时上传 -> 按结果分类处置
func (u *Uploader) attempt(ctx context.Context, seg *segment.PendingSegment) error {
	seg, err := u.queue.UpdateSegmentStatus(ctx, seg.LocalID, segment.StatusUploading, nil)
	if err != nil {
		return err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, time.Duration(u.config.AttemptTimeoutSec)*time.Second)
	defer cancel()

	result, err := u.transport.UploadSegment(attemptCtx, seg)
	if err != nil {
		// 传输层失败（超时/中止/网络），进入回退重试
		msg := err.Error()
		if _, uerr := u.queue.UpdateSegmentStatus(ctx, seg.LocalID, segment.StatusFailed, &msg); uerr != nil {
			return uerr
		}
		log.Warnf("段 %s 上传失败(传输): %v", seg.LocalID, err)
		eventbus.Get().Publish(eventbus.TopicUploadFailed, eventbus.SegmentUploadEvent{
			LocalID:   seg.LocalID,
			SessionID: seg.SessionID,
			SpeakerID: seg.SpeakerID,
			Error:     msg,
		})
		return nil
	}

	if !result.OK {
		if isUnrecoverable(result) {
			// 不可恢复的容器损坏，直接丢弃
			if err := u.queue.RemoveFromQueue(ctx, seg.LocalID); err != nil {
				return err
			}
			log.Warnf("段 %s 音频容器损坏, 已丢弃: stage=%s, error=%s",
				seg.LocalID, result.Stage, result.Error)
			eventbus.Get().Publish(eventbus.TopicSegmentDiscarded, eventbus.SegmentUploadEvent{
				LocalID:   seg.LocalID,
				SessionID: seg.SessionID,
				SpeakerID: seg.SpeakerID,
				Stage:     result.Stage,
				Error:     result.Error,
			})
			return nil
		}

		msg := rejectionMessage(result)
		if _, err := u.queue.UpdateSegmentStatus(ctx, seg.LocalID, segment.StatusFailed, &msg); err != nil {
			return err
		}
		log.Warnf("段 %s 被后端拒绝: %s", seg.LocalID, msg)
		eventbus.Get().Publish(eventbus.TopicUploadFailed, eventbus.SegmentUploadEvent{
			LocalID:   seg.LocalID,
			SessionID: seg.SessionID,
			SpeakerID: seg.SpeakerID,
			Stage:     result.Stage,
			Error:     msg,
		})
		return nil
	}

	// 成功即删除，不保留残留记录
	if err := u.queue.RemoveFromQueue(ctx, seg.LocalID); err != nil {
		return err
	}
	log.Infof("段 %s 上传成功, entryId=%s", seg.LocalID, result.EntryID)
	eventbus.Get().Publish(eventbus.TopicSegmentUploaded, eventbus.SegmentUploadEvent{
		LocalID:   seg.LocalID,
		SessionID: seg.SessionID,
		SpeakerID: seg.SpeakerID,
		EntryID:   result.EntryID,
	})
	return nil
}

// RetrySegment 手动重试单个段，绕过扫描调度立即尝试
// override 不为 nil 时先覆盖段的归属（如参与者身份已重新注册）
func (u *Uploader) RetrySegment(ctx context.Context, localID string, override *Attribution) error {
	seg, err := u.queue.GetSegmentByID(ctx, localID)
	if err != nil {
		return err
	}
	if override != nil {
		seg, err = u.queue.SetSegmentAttribution(ctx, localID, override.ParticipantID, override.SpeakerName)
		if err != nil {
			return err
		}
	}
	if err := u.attempt(ctx, seg); err != nil {
		return err
	}
	u.publishPendingCount(ctx)
	return nil
}

// RetryAll 重置范围内全部段并立即执行一轮强制扫描
func (u *Uploader) RetryAll(ctx context.Context, sessionID string) (int, error) {
	if _, err := u.queue.ResetSegmentsForRetry(ctx, sessionID); err != nil {
		return 0, err
	}
	return u.Sweep(ctx, true)
}

// publishPendingCount 广播当前待上传数量，供界面指示器使用
func (u *Uploader) publishPendingCount(ctx context.Context) {
	count, err := u.queue.GetPendingCount(ctx, "")
	if err != nil {
		log.Debugf("统计待上传数量失败: %v", err)
		return
	}
	eventbus.Get().Publish(eventbus.TopicPendingCount, eventbus.PendingCountEvent{Count: count})
}

// isUnrecoverable 判断后端拒绝是否命中已知的容器损坏特征
func isUnrecoverable(result *UploadResult) bool {
	if result.Stage != "convert" || result.Error == "" {
		return false
	}
	for _, sig := range unrecoverableSignatures {
		if strings.Contains(result.Error, sig) {
			return true
		}
	}
	return false
}

// rejectionMessage 从后端诊断信息拼出可读的失败原因
func rejectionMessage(result *UploadResult) string {
	switch {
	case result.Stage != "" && result.Error != "":
		return fmt.Sprintf("stage=%s: %s", result.Stage, result.Error)
	case result.Stage != "" && result.Skipped:
		return fmt.Sprintf("stage=%s: skipped", result.Stage)
	case result.Stage != "":
		return fmt.Sprintf("stage=%s", result.Stage)
	case result.Error != "":
		return result.Error
	default:
		return "上传被拒绝"
	}
}
