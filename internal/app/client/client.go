package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"incident-console-client-golang/internal/api"
	capture "incident-console-client-golang/internal/data/client"
	"incident-console-client-golang/internal/data/msg"
	"incident-console-client-golang/internal/domain/eventbus"
	"incident-console-client-golang/internal/domain/queue"
	"incident-console-client-golang/internal/domain/realtime"
	"incident-console-client-golang/internal/domain/uploader"
	"incident-console-client-golang/internal/storage/segmentstore"
	log "incident-console-client-golang/logger"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/spf13/viper"
)

// SyncClient 客户端同步层的装配与生命周期管理
// 持有存储、队列、上传调度器与各会话的实时客户端，显式 Start/Stop
type SyncClient struct {
	baseURL  string
	store    *segmentstore.Store
	queue    *queue.Manager
	uploader *uploader.Uploader
	rest     *api.Client

	// 每个会话一个实时客户端，各自独享连接与状态
	realtimeClients cmap.ConcurrentMap[string, *realtime.Client]

	retentionHours int
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	started        bool
	mu             sync.Mutex

	// Unsubscribe 需要传入订阅时的同一个函数值
	captureHandler func(*capture.CapturedSegment)
}

// NewSyncClient 根据 viper 配置装配同步层
// 配置项: server.base_url, segment_store.*, uploader.*, realtime.*
func NewSyncClient() (*SyncClient, error) {
	baseURL := viper.GetString("server.base_url")
	if baseURL == "" {
		return nil, fmt.Errorf("server.base_url is not configured")
	}

	storeConfig := segmentstore.DefaultConfig()
	if path := viper.GetString("segment_store.path"); path != "" {
		storeConfig.Path = path
	}
	store, err := segmentstore.NewStore(storeConfig)
	if err != nil {
		return nil, fmt.Errorf("create segment store: %w", err)
	}

	queueManager := queue.NewManager(store)

	uploaderConfig := uploader.DefaultConfig()
	if v := viper.GetInt("uploader.sweep_interval_sec"); v > 0 {
		uploaderConfig.SweepIntervalSec = v
	}
	if v := viper.GetInt("uploader.attempt_timeout_sec"); v > 0 {
		uploaderConfig.AttemptTimeoutSec = v
	}
	if v := viper.GetInt("uploader.max_retries"); v > 0 {
		uploaderConfig.MaxRetries = v
	}
	if v := viper.GetInt("uploader.retention_hours"); v > 0 {
		uploaderConfig.RetentionHours = v
	}

	transport := uploader.NewHTTPTransport(baseURL,
		time.Duration(uploaderConfig.AttemptTimeoutSec)*time.Second)
	up, err := uploader.NewUploader(queueManager, transport, uploaderConfig)
	if err != nil {
		return nil, fmt.Errorf("create uploader: %w", err)
	}

	rest := api.NewClient(baseURL)
	up.SetOnlineCheck(func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return rest.Ping(ctx)
	})

	return &SyncClient{
		baseURL:         baseURL,
		store:           store,
		queue:           queueManager,
		uploader:        up,
		rest:            rest,
		realtimeClients: cmap.New[*realtime.Client](),
		retentionHours:  uploaderConfig.RetentionHours,
	}, nil
}

// Queue 队列管理器
func (s *SyncClient) Queue() *queue.Manager {
	return s.queue
}

// Uploader 上传调度器
func (s *SyncClient) Uploader() *uploader.Uploader {
	return s.uploader
}

// Rest REST 客户端
func (s *SyncClient) Rest() *api.Client {
	return s.rest
}

// Start 启动上传调度与定期清理，并订阅采集事件
func (s *SyncClient) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	// 采集器产出的段直接入队
	s.captureHandler = s.onSegmentCaptured
	if err := eventbus.Get().Subscribe(eventbus.TopicSegmentCaptured, s.captureHandler); err != nil {
		cancel()
		return fmt.Errorf("subscribe capture events: %w", err)
	}

	s.uploader.Start(ctx)
	s.startCleanupLoop(ctx)

	s.started = true
	log.Infof("同步层已启动, server=%s", s.baseURL)
	return nil
}

// onSegmentCaptured 采集事件入队
func (s *SyncClient) onSegmentCaptured(captured *capture.CapturedSegment) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	seg, err := s.queue.AddToQueue(ctx, queue.AddSpec{
		SessionID:   captured.SessionID,
		SpeakerID:   captured.SpeakerID,
		SpeakerName: captured.SpeakerName,
		AudioData:   captured.AudioData,
		MimeType:    captured.MimeType,
		StartTime:   captured.StartTime,
		EndTime:     captured.EndTime,
	})
	if err != nil {
		log.Errorf("采集段入队失败: %v", err)
		return
	}
	log.Debugf("采集段已入队: %s", seg.LocalID)
}

// startCleanupLoop 每小时清理一次过期段
func (s *SyncClient) startCleanupLoop(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				if _, err := s.queue.CleanupOldSegments(cleanupCtx, s.retentionHours); err != nil {
					log.Errorf("清理过期段失败: %v", err)
				}
				cancel()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// JoinSession 注册本端参与者身份并建立会话实时通道
// 返回参与者 ID。重载后重新注册会把已入队的段改绑到新身份
func (s *SyncClient) JoinSession(ctx context.Context, sessionID, displayName string) (string, error) {
	participantID, err := s.rest.RegisterParticipant(ctx, sessionID, displayName, "")
	if err != nil {
		return "", err
	}

	if _, err := s.queue.RebindSegmentsToParticipant(ctx, sessionID, participantID, displayName); err != nil {
		log.Errorf("改绑历史段失败: %v", err)
	}

	if _, err := s.RealtimeClient(sessionID); err != nil {
		return participantID, err
	}
	return participantID, nil
}

// RealtimeClient 获取（必要时创建并连接）指定会话的实时客户端
// sessionID 为空时返回全局通道客户端
func (s *SyncClient) RealtimeClient(sessionID string) (*realtime.Client, error) {
	key := sessionID
	if key == "" {
		key = "_global"
	}
	if rc, ok := s.realtimeClients.Get(key); ok {
		return rc, nil
	}

	wsURL, err := realtime.SessionURL(s.baseURL, sessionID)
	if err != nil {
		return nil, err
	}

	rtConfig := realtime.DefaultConfig()
	if v := viper.GetInt("realtime.max_reconnect_attempts"); v > 0 {
		rtConfig.MaxReconnectAttempts = v
	}
	if v := viper.GetInt("realtime.base_delay_ms"); v > 0 {
		rtConfig.BaseDelayMs = v
	}
	if v := viper.GetInt("realtime.max_delay_ms"); v > 0 {
		rtConfig.MaxDelayMs = v
	}

	rc, err := realtime.NewClient(wsURL, rtConfig)
	if err != nil {
		return nil, err
	}
	if !s.realtimeClients.SetIfAbsent(key, rc) {
		existing, _ := s.realtimeClients.Get(key)
		return existing, nil
	}

	// 后端推送参与者变更时同步更新段归属
	if sessionID != "" {
		rc.Subscribe(msg.MessageTypeParticipantUpdate, func(data json.RawMessage) {
			var p msg.Participant
			if err := json.Unmarshal(data, &p); err != nil {
				log.Warnf("解析参与者变更失败: %v", err)
				return
			}
			s.onParticipantUpdate(sessionID, &p)
		})
	}

	if err := rc.Connect(); err != nil {
		// 首连失败由客户端自身的重连机制接管
		log.Warnf("实时通道首次连接失败: %v", err)
	}
	return rc, nil
}

// onParticipantUpdate 本端身份被后端改写后（如总部匹配），同步本地段归属
func (s *SyncClient) onParticipantUpdate(sessionID string, p *msg.Participant) {
	if p.ParticipantID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	count, err := s.queue.RebindSegmentsToParticipant(ctx, sessionID, p.ParticipantID, p.ZoomDisplayName)
	if err != nil {
		log.Errorf("参与者变更后改绑段失败: %v", err)
		return
	}
	if count > 0 {
		log.Infof("参与者变更, 已改绑 %d 个段, participantId=%s", count, p.ParticipantID)
	}
}

// PendingCount 当前待上传段数量（pending + failed）
func (s *SyncClient) PendingCount(ctx context.Context, sessionID string) (int64, error) {
	return s.queue.GetPendingCount(ctx, sessionID)
}

// Stop 停止调度器、断开全部实时通道并关闭存储
func (s *SyncClient) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.uploader.Stop()
	s.wg.Wait()

	for _, key := range s.realtimeClients.Keys() {
		if rc, ok := s.realtimeClients.Get(key); ok {
			rc.Close()
		}
		s.realtimeClients.Remove(key)
	}

	if err := eventbus.Get().Unsubscribe(eventbus.TopicSegmentCaptured, s.captureHandler); err != nil {
		log.Debugf("注销采集事件订阅失败: %v", err)
	}

	if err := s.store.Close(); err != nil {
		log.Errorf("关闭段存储失败: %v", err)
	}

	s.started = false
	log.Infof("同步层已停止")
}
