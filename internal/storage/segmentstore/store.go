package segmentstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"incident-console-client-golang/internal/data/segment"
	log "incident-console-client-golang/logger"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrStoreUnavailable 本地存储打开失败，本次操作失败，由调用方重试
	ErrStoreUnavailable = errors.New("segment store unavailable")
	// ErrNotFound 指定 localId 的记录不存在
	ErrNotFound = errors.New("segment not found")
)

var (
	instance     *Store
	instanceOnce sync.Once
)

// Store 基于 sqlite 的待上传段持久化存储
// 句柄懒加载，打开失败不在内部重试，下次操作时再尝试打开
type Store struct {
	config *Config

	mu sync.Mutex
	db *gorm.DB
}

// NewStore 创建段存储实例，不会立即打开数据库
func NewStore(config *Config) (*Store, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Store{config: config}, nil
}

// GetInstance 获取单例实例
func GetInstance(config *Config) (*Store, error) {
	var err error
	instanceOnce.Do(func() {
		instance, err = NewStore(config)
	})
	if err != nil {
		return nil, err
	}
	if instance == nil {
		return nil, fmt.Errorf("%w: init failed", ErrStoreUnavailable)
	}
	return instance, nil
}

// handle 获取数据库句柄，首次调用时打开并建表建索引
func (s *Store) handle() (*gorm.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return s.db, nil
	}

	if dir := filepath.Dir(s.config.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create dir: %v", ErrStoreUnavailable, err)
		}
	}

	db, err := gorm.Open(sqlite.Open(s.config.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	// sqlite 单写者，限制连接数避免 database is locked
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&segment.PendingSegment{}); err != nil {
		return nil, fmt.Errorf("%w: auto migrate: %v", ErrStoreUnavailable, err)
	}

	log.Infof("段存储已打开: %s", s.config.Path)
	s.db = db
	return s.db, nil
}

// Insert 插入一条待上传段
func (s *Store) Insert(ctx context.Context, seg *segment.PendingSegment) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if err := db.WithContext(ctx).Create(seg).Error; err != nil {
		return fmt.Errorf("insert segment: %w", err)
	}
	return nil
}

// GetByID 按 localId 查询
func (s *Store) GetByID(ctx context.Context, localID string) (*segment.PendingSegment, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var seg segment.PendingSegment
	result := db.WithContext(ctx).Where("local_id = ?", localID).First(&seg)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, localID)
		}
		return nil, fmt.Errorf("query segment: %w", result.Error)
	}
	return &seg, nil
}

// GetBySession 查询某会话的全部记录，按创建时间升序
func (s *Store) GetBySession(ctx context.Context, sessionID string) ([]*segment.PendingSegment, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var segs []*segment.PendingSegment
	if err := db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&segs).Error; err != nil {
		return nil, fmt.Errorf("query session segments: %w", err)
	}
	return segs, nil
}

// GetAll 查询全部记录，按创建时间升序
func (s *Store) GetAll(ctx context.Context) ([]*segment.PendingSegment, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var segs []*segment.PendingSegment
	if err := db.WithContext(ctx).
		Order("created_at ASC").
		Find(&segs).Error; err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	return segs, nil
}

// Update 整条记录覆盖更新
func (s *Store) Update(ctx context.Context, seg *segment.PendingSegment) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	result := db.WithContext(ctx).
		Model(&segment.PendingSegment{}).
		Where("local_id = ?", seg.LocalID).
		Select("*").
		Omit("local_id").
		Updates(seg)
	if result.Error != nil {
		return fmt.Errorf("update segment: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, seg.LocalID)
	}
	return nil
}

// Delete 按 localId 删除，记录删除后不可恢复
func (s *Store) Delete(ctx context.Context, localID string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	result := db.WithContext(ctx).
		Where("local_id = ?", localID).
		Delete(&segment.PendingSegment{})
	if result.Error != nil {
		return fmt.Errorf("delete segment: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, localID)
	}
	return nil
}

// DeleteCreatedBefore 删除 createdAt 早于 cutoff 的全部记录，返回删除条数
func (s *Store) DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	result := db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&segment.PendingSegment{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete old segments: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Close 关闭数据库句柄
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	s.db = nil
	return sqlDB.Close()
}
