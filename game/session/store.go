package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/641i130/Ayaka/game/engine"
	"github.com/641i130/Ayaka/model"
	"github.com/641i130/Ayaka/script"
	"github.com/641i130/Ayaka/story"
)

// Store 抽象设置、全局账本和存档的持久化（可 mock）。
// 装载方法用 ok 区分"没有数据"和"读取出错"，前者静默取默认值。
type Store interface {
	LoadSettings(ctx context.Context) (Settings, bool, error)
	SaveSettings(ctx context.Context, st Settings) error
	LoadGlobalRecord(ctx context.Context, title string) (*GlobalRecord, bool, error)
	SaveGlobalRecord(ctx context.Context, title string, rec *GlobalRecord) error
	LoadRecords(ctx context.Context, title string) ([]ActionRecord, error)
	SaveRecords(ctx context.Context, title string, recs []ActionRecord) error
}

// NewWithDB 创建使用 GORM 数据库存储的会话（生产环境便捷构造函数）。
func NewWithDB(eng *engine.Context, db *gorm.DB, log *zap.Logger) *Session {
	return New(eng, NewGormStore(db), log)
}

// ---- memoryStore：进程内存储，测试与无数据库的预览模式用 ----

// memoryStore 把所有状态留在进程内。多个会话可能共享同一实例，
// 所以自己加锁。
type memoryStore struct {
	mu       sync.RWMutex
	settings *Settings
	globals  map[string]*GlobalRecord
	records  map[string][]ActionRecord
}

// NewMemoryStore 创建空的进程内存储。
func NewMemoryStore() Store {
	return &memoryStore{
		globals: map[string]*GlobalRecord{},
		records: map[string][]ActionRecord{},
	}
}

func (m *memoryStore) LoadSettings(context.Context) (Settings, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.settings == nil {
		return Settings{}, false, nil
	}
	return *m.settings, true, nil
}

func (m *memoryStore) SaveSettings(_ context.Context, st Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = &st
	return nil
}

func (m *memoryStore) LoadGlobalRecord(_ context.Context, title string) (*GlobalRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.globals[title]
	if !ok {
		return nil, false, nil
	}
	return RestoreGlobalRecord(g.Positions(), g.Data), true, nil
}

func (m *memoryStore) SaveGlobalRecord(_ context.Context, title string, rec *GlobalRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.globals[title] = RestoreGlobalRecord(rec.Positions(), rec.Data)
	return nil
}

func (m *memoryStore) LoadRecords(_ context.Context, title string) ([]ActionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneRecords(m.records[title]), nil
}

func (m *memoryStore) SaveRecords(_ context.Context, title string, recs []ActionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[title] = cloneRecords(recs)
	return nil
}

func cloneRecords(recs []ActionRecord) []ActionRecord {
	out := make([]ActionRecord, len(recs))
	for i, r := range recs {
		out[i] = r.Clone()
	}
	return out
}

// ---- gormStore：基于 GORM 的 Store 默认实现 ----

// gormStore 把会话状态存入数据库。存档按 (title, slot) 一行一档，
// 历史和账本序列化成 JSON 列。
type gormStore struct {
	db *gorm.DB
}

// NewGormStore 创建使用 GORM 数据库的 Store。
func NewGormStore(db *gorm.DB) Store { return &gormStore{db: db} }

// settingsRowID 设置表只有一行。
const settingsRowID = 1

// LoadSettings 读取全局设置行。
func (s *gormStore) LoadSettings(ctx context.Context) (Settings, bool, error) {
	var row model.EngineSettings
	err := s.db.WithContext(ctx).First(&row, settingsRowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Settings{}, false, nil
	}
	if err != nil {
		return Settings{}, false, err
	}
	return Settings{Lang: row.Lang, SubLang: row.SubLang}, true, nil
}

// SaveSettings 覆写全局设置行。
func (s *gormStore) SaveSettings(ctx context.Context, st Settings) error {
	row := model.EngineSettings{ID: settingsRowID, Lang: st.Lang, SubLang: st.SubLang}
	return s.db.WithContext(ctx).Save(&row).Error
}

// LoadGlobalRecord 读取并重建指定故事的全局账本。
func (s *gormStore) LoadGlobalRecord(ctx context.Context, title string) (*GlobalRecord, bool, error) {
	var row model.GlobalRecord
	err := s.db.WithContext(ctx).First(&row, "title = ?", title).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var visited []Position
	if len(row.Visited) > 0 {
		if err := json.Unmarshal(row.Visited, &visited); err != nil {
			return nil, false, fmt.Errorf("session: decode visited for %q: %w", title, err)
		}
	}
	data := script.VarMap{}
	if len(row.Data) > 0 {
		if err := json.Unmarshal(row.Data, &data); err != nil {
			return nil, false, fmt.Errorf("session: decode global data for %q: %w", title, err)
		}
	}
	return RestoreGlobalRecord(visited, data), true, nil
}

// SaveGlobalRecord 覆写指定故事的全局账本。
func (s *gormStore) SaveGlobalRecord(ctx context.Context, title string, rec *GlobalRecord) error {
	visited, err := json.Marshal(rec.Positions())
	if err != nil {
		return fmt.Errorf("session: encode visited: %w", err)
	}
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("session: encode global data: %w", err)
	}
	row := model.GlobalRecord{Title: title, Visited: visited, Data: data}
	return s.db.WithContext(ctx).Save(&row).Error
}

// LoadRecords 按槽位顺序读取指定故事的全部存档。
func (s *gormStore) LoadRecords(ctx context.Context, title string) ([]ActionRecord, error) {
	var rows []model.SaveRecord
	if err := s.db.WithContext(ctx).
		Where("title = ?", title).Order("slot").Find(&rows).Error; err != nil {
		return nil, err
	}
	recs := make([]ActionRecord, 0, len(rows))
	for _, row := range rows {
		var hist []story.Cursor
		if len(row.History) > 0 {
			if err := json.Unmarshal(row.History, &hist); err != nil {
				return nil, fmt.Errorf("session: decode record slot %d: %w", row.Slot, err)
			}
		}
		recs = append(recs, ActionRecord{History: hist})
	}
	return recs, nil
}

// SaveRecords 整体覆写指定故事的存档列表，槽位取列表下标。
func (s *gormStore) SaveRecords(ctx context.Context, title string, recs []ActionRecord) error {
	rows := make([]model.SaveRecord, 0, len(recs))
	for i, rec := range recs {
		hist := rec.History
		if hist == nil {
			hist = []story.Cursor{}
		}
		raw, err := json.Marshal(hist)
		if err != nil {
			return fmt.Errorf("session: encode record slot %d: %w", i, err)
		}
		rows = append(rows, model.SaveRecord{Title: title, Slot: i, History: raw})
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("title = ?", title).Delete(&model.SaveRecord{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
}
