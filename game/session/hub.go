package session

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/641i130/Ayaka/cache"
	"github.com/641i130/Ayaka/plugin/hook"
)

// ErrHubFull 活动会话数达到上限。
var ErrHubFull = errors.New("session: hub full")

// ErrNotFound 指定会话不存在，从未创建或已被回收。
var ErrNotFound = errors.New("session: not found")

// presenceTimeout 单次在线键读写的超时。
const presenceTimeout = 2 * time.Second

// presenceKey 会话在线键，鉴权层按同样的格式拼键。
func presenceKey(id string) string { return "session:" + id }

// Factory 构造一个空白会话，装载与起步由 Hub 负责。
type Factory func() (*Session, error)

// HubConfig 注册表的行为参数。
type HubConfig struct {
	IdleTTL     time.Duration // 闲置多久可被回收，<=0 关闭回收
	MaxSessions int           // 活动会话上限，<=0 不设限
}

// managed 一个被注册的会话及其运行簿记。互斥锁把 REST 请求和
// 定时任务对同一会话的操作串行化，lastSeen 驱动闲置回收。
type managed struct {
	id       string
	mu       sync.Mutex
	sess     *Session
	lastSeen time.Time
}

// Hub 维护全部活动会话的注册表：uuid → 受管会话。每个会话持有
// 独立的引擎上下文，互相之间只通过全局账本共享数据。在线键写入
// 共享缓存，令牌校验据此判断会话是否仍然存活。
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*managed
	factory  Factory
	presence cache.Cache
	hooks    *hook.Center
	cfg      HubConfig
	log      *zap.Logger
}

// NewHub 创建会话注册表。presence 为 nil 时不写在线键，仅内存注册；
// hooks 为 nil 时生命周期事件照常触发，只是没有订阅者。
func NewHub(factory Factory, presence cache.Cache, hooks *hook.Center, cfg HubConfig, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	if hooks == nil {
		hooks = hook.New()
	}
	return &Hub{
		sessions: make(map[string]*managed),
		factory:  factory,
		presence: presence,
		hooks:    hooks,
		cfg:      cfg,
		log:      log,
	}
}

// presenceMeta 在线键的值，给运维排查用。
type presenceMeta struct {
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
}

// Create 新建一个会话：工厂出一个空白会话，装载存储、套用语言偏好、
// 从头开始，然后注册并写入在线键。返回新会话的 id。
func (h *Hub) Create(ctx context.Context, st Settings) (string, error) {
	h.mu.RLock()
	n := len(h.sessions)
	h.mu.RUnlock()
	if h.cfg.MaxSessions > 0 && n >= h.cfg.MaxSessions {
		return "", ErrHubFull
	}

	sess, err := h.factory()
	if err != nil {
		return "", err
	}
	sess.OpenGame(ctx, func(status OpenGameStatus) {
		h.log.Debug("open game", zap.String("status", status.String()))
	})
	if st.Lang != "" || st.SubLang != "" {
		sess.SetSettings(st)
	}
	sess.StartNew()

	id := uuid.NewString()
	m := &managed{id: id, sess: sess, lastSeen: time.Now()}

	h.mu.Lock()
	if h.cfg.MaxSessions > 0 && len(h.sessions) >= h.cfg.MaxSessions {
		h.mu.Unlock()
		return "", ErrHubFull
	}
	h.sessions[id] = m
	live := len(h.sessions)
	h.mu.Unlock()

	h.registerPresence(ctx, id, sess)
	h.log.Info("session created",
		zap.String("session_id", id),
		zap.String("title", sess.Engine().Game().Title),
		zap.Int("live", live))
	h.fireHook(ctx, hook.SessionCreated, &hook.SessionEvent{
		ID:    id,
		Title: sess.Engine().Game().Title,
	})
	return id, nil
}

// fireHook 触发生命周期钩子，订阅者出错只记日志。
func (h *Hub) fireHook(ctx context.Context, event string, ev *hook.SessionEvent) {
	if _, err := h.hooks.Trigger(ctx, event, ev); err != nil {
		h.log.Warn("lifecycle hook failed",
			zap.String("event", event),
			zap.String("session_id", ev.ID),
			zap.Error(err))
	}
}

func (h *Hub) registerPresence(ctx context.Context, id string, sess *Session) {
	if h.presence == nil {
		return
	}
	meta, _ := json.Marshal(presenceMeta{
		Title:     sess.Engine().Game().Title,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	pctx, cancel := context.WithTimeout(ctx, presenceTimeout)
	defer cancel()
	ttl := h.cfg.IdleTTL
	if ttl <= 0 {
		ttl = 0 // 不过期
	}
	if _, err := h.presence.SetNX(pctx, presenceKey(id), string(meta), ttl); err != nil {
		h.log.Error("register presence failed",
			zap.String("session_id", id), zap.Error(err))
	}
}

// touchPresence 把在线键的有效期顺延一个 IdleTTL。
func (h *Hub) touchPresence(ctx context.Context, id string) {
	if h.presence == nil || h.cfg.IdleTTL <= 0 {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, presenceTimeout)
	defer cancel()
	if err := h.presence.Expire(pctx, presenceKey(id), h.cfg.IdleTTL); err != nil {
		h.log.Warn("touch presence failed",
			zap.String("session_id", id), zap.Error(err))
	}
}

func (h *Hub) get(id string) (*managed, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.sessions[id]
	return m, ok
}

// Do 在持有会话互斥锁的情况下执行 fn，并刷新活跃时间和在线键。
// 会话内部不加锁，所有外部访问都必须经过这里。
func (h *Hub) Do(ctx context.Context, id string, fn func(*Session) error) error {
	m, ok := h.get(id)
	if !ok {
		return ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeen = time.Now()
	h.touchPresence(ctx, id)
	return fn(m.sess)
}

// Remove 注销会话并删除在线键。持久化由调用方在 Remove 前完成。
func (h *Hub) Remove(ctx context.Context, id string) bool {
	return h.remove(ctx, id, hook.ReasonClosed)
}

func (h *Hub) remove(ctx context.Context, id, reason string) bool {
	h.mu.Lock()
	m, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if !ok {
		return false
	}
	if h.presence != nil {
		pctx, cancel := context.WithTimeout(ctx, presenceTimeout)
		defer cancel()
		if err := h.presence.Del(pctx, presenceKey(id)); err != nil {
			h.log.Warn("delete presence failed",
				zap.String("session_id", id), zap.Error(err))
		}
	}
	h.log.Info("session removed",
		zap.String("session_id", id), zap.String("reason", reason))
	h.fireHook(ctx, hook.SessionClosed, &hook.SessionEvent{
		ID:     id,
		Title:  m.sess.Engine().Game().Title,
		Reason: reason,
	})
	return true
}

// EvictIdle 回收闲置超过 IdleTTL 的会话，回收前尽力持久化。
// 返回回收数量，由调度器周期调用。
func (h *Hub) EvictIdle(ctx context.Context) int {
	if h.cfg.IdleTTL <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-h.cfg.IdleTTL)

	h.mu.RLock()
	candidates := make([]*managed, 0, len(h.sessions))
	for _, m := range h.sessions {
		candidates = append(candidates, m)
	}
	h.mu.RUnlock()

	evicted := 0
	for _, m := range candidates {
		m.mu.Lock()
		idle := m.lastSeen.Before(cutoff)
		if idle && m.sess.Opened() {
			if err := m.sess.PersistAll(ctx); err != nil {
				h.log.Warn("evict persist failed",
					zap.String("session_id", m.id), zap.Error(err))
			}
		}
		m.mu.Unlock()
		if idle && h.remove(ctx, m.id, hook.ReasonEvicted) {
			evicted++
		}
	}
	if evicted > 0 {
		h.log.Info("idle sessions evicted", zap.Int("count", evicted))
	}
	return evicted
}

// AutosaveAll 对所有活动会话执行一轮尽力持久化，返回成功数。
// 单个会话失败只记日志，不影响其余会话。
func (h *Hub) AutosaveAll(ctx context.Context) int {
	h.mu.RLock()
	all := make([]*managed, 0, len(h.sessions))
	for _, m := range h.sessions {
		all = append(all, m)
	}
	h.mu.RUnlock()

	saved := 0
	for _, m := range all {
		m.mu.Lock()
		if m.sess.Opened() {
			if err := m.sess.PersistAll(ctx); err != nil {
				h.log.Warn("autosave failed",
					zap.String("session_id", m.id), zap.Error(err))
			} else {
				saved++
			}
		}
		m.mu.Unlock()
	}
	return saved
}

// CloseAll 持久化并注销全部会话，服务退出时调用。
func (h *Hub) CloseAll(ctx context.Context) {
	h.mu.Lock()
	all := make([]*managed, 0, len(h.sessions))
	for _, m := range h.sessions {
		all = append(all, m)
	}
	h.sessions = make(map[string]*managed)
	h.mu.Unlock()

	h.log.Info("closing all sessions", zap.Int("count", len(all)))
	for _, m := range all {
		m.mu.Lock()
		if m.sess.Opened() {
			if err := m.sess.PersistAll(ctx); err != nil {
				h.log.Warn("close persist failed",
					zap.String("session_id", m.id), zap.Error(err))
			}
		}
		m.mu.Unlock()
		if h.presence != nil {
			pctx, cancel := context.WithTimeout(ctx, presenceTimeout)
			_ = h.presence.Del(pctx, presenceKey(m.id))
			cancel()
		}
		h.fireHook(ctx, hook.SessionClosed, &hook.SessionEvent{
			ID:     m.id,
			Title:  m.sess.Engine().Game().Title,
			Reason: hook.ReasonShutdown,
		})
	}
}

// Len 返回活动会话数。
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// IDs 返回全部活动会话 id，字典序。
func (h *Hub) IDs() []string {
	h.mu.RLock()
	out := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		out = append(out, id)
	}
	h.mu.RUnlock()
	sort.Strings(out)
	return out
}

// SessionInfo 活动会话的概要，给运维接口用。
type SessionInfo struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Steps    int       `json:"steps"`
	LastSeen time.Time `json:"last_seen"`
}

// Snapshot 返回全部活动会话的概要信息，按 id 字典序。
func (h *Hub) Snapshot() []SessionInfo {
	h.mu.RLock()
	all := make([]*managed, 0, len(h.sessions))
	for _, m := range h.sessions {
		all = append(all, m)
	}
	h.mu.RUnlock()

	out := make([]SessionInfo, 0, len(all))
	for _, m := range all {
		m.mu.Lock()
		info := SessionInfo{
			ID:       m.id,
			Title:    m.sess.Engine().Game().Title,
			LastSeen: m.lastSeen,
		}
		if m.sess.Opened() {
			info.Steps = m.sess.HistoryLen()
		}
		m.mu.Unlock()
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
