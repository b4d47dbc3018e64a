// Package session 编排单个玩家的一局游戏：在导航引擎之上维护
// 历史与存档、全局已读账本和语言设置，并提供回退、续玩、存读档能力。
//
// 会话不做任何内部加锁，调用方需要串行访问（REST 层按会话持锁）。
package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/641i130/Ayaka/game/engine"
	"github.com/641i130/Ayaka/script"
	"github.com/641i130/Ayaka/story"
)

// OpenGameStatus 标记 OpenGame 的加载阶段，按固定顺序上报。
type OpenGameStatus uint8

const (
	StatusLoadSettings OpenGameStatus = iota
	StatusLoadGlobalRecords
	StatusLoadRecords
	StatusLoaded
)

// String 返回阶段的线上名称。
func (s OpenGameStatus) String() string {
	switch s {
	case StatusLoadSettings:
		return "load_settings"
	case StatusLoadGlobalRecords:
		return "load_global_records"
	case StatusLoadRecords:
		return "load_records"
	case StatusLoaded:
		return "loaded"
	}
	return "unknown"
}

// ProgressFunc 接收 OpenGame 各阶段的顺序回调。
type ProgressFunc func(OpenGameStatus)

// ActionPair 是主语言动作加可选副语言动作，用于双语显示。
type ActionPair struct {
	Primary engine.Action  `json:"primary"`
	Sub     *engine.Action `json:"sub,omitempty"`
}

// Session 把引擎、持久化存储和玩家状态绑成一局游戏。
// 除 Opened 和 Engine 外的方法都要求先完成 OpenGame，否则 panic。
type Session struct {
	eng   *engine.Context
	store Store
	log   *zap.Logger

	opened   bool
	settings Settings
	defaults Settings
	records  []ActionRecord
	current  ActionRecord
	curRun   *story.Cursor // 当前显示位置；引擎光标总是指向它的下一步
	global   *GlobalRecord
}

// New 创建会话，接受 Store 接口以支持测试 mock。store 为 nil 时使用内存存储。
func New(eng *engine.Context, store Store, log *zap.Logger) *Session {
	if store == nil {
		store = NewMemoryStore()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{eng: eng, store: store, log: log}
}

// SetDefaultSettings 设定部署级的默认语言偏好。只有存储里完全没有
// 既有设置时 OpenGame 才会采用这里的值，须在 OpenGame 之前调用。
func (s *Session) SetDefaultSettings(st Settings) { s.defaults = st }

// Opened 报告 OpenGame 是否已完成。
func (s *Session) Opened() bool { return s.opened }

// Engine 返回底层引擎上下文。
func (s *Session) Engine() *engine.Context { return s.eng }

func (s *Session) mustOpened() {
	if !s.opened {
		panic("session: used before OpenGame")
	}
}

// ---- 加载 ----

// OpenGame 从存储装载设置、全局账本和存档列表。任何一项装载失败都
// 记日志并回落到空白默认值，因此 OpenGame 本身不会失败。
func (s *Session) OpenGame(ctx context.Context, progress ProgressFunc) {
	report := func(st OpenGameStatus) {
		if progress != nil {
			progress(st)
		}
	}
	game := s.eng.Game()

	report(StatusLoadSettings)
	st, ok, err := s.store.LoadSettings(ctx)
	if err != nil {
		s.log.Warn("load settings failed, using defaults", zap.Error(err))
		st, ok = Settings{}, false
	}
	if !ok {
		st = s.defaults
	}
	if st.Lang == "" {
		st.Lang = game.BaseLang
	}
	s.settings = st

	report(StatusLoadGlobalRecords)
	g, ok, err := s.store.LoadGlobalRecord(ctx, game.Title)
	if err != nil {
		s.log.Warn("load global record failed, starting fresh", zap.Error(err))
		g = nil
	} else if !ok {
		g = nil
	}
	if g == nil {
		g = NewGlobalRecord()
	}
	s.global = g

	report(StatusLoadRecords)
	recs, err := s.store.LoadRecords(ctx, game.Title)
	if err != nil {
		s.log.Warn("load records failed, starting fresh", zap.Error(err))
		recs = nil
	}
	s.records = recs

	s.opened = true
	report(StatusLoaded)
}

// ---- 导航 ----

// StartNew 从头开始新的一局：清空当前历史，引擎回到起始段落。
func (s *Session) StartNew() {
	s.mustOpened()
	s.current = ActionRecord{}
	s.curRun = nil
	s.eng.SetStartCursor()
}

// ResumeFrom 从一条记录继续：历史原样装入，显示位置回到最后一条快照，
// 引擎从它的下一行接着走。空记录等价于 StartNew。
func (s *Session) ResumeFrom(rec ActionRecord) {
	s.mustOpened()
	if len(rec.History) == 0 {
		s.StartNew()
		return
	}
	s.current = rec.Clone()
	last := s.current.History[len(s.current.History)-1].Clone()
	s.curRun = &last
	resume := last.Clone()
	resume.Act++
	s.eng.SetCursor(resume)
}

// ResumeSlot 从指定存档槽位继续。
func (s *Session) ResumeSlot(slot int) error {
	s.mustOpened()
	if slot < 0 || slot >= len(s.records) {
		return fmt.Errorf("session: no record in slot %d", slot)
	}
	s.ResumeFrom(s.records[slot])
	return nil
}

// Step 推进一步。产生快照时更新全局账本，文本行另外计入历史；
// 故事结束时清空当前显示位置并返回 false。
// 出错时引擎光标和历史都保持原样，可以直接重试。
func (s *Session) Step() (story.Cursor, bool, error) {
	s.mustOpened()
	snap, ok, err := s.eng.Advance()
	if err != nil {
		return story.Cursor{}, false, err
	}
	if !ok {
		s.curRun = nil
		return story.Cursor{}, false, nil
	}
	if s.isTextRun(snap) {
		s.current.History = append(s.current.History, snap.Clone())
	}
	s.global.Update(snap)
	cur := snap.Clone()
	s.curRun = &cur
	return snap, true, nil
}

// GoBack 撤销一步：弹出最后一条历史，显示位置回到新的末条，
// 引擎改从它的下一行继续。历史不足两条时不动作并返回 false。
func (s *Session) GoBack() bool {
	s.mustOpened()
	n := len(s.current.History)
	if n <= 1 {
		return false
	}
	popped := s.current.History[n-1]
	s.current.History = s.current.History[:n-1]
	last := s.current.History[n-2].Clone()
	s.curRun = &last
	resume := last.Clone()
	resume.Act++
	s.eng.SetCursor(resume)
	s.log.Debug("go back",
		zap.String("para", popped.Para), zap.Int("act", popped.Act))
	return true
}

// SelectSwitch 选择当前分支的选项。禁用或越界的序号按约定 panic。
func (s *Session) SelectSwitch(i int) {
	s.mustOpened()
	s.eng.Switch(i)
}

// Switches 返回最近一条分支行的可用标志。
func (s *Session) Switches() []bool {
	s.mustOpened()
	return s.eng.Switches()
}

// isTextRun 判断快照指向的基准语言行是否文本行，只有文本行进历史。
func (s *Session) isTextRun(cur story.Cursor) bool {
	game := s.eng.Game()
	para := game.FindPara(game.BaseLang, cur.BasePara, cur.Para)
	if para == nil || cur.Act < 0 || cur.Act >= len(para.Texts) {
		return false
	}
	return para.Texts[cur.Act].Kind == script.LineText
}

// ---- 查询 ----

// CurrentRun 返回当前显示位置。故事结束或尚未推进时 ok 为 false。
func (s *Session) CurrentRun() (story.Cursor, bool) {
	s.mustOpened()
	if s.curRun == nil {
		return story.Cursor{}, false
	}
	return s.curRun.Clone(), true
}

// CurrentActions 渲染当前显示位置的动作对。尚无显示位置时 ok 为 false。
func (s *Session) CurrentActions() (ActionPair, bool, error) {
	s.mustOpened()
	if s.curRun == nil {
		return ActionPair{}, false, nil
	}
	pair, err := s.actionsAt(*s.curRun)
	if err != nil {
		return ActionPair{}, true, err
	}
	return pair, true, nil
}

// actionsAt 按当前设置渲染动作对。主语言失败即失败，
// 副语言只是陪衬，失败记日志后省略。
func (s *Session) actionsAt(cur story.Cursor) (ActionPair, error) {
	game := s.eng.Game()
	primary, err := s.eng.GetAction(game.ResolveLocale(s.settings.Lang), cur)
	if err != nil {
		return ActionPair{}, err
	}
	pair := ActionPair{Primary: primary}
	if s.settings.SubLang != "" {
		sub, err := s.eng.GetAction(game.ResolveLocale(s.settings.SubLang), cur)
		if err != nil {
			s.log.Warn("sub locale action failed",
				zap.String("sub_lang", s.settings.SubLang), zap.Error(err))
		} else {
			pair.Sub = &sub
		}
	}
	return pair, nil
}

// CurrentHistory 渲染历史里每个位置的动作对，按产生顺序。
// 单条渲染失败以空动作占位并记日志，不中断整个列表。
func (s *Session) CurrentHistory() []ActionPair {
	s.mustOpened()
	out := make([]ActionPair, 0, len(s.current.History))
	for _, cur := range s.current.History {
		pair, err := s.actionsAt(cur)
		if err != nil {
			s.log.Warn("history action failed",
				zap.String("para", cur.Para), zap.Int("act", cur.Act), zap.Error(err))
			pair = ActionPair{}
		}
		out = append(out, pair)
	}
	return out
}

// History 返回当前历史的深拷贝。
func (s *Session) History() ActionRecord {
	s.mustOpened()
	return s.current.Clone()
}

// HistoryLen 返回当前历史条数。
func (s *Session) HistoryLen() int {
	s.mustOpened()
	return len(s.current.History)
}

// CanGoBack 报告 GoBack 是否会有动作。
func (s *Session) CanGoBack() bool {
	s.mustOpened()
	return len(s.current.History) > 1
}

// CurrentTitle 返回引擎光标所在段落的标题，按主语言回退解析。
func (s *Session) CurrentTitle() string {
	s.mustOpened()
	return s.eng.CurrentTitle(s.eng.Game().ResolveLocale(s.settings.Lang))
}

// CurrentVisited 报告当前显示位置是否已读。
func (s *Session) CurrentVisited() bool {
	s.mustOpened()
	if s.curRun == nil {
		return false
	}
	return s.global.Visited(*s.curRun)
}

// Global 返回全局账本，行命令插件通过它累积跨周目数据。
func (s *Session) Global() *GlobalRecord {
	s.mustOpened()
	return s.global
}

// ---- 存档 ----

// SaveTo 把当前历史存入槽位；槽位越界则追加到末尾。
func (s *Session) SaveTo(slot int) {
	s.mustOpened()
	rec := s.current.Clone()
	if slot >= 0 && slot < len(s.records) {
		s.records[slot] = rec
		return
	}
	s.records = append(s.records, rec)
}

// Records 返回全部存档的深拷贝。
func (s *Session) Records() []ActionRecord {
	s.mustOpened()
	out := make([]ActionRecord, len(s.records))
	for i, r := range s.records {
		out[i] = r.Clone()
	}
	return out
}

// RecordsText 渲染每个存档末条快照的文本动作，供读档界面预览。
// 空存档、渲染失败或末条不是文本行时以空文本占位。
func (s *Session) RecordsText() []engine.ActionText {
	s.mustOpened()
	loc := s.eng.Game().ResolveLocale(s.settings.Lang)
	out := make([]engine.ActionText, 0, len(s.records))
	for i, rec := range s.records {
		var at engine.ActionText
		if last, ok := rec.Last(); ok {
			act, err := s.eng.GetAction(loc, last)
			switch {
			case err != nil:
				s.log.Warn("record preview failed", zap.Int("slot", i), zap.Error(err))
			case act.Kind != engine.ActionKindText:
				s.log.Warn("record does not end on a text line", zap.Int("slot", i))
			default:
				at = act.Text
			}
		}
		out = append(out, at)
	}
	return out
}

// PersistAll 把设置、全局账本和全部存档写入存储。
func (s *Session) PersistAll(ctx context.Context) error {
	s.mustOpened()
	title := s.eng.Game().Title
	if err := s.store.SaveSettings(ctx, s.settings); err != nil {
		return fmt.Errorf("session: save settings: %w", err)
	}
	if err := s.store.SaveGlobalRecord(ctx, title, s.global); err != nil {
		return fmt.Errorf("session: save global record: %w", err)
	}
	if err := s.store.SaveRecords(ctx, title, s.records); err != nil {
		return fmt.Errorf("session: save records: %w", err)
	}
	return nil
}

// ---- 设置 ----

// Settings 返回当前设置。
func (s *Session) Settings() Settings {
	s.mustOpened()
	return s.settings
}

// SetSettings 更新语言偏好；Lang 为空回落到基准语言。
// 持久化由 PersistAll 负责。
func (s *Session) SetSettings(st Settings) {
	s.mustOpened()
	if st.Lang == "" {
		st.Lang = s.eng.Game().BaseLang
	}
	s.settings = st
}

// AvailableLocales 返回故事提供的语言列表，基准语言在首位。
func (s *Session) AvailableLocales() []string {
	s.mustOpened()
	return s.eng.Game().Locales()
}
