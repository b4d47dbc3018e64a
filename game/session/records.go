package session

import (
	"encoding/json"

	"github.com/641i130/Ayaka/script"
	"github.com/641i130/Ayaka/story"
)

// Position 是去掉局部变量的故事位置，作为全局已读账本的键。
// 两次经过同一行即使局部变量不同也算同一位置。
type Position struct {
	BasePara string `json:"base_para"`
	Para     string `json:"para"`
	Act      int    `json:"act"`
}

// PositionOf 从光标提取位置键。
func PositionOf(cur story.Cursor) Position {
	return Position{BasePara: cur.BasePara, Para: cur.Para, Act: cur.Act}
}

// ActionRecord 是一条游玩记录：按产生顺序保存的光标快照序列。
// 即是运行中的历史，也是存档槽位里的内容。
type ActionRecord struct {
	History []story.Cursor `json:"history"`
}

// Clone 深拷贝整条记录，包括每个光标的局部变量。
func (r ActionRecord) Clone() ActionRecord {
	if len(r.History) == 0 {
		return ActionRecord{}
	}
	out := ActionRecord{History: make([]story.Cursor, len(r.History))}
	for i, cur := range r.History {
		out.History[i] = cur.Clone()
	}
	return out
}

// Last 返回最后一条快照（即最近渲染的位置）。
func (r ActionRecord) Last() (story.Cursor, bool) {
	if len(r.History) == 0 {
		return story.Cursor{}, false
	}
	return r.History[len(r.History)-1].Clone(), true
}

// ---- 全局记录 ----

// GlobalRecord 是单个故事的跨周目账本：按首次到达顺序记录的已读位置，
// 外加插件可写入的累积数据（如全局解锁标记）。
type GlobalRecord struct {
	positions []Position
	index     map[Position]struct{}

	// Data 跨周目累积的变量，由行命令插件写入。
	Data script.VarMap
}

// NewGlobalRecord 创建空账本。
func NewGlobalRecord() *GlobalRecord {
	return &GlobalRecord{index: map[Position]struct{}{}, Data: script.VarMap{}}
}

// RestoreGlobalRecord 从持久化数据重建账本并重建索引。
func RestoreGlobalRecord(visited []Position, data script.VarMap) *GlobalRecord {
	g := NewGlobalRecord()
	for _, p := range visited {
		g.add(p)
	}
	if data != nil {
		g.Data = data.Clone()
	}
	return g
}

func (g *GlobalRecord) add(p Position) {
	if _, ok := g.index[p]; ok {
		return
	}
	g.index[p] = struct{}{}
	g.positions = append(g.positions, p)
}

// Update 把光标对应的位置记入账本，重复到达不改变顺序。
func (g *GlobalRecord) Update(cur story.Cursor) {
	g.add(PositionOf(cur))
}

// Visited 报告光标对应的位置是否已读。
func (g *GlobalRecord) Visited(cur story.Cursor) bool {
	_, ok := g.index[PositionOf(cur)]
	return ok
}

// Positions 返回已读位置的副本，按首次到达顺序。
func (g *GlobalRecord) Positions() []Position {
	out := make([]Position, len(g.positions))
	copy(out, g.positions)
	return out
}

// Len 返回已读位置数。
func (g *GlobalRecord) Len() int { return len(g.positions) }

type wireGlobalRecord struct {
	Visited []Position    `json:"visited"`
	Data    script.VarMap `json:"data"`
}

// MarshalJSON 按 {"visited": [...], "data": {...}} 序列化。
func (g *GlobalRecord) MarshalJSON() ([]byte, error) {
	w := wireGlobalRecord{Visited: g.positions, Data: g.Data}
	if w.Visited == nil {
		w.Visited = []Position{}
	}
	if w.Data == nil {
		w.Data = script.VarMap{}
	}
	return json.Marshal(w)
}

// UnmarshalJSON 反序列化并重建索引。
func (g *GlobalRecord) UnmarshalJSON(data []byte) error {
	var w wireGlobalRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*g = *RestoreGlobalRecord(w.Visited, w.Data)
	return nil
}

// ---- 设置 ----

// Settings 保存玩家的语言偏好。SubLang 为空表示单语显示。
type Settings struct {
	Lang    string `json:"lang"`
	SubLang string `json:"sub_lang,omitempty"`
}
