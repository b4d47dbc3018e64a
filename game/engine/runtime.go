package engine

import (
	"github.com/641i130/Ayaka/script"
	"github.com/641i130/Ayaka/story"
)

// ---- 前端类型 ----

// Frontend 渲染前端的种类，随分发载荷传给插件，
// 插件据此决定产出纯文本还是标记文本。
type Frontend uint8

const (
	FrontendText Frontend = iota
	FrontendHTML
)

// String 返回线上名称。
func (f Frontend) String() string {
	if f == FrontendHTML {
		return "html"
	}
	return "text"
}

// ParseFrontend 解析配置值，未知值回落为纯文本前端。
func ParseFrontend(s string) Frontend {
	if s == "html" {
		return FrontendHTML
	}
	return FrontendText
}

// ---- 分发载荷与结果 ----

// TextDispatch 文本命令分发载荷：已求值的参数串加游戏元数据。
type TextDispatch struct {
	Args      []string
	GameProps map[string]string
	Frontend  Frontend
}

// TextResult 文本命令处理结果，并入插值累加器。
type TextResult struct {
	Fragments []Fragment
	Vars      script.VarMap
}

// LineDispatch 行命令分发载荷：完整属性表与当前光标快照。
type LineDispatch struct {
	GameProps map[string]string
	Frontend  Frontend
	Cursor    story.Cursor
	Props     script.VarMap
}

// LineResult 行命令处理结果：Locals 并入光标局部变量，
// Vars 成为该行渲染出的自定义变量。
type LineResult struct {
	Locals script.VarMap
	Vars   script.VarMap
}

// ActionDispatch 动作后处理载荷。
type ActionDispatch struct {
	GameProps map[string]string
	Frontend  Frontend
	Cursor    story.Cursor
	Action    ActionText
}

// GameDispatch 游戏预处理载荷，加载期调用一次。
type GameDispatch struct {
	Title    string
	Author   string
	Props    map[string]string
	Frontend Frontend
}

// ---- Runtime 接口 ----

// Runtime 插件子系统暴露给引擎的能力面。引擎只通过它分发，
// 从不导入具体实现。文本命令缺席是允许的（Has 返回 false 即跳过），
// 行命令缺席由引擎判定为硬错误。
type Runtime interface {
	// HasTextCommand 查询文本命令处理器是否存在。
	HasTextCommand(name string) bool
	// DispatchText 调用文本命令处理器。
	DispatchText(name string, d TextDispatch) (TextResult, error)
	// HasLineCommand 查询行命令处理器是否存在。
	HasLineCommand(name string) bool
	// DispatchLine 调用行命令处理器。
	DispatchLine(name string, d LineDispatch) (LineResult, error)
	// ProcessAction 按注册顺序跑完动作后处理链。
	ProcessAction(d ActionDispatch) (ActionText, error)
	// ProcessGame 返回游戏元数据补丁，覆盖合并进 Config.Props。
	ProcessGame(d GameDispatch) (map[string]string, error)
}

// nopRuntime 空实现：无任何处理器，动作后处理原样返回。
type nopRuntime struct{}

func (nopRuntime) HasTextCommand(string) bool { return false }

func (nopRuntime) DispatchText(string, TextDispatch) (TextResult, error) {
	return TextResult{}, nil
}

func (nopRuntime) HasLineCommand(string) bool { return false }

func (nopRuntime) DispatchLine(string, LineDispatch) (LineResult, error) {
	return LineResult{}, nil
}

func (nopRuntime) ProcessAction(d ActionDispatch) (ActionText, error) {
	return d.Action, nil
}

func (nopRuntime) ProcessGame(GameDispatch) (map[string]string, error) {
	return nil, nil
}

// NopRuntime 返回不装任何插件时使用的空运行时。
func NopRuntime() Runtime { return nopRuntime{} }
