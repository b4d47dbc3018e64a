package engine

import (
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/641i130/Ayaka/script"
	"github.com/641i130/Ayaka/story"
)

// ---- 错误哨兵 ----

var (
	// ErrMismatchedAction 双语两侧解出不同的动作变体。
	ErrMismatchedAction = errors.New("engine: mismatched action variants")
	// ErrNoLineHandler 自定义行命令没有对应的处理器。
	ErrNoLineHandler = errors.New("engine: no line command handler")
)

// ---- 执行上下文 ----

// Context 引擎执行上下文：持有只读的故事模型、插件运行时和唯一可变
// 光标。单写者模型，内部不加锁，并发调用由上层（会话）串行化。
//
// switches 与 vars 是 Advance 处理当前行时留下的暂存：switches 记录
// 待决开关行各选项的可用标志，vars 记录自定义行分发返回的变量，
// GetAction 渲染该行时读取。
type Context struct {
	game     *story.Game
	runtime  Runtime
	frontend Frontend
	log      *zap.Logger

	cursor   story.Cursor
	switches []bool
	vars     script.VarMap
}

// New 创建执行上下文，光标落在故事的起始段落。
// runtime 传 nil 时使用空运行时，log 传 nil 时不输出日志。
func New(game *story.Game, runtime Runtime, frontend Frontend, log *zap.Logger) *Context {
	if runtime == nil {
		runtime = NopRuntime()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Context{
		game:     game,
		runtime:  runtime,
		frontend: frontend,
		log:      log,
		cursor:   game.StartCursor(),
		vars:     script.VarMap{},
	}
}

// Game 返回故事模型。
func (c *Context) Game() *story.Game { return c.game }

// Fork 派生一个新上下文：共享只读的故事模型与插件运行时，
// 光标独立并落回起始段落。服务端为每个会话派生一份。
func (c *Context) Fork() *Context {
	return New(c.game, c.runtime, c.frontend, c.log)
}

// Frontend 返回前端类型。
func (c *Context) Frontend() Frontend { return c.frontend }

// Cursor 返回当前光标的深拷贝。
func (c *Context) Cursor() story.Cursor { return c.cursor.Clone() }

// SetCursor 安装光标（读档或回退时使用），暂存状态一并清空。
func (c *Context) SetCursor(cur story.Cursor) {
	c.cursor = cur.Clone()
	c.switches = nil
	c.vars = script.VarMap{}
}

// SetStartCursor 把光标重置到起始段落。
func (c *Context) SetStartCursor() {
	c.SetCursor(c.game.StartCursor())
}

// Switches 返回待决开关行的可用标志副本。
func (c *Context) Switches() []bool {
	out := make([]bool, len(c.switches))
	copy(out, c.switches)
	return out
}

// ---- 推进 ----

// Advance 把故事推进一步。在基准语言上解析段落，循环处理三种情形：
// 段落存在且当前行有效则停下；段落耗尽则求值 next 表达式并把行号归零；
// 段落缺失则在顶层结束故事（非空段落名记录错误日志），否则爬升一级
// （基准段落提升为当前段落）。
//
// 找到的行经 processLine 处理（开关行重建可用标志，自定义行严格分发）；
// 返回自增前的光标快照。整个过程在光标的临时副本上进行，仅在成功时
// 提交，失败时入参光标保持原样，调用方可以重试。
//
// 返回值：(快照, true, nil) 成功；(零值, false, nil) 故事结束；
// (零值, false, err) 该步失败。
func (c *Context) Advance() (story.Cursor, bool, error) {
	baseLang := c.game.Config.BaseLang
	scratch := c.cursor.Clone()

	var line script.Line
	for {
		para := c.game.FindPara(baseLang, scratch.BasePara, scratch.Para)
		if para != nil {
			if scratch.Act < len(para.Texts) {
				line = para.Texts[scratch.Act]
				break
			}
			scratch.Para = c.evalNext(para.Next, scratch.Locals)
			scratch.Act = 0
			continue
		}
		if scratch.BasePara == scratch.Para {
			if scratch.Para != "" {
				c.log.Error("paragraph not found",
					zap.String("para", scratch.Para),
					zap.String("lang", baseLang))
			}
			return story.Cursor{}, false, nil
		}
		scratch.BasePara = scratch.Para
	}

	if err := c.processLine(line, &scratch); err != nil {
		return story.Cursor{}, false, err
	}

	snapshot := scratch.Clone()
	scratch.Act++
	c.cursor = scratch
	return snapshot, true, nil
}

// processLine 处理推进停在的行。文本行与空行无事可做；开关行按保留键
// 约定重建可用标志（键缺失或为 unit 视为可用，否则按布尔强制转换）；
// 自定义行必须命中行命令处理器，否则整步失败。
func (c *Context) processLine(line script.Line, scratch *story.Cursor) error {
	switch line.Kind {
	case script.LineEmpty, script.LineText:
	case script.LineSwitch:
		c.switches = c.switches[:0]
		for i := range line.Switches {
			enabled := true
			if v, ok := scratch.Locals[strconv.Itoa(i)]; ok && !v.IsUnit() {
				enabled = v.AsBool()
			}
			c.switches = append(c.switches, enabled)
		}
	case script.LineCustom:
		c.vars = script.VarMap{}
		if line.Cmd == "" {
			return nil
		}
		if !c.runtime.HasLineCommand(line.Cmd) {
			return fmt.Errorf("%w: %q", ErrNoLineHandler, line.Cmd)
		}
		res, err := c.runtime.DispatchLine(line.Cmd, LineDispatch{
			GameProps: c.game.Config.Props,
			Frontend:  c.frontend,
			Cursor:    scratch.Clone(),
			Props:     line.Props,
		})
		if err != nil {
			return fmt.Errorf("engine: dispatch line %q: %w", line.Cmd, err)
		}
		scratch.Locals.Merge(res.Locals)
		c.vars.Merge(res.Vars)
	}
	return nil
}

// ---- 开关选择 ----

// Switch 选定待决开关的第 i 项。选择越界或不可用的项属于调用方
// 违约，直接 panic。选择结果写入保留键 "?"，各选项的可用标志键清除。
func (c *Context) Switch(i int) {
	if i < 0 || i >= len(c.switches) {
		panic(fmt.Sprintf("engine: switch index %d out of range [0,%d)", i, len(c.switches)))
	}
	if !c.switches[i] {
		panic(fmt.Sprintf("engine: switch %d is disabled", i))
	}
	if c.cursor.Locals == nil {
		c.cursor.Locals = script.VarMap{}
	}
	c.cursor.Locals["?"] = script.Num(int64(i))
	for idx := range c.switches {
		delete(c.cursor.Locals, strconv.Itoa(idx))
	}
}

// ---- 标题 ----

// CurrentTitle 经语言回退取当前段落标题，两侧皆无返回空串。
func (c *Context) CurrentTitle(locale string) string {
	fb := c.game.FindParaFallback(locale, c.cursor.BasePara, c.cursor.Para)
	title, _ := story.AndThen(fb, func(p *story.Paragraph) (string, bool) {
		return p.Title, p.Title != ""
	})
	return title
}
