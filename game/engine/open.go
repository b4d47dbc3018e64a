package engine

import (
	"go.uber.org/zap"

	"github.com/641i130/Ayaka/story"
)

// ---- 加载里程碑 ----

// MilestoneKind 加载阶段的有序枚举，观察者按此顺序收到通知。
type MilestoneKind uint8

const (
	MilestoneLoadProfile MilestoneKind = iota
	MilestoneCreateRuntime
	MilestoneLoadPlugin
	MilestoneGamePlugin
	MilestoneLoadResource
	MilestoneLoadParagraph
)

// String 返回阶段名。
func (k MilestoneKind) String() string {
	switch k {
	case MilestoneLoadProfile:
		return "load_profile"
	case MilestoneCreateRuntime:
		return "create_runtime"
	case MilestoneLoadPlugin:
		return "load_plugin"
	case MilestoneGamePlugin:
		return "game_plugin"
	case MilestoneLoadResource:
		return "load_resource"
	case MilestoneLoadParagraph:
		return "load_paragraph"
	}
	return "unknown"
}

// Milestone 一次加载进度通知。Plugin/Index/Total 仅在
// MilestoneLoadPlugin 阶段有效。
type Milestone struct {
	Kind   MilestoneKind `json:"kind"`
	Plugin string        `json:"plugin,omitempty"`
	Index  int           `json:"index,omitempty"`
	Total  int           `json:"total,omitempty"`
}

// ProgressFunc 接收加载进度，传 nil 表示不关心。
type ProgressFunc func(Milestone)

// RuntimeLoader 构造插件运行时，每装载一个插件经 report 汇报一次
// （name 为插件名，index 从 0 起，total 为总数）。引擎不导入插件包，
// 由调用方（main）把具体实现注进来。
type RuntimeLoader func(report func(name string, index, total int)) (Runtime, error)

// ---- 打开 ----

// Open 按固定阶段顺序装配执行上下文：读取故事配置、创建插件运行时并
// 逐个装载插件、执行游戏预处理（元数据补丁覆盖合并进 Props）、加载
// 资源表、加载段落表。任一阶段失败都立即返回错误。
func Open(root string, frontend Frontend, loadRuntime RuntimeLoader, progress ProgressFunc, log *zap.Logger) (*Context, error) {
	if log == nil {
		log = zap.NewNop()
	}
	report := func(m Milestone) {
		if progress != nil {
			progress(m)
		}
	}
	loader := story.NewLoader(root, log)

	report(Milestone{Kind: MilestoneLoadProfile})
	cfg, err := loader.LoadConfig()
	if err != nil {
		return nil, err
	}

	report(Milestone{Kind: MilestoneCreateRuntime})
	runtime := NopRuntime()
	if loadRuntime != nil {
		runtime, err = loadRuntime(func(name string, index, total int) {
			report(Milestone{Kind: MilestoneLoadPlugin, Plugin: name, Index: index, Total: total})
		})
		if err != nil {
			return nil, err
		}
	}

	report(Milestone{Kind: MilestoneGamePlugin})
	patch, err := runtime.ProcessGame(GameDispatch{
		Title:    cfg.Title,
		Author:   cfg.Author,
		Props:    cfg.Props,
		Frontend: frontend,
	})
	if err != nil {
		return nil, err
	}
	if len(patch) > 0 {
		if cfg.Props == nil {
			cfg.Props = map[string]string{}
		}
		for k, v := range patch {
			cfg.Props[k] = v
		}
	}

	report(Milestone{Kind: MilestoneLoadResource})
	res, err := loader.LoadRes(cfg)
	if err != nil {
		return nil, err
	}

	report(Milestone{Kind: MilestoneLoadParagraph})
	paras, err := loader.LoadParas(cfg)
	if err != nil {
		return nil, err
	}

	game := story.Build(cfg, paras, res, log)
	return New(game, runtime, frontend, log), nil
}
