// internal/models/run.go
package models

// RunStatus 一次流水线执行的状态机状态
type RunStatus string

const (
	RunStatusCreated                   RunStatus = "created"
	RunStatusExtractingCharacters      RunStatus = "extracting_characters"
	RunStatusGeneratingCharacterImages RunStatus = "generating_character_images"
	RunStatusSplittingScenes           RunStatus = "splitting_scenes"
	RunStatusGeneratingSceneImages     RunStatus = "generating_scene_images"
	// RunStatusCompleted 唯一的成功终态：所有子任务均已完成且无失败记录
	RunStatusCompleted RunStatus = "completed"
	// RunStatusPartiallyFailed 部分子任务耗尽重试，非终态，可通过恢复继续推进
	RunStatusPartiallyFailed RunStatus = "partially_failed"
	// RunStatusFailed 在任何角色产生之前的阶段级失败，仅留下骨架
	RunStatusFailed RunStatus = "failed"
)

// Terminal 是否为不再推进的状态
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// 工作流阶段名，进度事件与失败记录共用
const (
	StageInitialize      = "initialize"
	StageExtractChars    = "extract_characters"
	StageCharacterImages = "character_images"
	StageSplitScenes     = "split_scenes"
	StageSceneEnrichment = "scene_enrichment"
	StagePersist         = "persist"
)

// SubUnitFailure 记录一个子任务的永久失败
// 子任务指可独立重试的最小工作单元：一个角色的基准图、一个场景的提示词+配图
type SubUnitFailure struct {
	Stage      string `json:"stage"`
	EntityID   string `json:"entity_id"`
	EntityName string `json:"entity_name"`
	Reason     string `json:"reason"`
}

// RunResult 一次执行的结果：部分完成的小说 + 明确的失败清单，绝不静默吞掉部分失败
type RunResult struct {
	Novel    *Novel           `json:"novel"`
	Status   RunStatus        `json:"status"`
	Failures []SubUnitFailure `json:"failures,omitempty"`
	// Mismatches 选角名无法解析到已有角色的记录，始终非致命
	Mismatches []string `json:"mismatches,omitempty"`
}

// ProgressEvent 进度通知载荷，在阶段进出与每个子任务完成时发出
type ProgressEvent struct {
	NovelID string `json:"novel_id"`
	Stage   string `json:"stage"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
}
