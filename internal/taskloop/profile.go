package taskloop

import "github.com/ouroboros-agent/ouroboros/internal/llm"

// Profile is spec §3's ModelProfile: a model id, effort floor, and default
// token ceiling keyed by task-intent tag.
type Profile struct {
	ModelID          string
	Effort           llm.Effort
	DefaultMaxTokens int
}

// Profile tag names the loop selects between (spec §4.5 step 1).
const (
	ProfileDefault       = "default"
	ProfileLight         = "light"
	ProfileCodeTask      = "code_task"
	ProfileAnalysis      = "analysis"
	ProfileConsciousness = "consciousness"
)

// ProfileSet is the full configured mapping, loaded from env config.
type ProfileSet map[string]Profile

// SelectForTaskType returns the profile tag spec §4.5 step 1 assigns a task
// type: analysis/review -> analysis, code -> code_task, consciousness ->
// consciousness, else default. Task.Type as modeled in internal/task only
// carries {chat, evolution, review, scheduled}; "code" and "consciousness"
// intents are inferred by the caller from task content and passed in
// directly, so SelectForTaskType takes the tag rather than a task.Type.
func (s ProfileSet) SelectForTaskType(tag string) Profile {
	if p, ok := s[tag]; ok {
		return p
	}
	return s[ProfileDefault]
}
