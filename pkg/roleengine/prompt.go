package roleengine

import (
	"fmt"
	"strings"

	"github.com/swarmassistant/swarmd/pkg/models"
)

// SkillByteBudget caps the total bytes of skill bodies included in a
// prompt. Skill headers are exempt from the budget.
const SkillByteBudget = 4000

// Skill is a reusable instruction snippet matched to a task.
type Skill struct {
	Name string
	Body string
}

// roleSystemPrompts are the per-role framing instructions.
var roleSystemPrompts = map[models.SwarmRole]string{
	models.RolePlanner: "You are the planner. Produce a concrete, ordered implementation plan " +
		"for the task below. Emit one step per line. To decompose work into sub-tasks, " +
		"emit lines of the form SUBTASK: <title>|<description>.",
	models.RoleBuilder: "You are the builder. Implement the task below following the plan. " +
		"Report what you changed and why.",
	models.RoleReviewer: "You are the reviewer. Inspect the build output against the plan and task. " +
		"Start your response with VERDICT: APPROVED or VERDICT: REJECTED, then justify.",
	models.RoleResearcher: "You are the researcher. Gather the background needed for the task below " +
		"and summarize findings with sources.",
	models.RoleDebugger: "You are the debugger. Diagnose the failure described below and propose a fix.",
	models.RoleTester:   "You are the tester. Exercise the change described below and report defects.",
}

// skillRoles are the roles whose prompts carry matched skills.
var skillRoles = map[models.SwarmRole]bool{
	models.RoleBuilder:  true,
	models.RoleReviewer: true,
	models.RolePlanner:  true,
}

// BuildPrompt assembles the prompt for a non-orchestrator role from the
// task, its carried context, and any matched skills.
func BuildPrompt(task models.ExecuteRoleTask, skills []Skill) string {
	var b strings.Builder

	if system, ok := roleSystemPrompts[task.Role]; ok {
		b.WriteString(system)
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "Task: %s\n", task.Title)
	if task.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", task.Description)
	}
	if task.Plan != "" && (task.Role == models.RoleBuilder || task.Role == models.RoleReviewer) {
		b.WriteString("\nImplementation plan:\n")
		b.WriteString(task.Plan)
		b.WriteString("\n")
	}
	if task.Feedback != "" {
		b.WriteString("\nReview feedback to address:\n")
		b.WriteString(task.Feedback)
		b.WriteString("\n")
	}
	if task.StrategyAdvice != "" {
		b.WriteString("\nStrategy advice from earlier runs:\n")
		b.WriteString(task.StrategyAdvice)
		b.WriteString("\n")
	}
	if task.CodeContext != "" {
		b.WriteString("\nRelevant code context:\n")
		b.WriteString(task.CodeContext)
		b.WriteString("\n")
	}
	if task.ProjectContext != "" {
		b.WriteString("\nProject context:\n")
		b.WriteString(task.ProjectContext)
		b.WriteString("\n")
	}
	if skillRoles[task.Role] && len(skills) > 0 {
		writeSkills(&b, skills)
	}
	return strings.TrimRight(b.String(), "\n")
}

// writeSkills appends skill sections until the body budget is spent. The
// skill that crosses the budget is truncated; later skills contribute
// only their header.
func writeSkills(b *strings.Builder, skills []Skill) {
	b.WriteString("\nMatched skills:\n")
	remaining := SkillByteBudget
	for _, skill := range skills {
		fmt.Fprintf(b, "## %s\n", skill.Name)
		if remaining <= 0 {
			continue
		}
		body := skill.Body
		if len(body) > remaining {
			body = body[:remaining]
		}
		remaining -= len(body)
		b.WriteString(body)
		b.WriteString("\n")
	}
}

// BuildOrchestratorPrompt assembles the distinct orchestrator prompt: the
// task, the serialized planner analysis, and a compact blackboard digest.
// The expected reply format is ACTION: <Name> followed by REASON: <text>.
func BuildOrchestratorPrompt(task models.ExecuteRoleTask, goapAnalysis, blackboardDigest string) string {
	var b strings.Builder
	b.WriteString("You are the orchestrator. Decide the next action for the task below.\n")
	b.WriteString("Reply with exactly two lines:\nACTION: <Name>\nREASON: <text>\n\n")
	fmt.Fprintf(&b, "Task: %s\n", task.Title)
	if task.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", task.Description)
	}
	if goapAnalysis != "" {
		b.WriteString("\nPlanner analysis:\n")
		b.WriteString(goapAnalysis)
		b.WriteString("\n")
	}
	if blackboardDigest != "" {
		b.WriteString("\nBlackboard:\n")
		b.WriteString(blackboardDigest)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
