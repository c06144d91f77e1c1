package roleengine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swarmassistant/swarmd/pkg/models"
)

func TestBuildPrompt_PlanOnlyForBuilderAndReviewer(t *testing.T) {
	task := models.ExecuteRoleTask{
		TaskID: "t1", Title: "Smoke", Description: "Verify", Plan: "1. do the thing",
	}

	task.Role = models.RoleBuilder
	assert.Contains(t, BuildPrompt(task, nil), "Implementation plan:")

	task.Role = models.RoleReviewer
	assert.Contains(t, BuildPrompt(task, nil), "Implementation plan:")

	task.Role = models.RolePlanner
	assert.NotContains(t, BuildPrompt(task, nil), "Implementation plan:")
}

func TestBuildPrompt_ContextSections(t *testing.T) {
	task := models.ExecuteRoleTask{
		TaskID: "t1", Role: models.RoleBuilder, Title: "Smoke",
		Feedback:       "fix the nil check",
		StrategyAdvice: "prefer small diffs",
		CodeContext:    "func main() {}",
		ProjectContext: "a Go service",
	}
	prompt := BuildPrompt(task, nil)
	assert.Contains(t, prompt, "Review feedback to address:\nfix the nil check")
	assert.Contains(t, prompt, "Strategy advice from earlier runs:\nprefer small diffs")
	assert.Contains(t, prompt, "Relevant code context:\nfunc main() {}")
	assert.Contains(t, prompt, "Project context:\na Go service")
}

func TestBuildPrompt_SkillsOnlyForSomeRoles(t *testing.T) {
	skills := []Skill{{Name: "go-style", Body: "use gofmt"}}
	task := models.ExecuteRoleTask{TaskID: "t1", Title: "Smoke"}

	for _, role := range []models.SwarmRole{models.RoleBuilder, models.RoleReviewer, models.RolePlanner} {
		task.Role = role
		assert.Contains(t, BuildPrompt(task, skills), "go-style", string(role))
	}
	for _, role := range []models.SwarmRole{models.RoleResearcher, models.RoleDebugger, models.RoleTester} {
		task.Role = role
		assert.NotContains(t, BuildPrompt(task, skills), "go-style", string(role))
	}
}

func TestBuildPrompt_SkillBudgetTruncation(t *testing.T) {
	big := strings.Repeat("x", SkillByteBudget)
	skills := []Skill{
		{Name: "first", Body: big},
		{Name: "second", Body: "should not fit"},
	}
	task := models.ExecuteRoleTask{TaskID: "t1", Role: models.RoleBuilder, Title: "Smoke"}
	prompt := BuildPrompt(task, skills)

	// The second skill's header survives; its body does not.
	assert.Contains(t, prompt, "## second")
	assert.NotContains(t, prompt, "should not fit")
	require.Contains(t, prompt, "## first")
}

func TestBuildOrchestratorPrompt(t *testing.T) {
	task := models.ExecuteRoleTask{TaskID: "t1", Title: "Smoke", Description: "Verify"}
	prompt := BuildOrchestratorPrompt(task, "recommended plan: Plan, Build", "build.exists=false")

	assert.Contains(t, prompt, "ACTION: <Name>")
	assert.Contains(t, prompt, "REASON: <text>")
	assert.Contains(t, prompt, "Planner analysis:\nrecommended plan: Plan, Build")
	assert.Contains(t, prompt, "Blackboard:\nbuild.exists=false")
}
