package dialogue

import (
	"github.com/haricheung/storyagent/internal/llm"
	"github.com/haricheung/storyagent/internal/types"
)

// CriteriaToolName is the tool the interviewer calls once it has every field.
const CriteriaToolName = "UserStoryCriteria"

var criteriaSchema = llm.GenerateSchema[types.ExtractedCriteria]()

// CriteriaTool returns the completion-signal schema bound to the interview call.
func CriteriaTool() llm.Tool {
	return llm.Tool{
		Name:        CriteriaToolName,
		Description: "Instructions on how to prompt the LLM.",
		Parameters:  criteriaSchema,
	}
}
