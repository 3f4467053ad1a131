package llm

import "github.com/sashabaranov/go-openai"

const DefaultModel = openai.GPT3Dot5Turbo

type ModelProfile struct {
	Key          string
	Name         string
	ContextLimit int
	Description  string
}

var Models = map[string]ModelProfile{
	"gpt35": {
		Key:          "gpt35",
		Name:         openai.GPT3Dot5Turbo,
		ContextLimit: 16385,
		Description:  "Default chat model, cheap and fast",
	},
	"gpt4": {
		Key:          "gpt4",
		Name:         openai.GPT4,
		ContextLimit: 8192,
		Description:  "Small window; keep max_context_tokens low",
	},
	"gpt4o-mini": {
		Key:          "gpt4o-mini",
		Name:         openai.GPT4oMini,
		ContextLimit: 128000,
		Description:  "Large window at low cost",
	},
	"gpt4o": {
		Key:          "gpt4o",
		Name:         openai.GPT4o,
		ContextLimit: 128000,
		Description:  "Strong general-purpose model",
	},
	"gpt41": {
		Key:          "gpt41",
		Name:         "gpt-4.1",
		ContextLimit: 1047576,
		Description:  "Very large window",
	},
}

var modelOrder = []string{"gpt35", "gpt4", "gpt4o-mini", "gpt4o", "gpt41"}

func GetModel(key string) (ModelProfile, bool) {
	m, ok := Models[key]
	return m, ok
}

// ProfileFor looks a profile up by its API model name.
func ProfileFor(name string) (ModelProfile, bool) {
	for _, k := range modelOrder {
		if Models[k].Name == name {
			return Models[k], true
		}
	}
	return ModelProfile{}, false
}

func ListModels() []ModelProfile {
	var result []ModelProfile
	for _, k := range modelOrder {
		result = append(result, Models[k])
	}
	return result
}
