package protocol

// AgentCardPath is the well-known path an agent serves its card on.
const AgentCardPath = "/.well-known/agent.json"

// AgentCard is the capability card an agent publishes. The free-form
// Metadata carries the agent's on-chain address under "aptos_address".
type AgentCard struct {
	Name               string            `json:"name"`
	Description        string            `json:"description,omitempty"`
	URL                string            `json:"url"`
	Version            string            `json:"version"`
	Capabilities       AgentCapabilities `json:"capabilities"`
	DefaultInputModes  []string          `json:"defaultInputModes,omitempty"`
	DefaultOutputModes []string          `json:"defaultOutputModes,omitempty"`
	Skills             []AgentSkill      `json:"skills,omitempty"`
	Metadata           map[string]any    `json:"metadata,omitempty"`
}

// AgentCapabilities flags optional protocol features.
type AgentCapabilities struct {
	Streaming              bool `json:"streaming"`
	PushNotifications      bool `json:"pushNotifications"`
	StateTransitionHistory bool `json:"stateTransitionHistory"`
}

// AgentSkill advertises one capability of the agent.
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Examples    []string `json:"examples,omitempty"`
}

// ChainAddress returns the agent's published on-chain address, if any.
// Cards historically published under either key.
func (c *AgentCard) ChainAddress() string {
	for _, key := range []string{"aptos_address", "ethereum_address"} {
		if v, ok := c.Metadata[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
