package a2a

// MethodSpec describes one callable method on an agent card.
type MethodSpec struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	Returns     string            `json:"returns,omitempty"`
}

// AgentCard provides metadata about an agent: its identity and the ordered
// set of methods it will accept. Cards are built once at startup and never
// mutated afterwards; a Message whose method is absent from the receiver's
// card is rejected before any handler runs.
type AgentCard struct {
	AgentID      string       `json:"agent_id"`
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	Version      string       `json:"version,omitempty"`
	Capabilities []string     `json:"capabilities,omitempty"`
	Methods      []MethodSpec `json:"methods"`
}

// Validate ensures the card has all required fields.
func (c *AgentCard) Validate() error {
	if c.AgentID == "" {
		return ErrCardMissingID
	}
	if c.Name == "" {
		return ErrCardMissingName
	}
	if c.Description == "" {
		return ErrCardMissingDescription
	}
	if len(c.Methods) == 0 {
		return ErrCardNoMethods
	}
	return nil
}

// Supports reports whether the card lists the given method.
func (c *AgentCard) Supports(method string) bool {
	for _, m := range c.Methods {
		if m.Name == method {
			return true
		}
	}
	return false
}

// MethodNames returns the method names in the order the card declares them.
func (c *AgentCard) MethodNames() []string {
	names := make([]string, 0, len(c.Methods))
	for _, m := range c.Methods {
		names = append(names, m.Name)
	}
	return names
}
