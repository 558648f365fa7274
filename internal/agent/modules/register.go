package modules

import "carelink/internal/agent"

// RegisterAll installs every built-in agent module into the registry.
func RegisterAll(r *agent.Registry) {
	r.Register(Support())
	r.Register(Scheduling())
	r.Register(Billing())
}
