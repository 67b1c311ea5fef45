package models

// HealthResponse is returned from GET /health.
type HealthResponse struct {
	Status       string       `json:"status"`
	DB           ServiceCheck `json:"db"`
	SessionCount int          `json:"sessionCount"`
	LiveSessions int          `json:"liveSessions"`
	RelayClients int          `json:"relayClients"`
}

type ServiceCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// SystemStats is returned from GET /stats.
type SystemStats struct {
	Sessions     SessionStats  `json:"sessions"`
	WorkItems    WorkItemStats `json:"workItems"`
	RelayClients int           `json:"relayClients"`
	Uptime       int64         `json:"uptimeSeconds"`
}
