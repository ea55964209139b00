package wire

// Payload schemas shared by the client and the agent.

// ExecRequest asks the agent to run one shell command.
type ExecRequest struct {
	Command   string `json:"command"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
}

// ExecResponse carries the outcome of one command. A non-zero exit code is
// not an error; Error is set only when the agent could not run the command
// at all (or killed it on timeout).
type ExecResponse struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// BatchRequest runs several commands sequentially in one round trip.
type BatchRequest struct {
	Commands  []string `json:"commands"`
	TimeoutMS int64    `json:"timeout_ms,omitempty"`
}

// BatchResponse holds one ExecResponse per submitted command, in order.
type BatchResponse struct {
	Results []ExecResponse `json:"results"`
}

// Status is the ping/health probe payload returned by the agent.
type Status struct {
	Hostname      string  `json:"hostname,omitempty"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	Load1         float64 `json:"load1"`
	MemUsedPct    float64 `json:"mem_used_pct"`
	DiskUsedPct   float64 `json:"disk_used_pct"`
}
