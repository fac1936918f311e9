package models

// QueueMessage is the broker envelope for one pending execution.
// Resume fields are set only on messages that continue a paused or
// partially completed execution.
type QueueMessage struct {
	ExecutionID string                 `json:"execution_id"`
	WorkflowID  string                 `json:"workflow_id"`
	UserID      string                 `json:"user_id"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	RetryCount  int                    `json:"retry_count"`

	ResumeFromNodeID string                            `json:"resume_from_node_id,omitempty"`
	ResumeData       map[string]map[string]interface{} `json:"resume_data,omitempty"`
}

// IsResume reports whether this message continues a prior execution
func (m *QueueMessage) IsResume() bool {
	return m.ResumeFromNodeID != ""
}
