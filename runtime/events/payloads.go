package events

// Type tags, grouped by domain. Values match the wire "type" field.
const (
	TypeChatStart   = "start"
	TypeChatDelta   = "delta"
	TypeChatMessage = "message"
	TypeChatEnd     = "end"
	TypeChatError   = "error"

	TypeThinkingThinking     = "thinking"
	TypeThinkingReflection   = "reflection"
	TypeThinkingVerification = "verification"

	TypeToolStart    = "start"
	TypeToolProgress = "progress"
	TypeToolResult   = "result"
	TypeToolError    = "error"

	TypeAuditFlowStart = "flow-start"
	TypeAuditFlowEnd   = "flow-end"
	TypeAuditNodeStart = "node-start"
	TypeAuditNodeEnd   = "node-end"
	TypeAuditMetric    = "metric"
	TypeAuditLog       = "log"

	TypeInteractionSuspend = "suspend"
	TypeInteractionResume  = "resume"
	TypeInteractionForm    = "form"
	TypeInteractionCancel  = "cancel"

	TypeSystemConnected    = "connected"
	TypeSystemDisconnected = "disconnected"
	TypeSystemHeartbeat    = "heartbeat"
	TypeSystemError        = "error"
)

type (
	// ChatDeltaData is the payload for chat/delta: one successive chunk of
	// assistant text. Chunks concatenate; chat/message carries the full text.
	ChatDeltaData struct {
		Text string `json:"text"`
	}

	// ChatMessageData is the payload for chat/message: the full concatenated
	// text of the turn, emitted once it terminates.
	ChatMessageData struct {
		Text string `json:"text"`
		Role string `json:"role"`
	}

	// ChatErrorData is the payload for chat/error.
	ChatErrorData struct {
		Message string `json:"message"`
		Code    string `json:"code,omitempty"`
	}

	// ThinkingData is the shared payload shape for thinking/thinking,
	// thinking/reflection, and thinking/verification.
	ThinkingData struct {
		Text string `json:"text"`
	}

	// ToolStartData is the payload for tool/start.
	ToolStartData struct {
		ToolName    string `json:"toolName"`
		Input       any    `json:"input"`
		ExecutionID string `json:"executionId"`
		ParentID    string `json:"parentId,omitempty"`
	}

	// ToolProgressData is the payload for tool/progress.
	ToolProgressData struct {
		Progress float64 `json:"progress"`
		Message  string  `json:"message,omitempty"`
	}

	// ToolResultData is the payload for tool/result.
	ToolResultData struct {
		ToolName   string `json:"toolName"`
		Output     any    `json:"output"`
		DurationMs int64  `json:"durationMs"`
		Cached     bool   `json:"cached,omitempty"`
	}

	// ToolErrorData is the payload for tool/error.
	ToolErrorData struct {
		ToolName string `json:"toolName"`
		Message  string `json:"message"`
		Code     string `json:"code,omitempty"`
	}

	// AuditFlowStartData is the payload for audit/flow-start.
	AuditFlowStartData struct {
		WorkflowID  string `json:"workflowId"`
		ExecutionID string `json:"executionId"`
	}

	// AuditFlowEndData is the payload for audit/flow-end.
	AuditFlowEndData struct {
		ExecutionID string `json:"executionId"`
		Status      string `json:"status"`
		DurationMs  int64  `json:"durationMs"`
	}

	// AuditNodeStartData is the payload for audit/node-start.
	AuditNodeStartData struct {
		NodeID      string `json:"nodeId"`
		ExecutionID string `json:"executionId"`
	}

	// AuditNodeEndData is the payload for audit/node-end.
	AuditNodeEndData struct {
		NodeID      string `json:"nodeId"`
		ExecutionID string `json:"executionId"`
		Status      string `json:"status"`
	}

	// AuditMetricData is the payload for audit/metric.
	AuditMetricData struct {
		Name  string            `json:"name"`
		Value float64           `json:"value"`
		Tags  map[string]string `json:"tags,omitempty"`
	}

	// AuditLogData is the payload for audit/log.
	AuditLogData struct {
		Level   string `json:"level"`
		Message string `json:"message"`
	}

	// InteractionSuspendData is the payload for interaction/suspend.
	InteractionSuspendData struct {
		ResumeToken string `json:"resumeToken"`
		Form        any    `json:"form"`
		ExpiresAt   int64  `json:"expiresAt"`
	}

	// InteractionResumeData is the payload for interaction/resume.
	InteractionResumeData struct {
		SubmittedData any `json:"submittedData"`
	}

	// InteractionFormData is the payload for interaction/form.
	InteractionFormData struct {
		FormID string `json:"formId"`
		Fields any    `json:"fields"`
	}

	// SystemConnectedData is the payload for system/connected.
	SystemConnectedData struct {
		SessionID string `json:"sessionId"`
	}

	// SystemErrorData is the payload for system/error.
	SystemErrorData struct {
		Message string `json:"message"`
		Code    string `json:"code,omitempty"`
	}
)

// payloadFor returns a pointer to a zero-valued payload struct for the
// given domain/type, or nil for types with no payload (chat/start,
// chat/end, interaction/cancel, system/disconnected, system/heartbeat)
// or for unrecognized pairs.
func payloadFor(domain Domain, typ string) any {
	switch domain {
	case DomainChat:
		switch typ {
		case TypeChatDelta:
			return &ChatDeltaData{}
		case TypeChatMessage:
			return &ChatMessageData{}
		case TypeChatError:
			return &ChatErrorData{}
		}
	case DomainThinking:
		switch typ {
		case TypeThinkingThinking, TypeThinkingReflection, TypeThinkingVerification:
			return &ThinkingData{}
		}
	case DomainTool:
		switch typ {
		case TypeToolStart:
			return &ToolStartData{}
		case TypeToolProgress:
			return &ToolProgressData{}
		case TypeToolResult:
			return &ToolResultData{}
		case TypeToolError:
			return &ToolErrorData{}
		}
	case DomainAudit:
		switch typ {
		case TypeAuditFlowStart:
			return &AuditFlowStartData{}
		case TypeAuditFlowEnd:
			return &AuditFlowEndData{}
		case TypeAuditNodeStart:
			return &AuditNodeStartData{}
		case TypeAuditNodeEnd:
			return &AuditNodeEndData{}
		case TypeAuditMetric:
			return &AuditMetricData{}
		case TypeAuditLog:
			return &AuditLogData{}
		}
	case DomainInteraction:
		switch typ {
		case TypeInteractionSuspend:
			return &InteractionSuspendData{}
		case TypeInteractionResume:
			return &InteractionResumeData{}
		case TypeInteractionForm:
			return &InteractionFormData{}
		}
	case DomainSystem:
		switch typ {
		case TypeSystemConnected:
			return &SystemConnectedData{}
		case TypeSystemError:
			return &SystemErrorData{}
		}
	}
	return nil
}

// Construction helpers. Each returns an Envelope with Header.Domain/Type
// set and ID/Timestamp left zero for the emitter to assign.

func NewChatStart() Envelope {
	return Envelope{Header: Header{Domain: DomainChat, Type: TypeChatStart}}
}

func NewChatDelta(text string) Envelope {
	return Envelope{Header: Header{Domain: DomainChat, Type: TypeChatDelta}, Data: ChatDeltaData{Text: text}}
}

func NewChatMessage(text, role string) Envelope {
	return Envelope{Header: Header{Domain: DomainChat, Type: TypeChatMessage}, Data: ChatMessageData{Text: text, Role: role}}
}

func NewChatEnd() Envelope {
	return Envelope{Header: Header{Domain: DomainChat, Type: TypeChatEnd}}
}

func NewChatError(message, code string) Envelope {
	return Envelope{Header: Header{Domain: DomainChat, Type: TypeChatError}, Data: ChatErrorData{Message: message, Code: code}}
}

func NewThinking(text string) Envelope {
	return Envelope{Header: Header{Domain: DomainThinking, Type: TypeThinkingThinking}, Data: ThinkingData{Text: text}}
}

func NewReflection(text string) Envelope {
	return Envelope{Header: Header{Domain: DomainThinking, Type: TypeThinkingReflection}, Data: ThinkingData{Text: text}}
}

func NewVerification(text string) Envelope {
	return Envelope{Header: Header{Domain: DomainThinking, Type: TypeThinkingVerification}, Data: ThinkingData{Text: text}}
}

func NewToolStart(toolName string, input any, executionID, parentID string) Envelope {
	return Envelope{
		Header: Header{Domain: DomainTool, Type: TypeToolStart},
		Data:   ToolStartData{ToolName: toolName, Input: input, ExecutionID: executionID, ParentID: parentID},
	}
}

func NewToolProgress(progress float64, message string) Envelope {
	return Envelope{Header: Header{Domain: DomainTool, Type: TypeToolProgress}, Data: ToolProgressData{Progress: progress, Message: message}}
}

func NewToolResult(toolName string, output any, durationMs int64, cached bool) Envelope {
	return Envelope{
		Header: Header{Domain: DomainTool, Type: TypeToolResult},
		Data:   ToolResultData{ToolName: toolName, Output: output, DurationMs: durationMs, Cached: cached},
	}
}

func NewToolError(toolName, message, code string) Envelope {
	return Envelope{Header: Header{Domain: DomainTool, Type: TypeToolError}, Data: ToolErrorData{ToolName: toolName, Message: message, Code: code}}
}

func NewAuditFlowStart(workflowID, executionID string) Envelope {
	return Envelope{Header: Header{Domain: DomainAudit, Type: TypeAuditFlowStart}, Data: AuditFlowStartData{WorkflowID: workflowID, ExecutionID: executionID}}
}

func NewAuditFlowEnd(executionID, status string, durationMs int64) Envelope {
	return Envelope{Header: Header{Domain: DomainAudit, Type: TypeAuditFlowEnd}, Data: AuditFlowEndData{ExecutionID: executionID, Status: status, DurationMs: durationMs}}
}

func NewAuditNodeStart(nodeID, executionID string) Envelope {
	return Envelope{Header: Header{Domain: DomainAudit, Type: TypeAuditNodeStart}, Data: AuditNodeStartData{NodeID: nodeID, ExecutionID: executionID}}
}

func NewAuditNodeEnd(nodeID, executionID, status string) Envelope {
	return Envelope{Header: Header{Domain: DomainAudit, Type: TypeAuditNodeEnd}, Data: AuditNodeEndData{NodeID: nodeID, ExecutionID: executionID, Status: status}}
}

func NewAuditMetric(name string, value float64, tags map[string]string) Envelope {
	return Envelope{Header: Header{Domain: DomainAudit, Type: TypeAuditMetric}, Data: AuditMetricData{Name: name, Value: value, Tags: tags}}
}

func NewAuditLog(level, message string) Envelope {
	return Envelope{Header: Header{Domain: DomainAudit, Type: TypeAuditLog}, Data: AuditLogData{Level: level, Message: message}}
}

func NewInteractionSuspend(resumeToken string, form any, expiresAt int64) Envelope {
	return Envelope{
		Header: Header{Domain: DomainInteraction, Type: TypeInteractionSuspend},
		Data:   InteractionSuspendData{ResumeToken: resumeToken, Form: form, ExpiresAt: expiresAt},
	}
}

func NewInteractionResume(submittedData any) Envelope {
	return Envelope{Header: Header{Domain: DomainInteraction, Type: TypeInteractionResume}, Data: InteractionResumeData{SubmittedData: submittedData}}
}

func NewInteractionForm(formID string, fields any) Envelope {
	return Envelope{Header: Header{Domain: DomainInteraction, Type: TypeInteractionForm}, Data: InteractionFormData{FormID: formID, Fields: fields}}
}

func NewInteractionCancel() Envelope {
	return Envelope{Header: Header{Domain: DomainInteraction, Type: TypeInteractionCancel}}
}

func NewSystemConnected(sessionID string) Envelope {
	return Envelope{Header: Header{Domain: DomainSystem, Type: TypeSystemConnected}, Data: SystemConnectedData{SessionID: sessionID}}
}

func NewSystemDisconnected() Envelope {
	return Envelope{Header: Header{Domain: DomainSystem, Type: TypeSystemDisconnected}}
}

func NewSystemHeartbeat() Envelope {
	return Envelope{Header: Header{Domain: DomainSystem, Type: TypeSystemHeartbeat}}
}

func NewSystemError(message, code string) Envelope {
	return Envelope{Header: Header{Domain: DomainSystem, Type: TypeSystemError}, Data: SystemErrorData{Message: message, Code: code}}
}

// Droppable reports whether an envelope of this domain/type may be
// discarded under backpressure. TOOL/*, CHAT/message, INTERACTION/*, and
// AUDIT/* are never dropped; everything else (notably CHAT/delta and
// SYSTEM/heartbeat) may be dropped oldest-first.
func (h Header) Droppable() bool {
	switch h.Domain {
	case DomainTool, DomainInteraction, DomainAudit:
		return false
	case DomainChat:
		return h.Type != TypeChatMessage
	default:
		return true
	}
}
