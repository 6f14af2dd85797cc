package protocol

// Message type constants for protocol envelopes.
const (
	// Renderer to daemon.
	TypeClientCreated  = "client_created"
	TypeClientDeleted  = "client_deleted"
	TypeNavigate       = "navigate"
	TypeWillInsertBody = "will_insert_body"
	TypeFetch          = "fetch"
	TypeReprioritize   = "reprioritize"
	TypeCancel         = "cancel"

	// Daemon to renderer.
	TypeHello          = "hello"
	TypeFetchStarted   = "fetch_started"
	TypeFetchCompleted = "fetch_completed"
	TypeError          = "error"
)

// Error codes carried in Error messages.
const (
	CodeBadEnvelope   = "BAD_ENVELOPE"
	CodeBadPayload    = "BAD_PAYLOAD"
	CodeUnknownType   = "UNKNOWN_TYPE"
	CodeUnknownClient = "UNKNOWN_CLIENT"
	CodeUnknownFetch  = "UNKNOWN_FETCH"
	CodeDuplicate     = "DUPLICATE"
	CodeRateLimited   = "RATE_LIMITED"
	CodeUnavailable   = "UNAVAILABLE"
)
