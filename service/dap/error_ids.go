package dap

// Unique identifiers for messages returned with error responses. The
// ids are visible to clients, so they stay stable.
const (
	UnableToSetBreakpoints     = 2002
	UnableToDisplayThreads     = 2003
	UnableToProduceStackTrace  = 2004
	UnableToLookupVariable     = 2008
	UnableToEvaluateExpression = 2009
	StateConflict              = 2010
	RemoteUnavailable          = 2011
	FailedToLaunch             = 3000
	FailedToRestart            = 3002
	DisconnectError            = 3003
	InternalError              = 8888
	UnsupportedCommand         = 9999
)
