package errs

const (
	ServerInternalError = 500
	ArgsError           = 1001
	UnauthorizedError   = 1002
	NotFoundError       = 1003

	BannedError          = 2001
	RateLimitedError     = 2002
	BadFrameError        = 2003
	NotInRoomError       = 2004
	StoreUnavailableCode = 3001
	PeerUnknownCode      = 3002
)

var (
	ErrInternal         = NewCodeError(ServerInternalError, "internal error")
	ErrArgs             = NewCodeError(ArgsError, "invalid argument")
	ErrUnauthorized     = NewCodeError(UnauthorizedError, "unauthorized")
	ErrNotFound         = NewCodeError(NotFoundError, "not found")
	ErrBanned           = NewCodeError(BannedError, "user is banned")
	ErrRateLimited      = NewCodeError(RateLimitedError, "rate limit exceeded")
	ErrBadFrame         = NewCodeError(BadFrameError, "malformed frame")
	ErrNotInRoom        = NewCodeError(NotInRoomError, "user is not active in chat")
	ErrStoreUnavailable = NewCodeError(StoreUnavailableCode, "store unavailable")
	ErrPeerUnknown      = NewCodeError(PeerUnknownCode, "unknown peer server")
)
